package rcnnkit

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/sensorable/rcnnkit/logger"
)

// DefaultTrainFraction is the share of images listed in the trainval set.
const DefaultTrainFraction = 0.9

// SplitOptions controls SplitNames.
type SplitOptions struct {
	TrainFraction float64 // In (0, 1]. Zero selects DefaultTrainFraction.

	// BoundaryOverlap also lists the last trainval image in the test set. Datasets produced by
	// earlier versions of this tool have that overlap, so it stays the default for comparable
	// evaluations.
	BoundaryOverlap bool

	Seed int64 // Zero seeds from the clock.
}

// DefaultSplitOptions returns the options matching previously published splits.
func DefaultSplitOptions() SplitOptions {
	return SplitOptions{TrainFraction: DefaultTrainFraction, BoundaryOverlap: true}
}

// SplitNames randomly permutes names and splits the permutation at floor(TrainFraction*n) into
// trainval and test.
func SplitNames(names []string, opts SplitOptions) (trainval, test []string, err error) {
	fraction := opts.TrainFraction
	if fraction == 0 {
		fraction = DefaultTrainFraction
	}
	if fraction < 0 || fraction > 1 {
		return nil, nil, fmt.Errorf("train fraction %v not in (0, 1]", fraction)
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(len(names))

	k := int(fraction * float64(len(names)))
	start := k
	if opts.BoundaryOverlap && k > 0 {
		start = k - 1
		logger.S().Warnf("Test split overlaps trainval by one image (%s)", names[perm[start]])
	}

	trainval = make([]string, 0, k)
	for _, i := range perm[:k] {
		trainval = append(trainval, names[i])
	}
	test = make([]string, 0, len(perm)-start)
	for _, i := range perm[start:] {
		test = append(test, names[i])
	}

	return trainval, test, nil
}
