package rcnnkit

// The intermediate annotation metadata representation.

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/sensorable/rcnnkit/internal/fileutil"
	"github.com/sensorable/rcnnkit/logger"
)

// Annotation is the intermediate representation of an object label.
type Annotation struct {
	Coords [4]float64 // Absolute x1, y1, x2, y2 offsets from the top-left corner.
	Label  string
}

// Width is the object width from a.Coords.
func (a Annotation) Width() float64 {
	return a.Coords[2] - a.Coords[0]
}

// Height is the object height from a.Coords.
func (a Annotation) Height() float64 {
	return a.Coords[3] - a.Coords[1]
}

// AnnotatedFile is the intermediate representation of an annotated image.
type AnnotatedFile struct {
	Annotations []Annotation // The annotations, in source order.
	FilePath    string       // The image file name or path.
	Width       int          // Image width in pixels.
	Height      int          // Image height in pixels.
}

// scaleCoords scales all Annotations.Coords and the image size by the given scale factors.
func (f *AnnotatedFile) scaleCoords(width, height float64) {
	for i := range f.Annotations {
		for j := 0; j < 4; j++ {
			if j&1 == 0 {
				f.Annotations[i].Coords[j] *= width
			} else {
				f.Annotations[i].Coords[j] *= height
			}
		}
	}
	f.Width = int(float64(f.Width)*width + 0.5)
	f.Height = int(float64(f.Height)*height + 0.5)
}

// AnnotatedFiles is the annotation metadata for a list of images.
type AnnotatedFiles []AnnotatedFile

// FileNames returns the image file names in order.
func (data AnnotatedFiles) FileNames() []string {
	names := make([]string, len(data))
	for i, f := range data {
		names[i] = f.FilePath
	}
	return names
}

// Subset returns the files whose base names without extension are listed in names, in the order
// of names. Unknown names are skipped.
func (data AnnotatedFiles) Subset(names []string) AnnotatedFiles {
	byName := make(map[string]int, len(data))
	for i, f := range data {
		byName[stripExt(f.FilePath)] = i
	}

	subset := make(AnnotatedFiles, 0, len(names))
	for _, n := range names {
		if i, ok := byName[n]; ok {
			subset = append(subset, data[i])
		}
	}
	return subset
}

// MapLabels replaces label (sub-)strings with substitution values, as specified in mappings.
//
// The format of mappings is old=new.
func (data *AnnotatedFiles) MapLabels(mappings []string) error {
	if len(mappings) == 0 {
		return nil
	}

	replacements := make([]struct{ old, new string }, len(mappings))
	for i, v := range mappings {
		a := strings.Split(v, "=")
		if len(a) != 2 || a[0] == "" {
			return fmt.Errorf("invalid mapping: %v", v)
		}

		replacements[i].old = a[0]
		replacements[i].new = a[1]
	}

	// Apply the replacements, in order, to all labels.
	count := 0
	for _, f := range *data {
		for i := range f.Annotations {
			a := &f.Annotations[i]

			oldLabel := a.Label
			for _, r := range replacements {
				a.Label = strings.Replace(a.Label, r.old, r.new, -1)
			}

			if a.Label != oldLabel {
				count++
			}
		}
	}

	logger.S().Infof("The label mappings changed %d labels", count)
	return nil
}

// ImageOptions controls how ProcessImages populates the image output directory.
type ImageOptions struct {
	SourceDir   string // Directory holding the images named by AnnotatedFile.FilePath.
	OutDir      string // Usually VOCLayout.JPEGImages().
	LongerSide  int    // Target length of the longer side, zero to derive it from ShorterSide.
	ShorterSide int    // Target length of the shorter side, zero to derive it from LongerSide.
	JPEGQuality int
}

func (o ImageOptions) resize() bool {
	return o.LongerSide > 0 || o.ShorterSide > 0
}

// ProcessImages copies every referenced image from opts.SourceDir to opts.OutDir. When a target
// size is set the images are resized and re-encoded instead, and the annotation coordinates and
// recorded image sizes are rescaled to match.
//
// Output files keep the source file name, so the annotation file names stay valid.
func (data *AnnotatedFiles) ProcessImages(opts ImageOptions) error {
	if opts.SourceDir == "" {
		return nil
	}
	if opts.OutDir == "" {
		return fmt.Errorf("missing image output directory")
	}
	if opts.JPEGQuality < 1 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 92
	}
	logger.S().Infof("Processing %d images from %s", len(*data), opts.SourceDir)

	// Limit the number of goroutines in flight, as they load potentially large images into memory.
	numTasks := 2 * runtime.NumCPU()
	if len(*data) < numTasks {
		numTasks = len(*data)
	}
	workQueue := make(chan *AnnotatedFile, 2*numTasks)
	errors := make(chan error, 1)
	var wg sync.WaitGroup

	wg.Add(numTasks)
	for i := 0; i < numTasks; i++ {
		go func() {
			defer wg.Done()
			for d := range workQueue {
				if err := processImage(d, opts); err != nil {
					select {
					case errors <- err:
					default:
					}
				}
			}
		}()
	}

	for i := range *data {
		workQueue <- &(*data)[i]
	}
	close(workQueue)
	wg.Wait()

	close(errors)
	if len(errors) > 0 {
		return <-errors
	}

	return nil
}

// processImage copies or resizes the image described by data.
func processImage(data *AnnotatedFile, opts ImageOptions) error {
	name := filepath.Base(data.FilePath)
	inPath := filepath.Join(opts.SourceDir, name)
	outPath := filepath.Join(opts.OutDir, name)

	if !opts.resize() {
		return fileutil.CopyFile(inPath, outPath)
	}

	img, _, err := loadImage(inPath)
	if err != nil {
		return fmt.Errorf("failed to load %q: %w", inPath, err)
	}

	resized, scaleWidth, scaleHeight, err :=
		resizeImage(img, opts.LongerSide, opts.ShorterSide, imaging.Box, imaging.Linear)
	if err != nil {
		return err
	}
	if err := saveImage(outPath, resized, opts.JPEGQuality); err != nil {
		return fmt.Errorf("failed to save %q: %w", outPath, err)
	}

	// The recorded size may be missing from the source metadata, so use the decoded one.
	b := img.Bounds()
	data.Width, data.Height = b.Dx(), b.Dy()
	data.scaleCoords(scaleWidth, scaleHeight)
	return nil
}
