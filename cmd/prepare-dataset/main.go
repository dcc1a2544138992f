// Converts a COCO style bounding box JSON file into a PASCAL VOC2007 dataset directory, with
// random trainval/test image sets and optional TFRecord export.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sensorable/rcnnkit"
	"github.com/sensorable/rcnnkit/logger"
)

var (
	annotationsPath string // The COCO JSON input file.
	outDirPath      string // The VOC2007 output directory.
	imageDirPath    string // The source image directory (optional).
	tfRecordDirPath string // The TFRecord output directory (optional).
	numShardFiles   int    // The number of TFRecord shard files per image set.

	labelMappings string // A comma-separated string of label mappings.

	trainFraction float64 // The share of images in the trainval set.
	splitOverlap  bool    // List the boundary image in both sets.
	splitSeed     int64   // The permutation seed, zero for random.

	imageResizeLonger  int // The target length for the longer side of the image.
	imageResizeShorter int // The target length for the shorter side of the image.
	imageJPEGQuality   int // The JPEG quality for resized images.

	devLogging bool
)

func init() {
	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Usage of %s:\n", filepath.Base(os.Args[0]))
		_, _ = fmt.Fprintln(os.Stderr, "  -annotations <file> -out <dir> [-images <dir>] [-tfrecord-out <dir>]")
		_, _ = fmt.Fprintln(os.Stderr)
		flag.PrintDefaults()
	}

	flag.StringVar(&annotationsPath, "annotations", annotationsPath,
		"The `path` to the COCO style annotation JSON file")
	flag.StringVar(&outDirPath, "out", outDirPath,
		"The VOC2007 output directory `path` (Annotations, ImageSets, JPEGImages, ... are created)")
	flag.StringVar(&imageDirPath, "images", imageDirPath,
		"The source image directory `path`; images are copied (or resized) into JPEGImages")
	flag.StringVar(&tfRecordDirPath, "tfrecord-out", tfRecordDirPath,
		"Also write trainval/test TFRecord files and a label map to this directory `path`"+
			" (requires -images)")
	flag.IntVar(&numShardFiles, "num-shards", 1,
		"The number of TFRecord shard files to create per image set")

	flag.StringVar(&labelMappings, "map-labels", labelMappings,
		"Comma-separated list of old=new label (sub-)string replacements")

	flag.Float64Var(&trainFraction, "train-fraction", rcnnkit.DefaultTrainFraction,
		"The `fraction` of images listed in trainval.txt")
	flag.BoolVar(&splitOverlap, "split-overlap", true,
		"List the last trainval image in test.txt too, as earlier dataset releases did")
	flag.Int64Var(&splitSeed, "seed", 0, "The split permutation `seed` (zero picks one at random)")

	flag.IntVar(&imageResizeLonger, "resize-longer", imageResizeLonger,
		"The target `length` for the longer side of the image (zero to keep aspect ratio)")
	flag.IntVar(&imageResizeShorter, "resize-shorter", imageResizeShorter,
		"The target `length` for the shorter side of the image (zero to keep aspect ratio)")
	flag.IntVar(&imageJPEGQuality, "jpeg-quality", 90,
		"The quality to use when encoding resized JPEGs [1, 100]")

	flag.BoolVar(&devLogging, "log-dev", false, "Log in human readable form")
}

func main() {
	flag.Parse()

	initLog := logger.InitProduction
	if devLogging {
		initLog = logger.InitDevelopment
	}
	if err := initLog(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialise logging:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.S()

	printUsageAndExit := func(msg ...interface{}) {
		log.Error(msg...)
		flag.Usage()
		logger.Sync()
		os.Exit(1)
	}

	if annotationsPath == "" || outDirPath == "" {
		printUsageAndExit("Missing -annotations or -out argument")
	}
	if trainFraction <= 0 || trainFraction > 1 {
		printUsageAndExit("Invalid -train-fraction, must be in (0.0, 1.0]: ", trainFraction)
	}
	if (imageResizeLonger > 0 || imageResizeShorter > 0 || tfRecordDirPath != "") &&
		imageDirPath == "" {
		printUsageAndExit("Resizing and TFRecord output require -images")
	}

	layout := rcnnkit.VOCLayout{Root: filepath.Clean(outDirPath)}
	if imageDirPath != "" && filepath.Clean(imageDirPath) == layout.JPEGImages() {
		printUsageAndExit("The image input directory cannot be the JPEGImages output directory")
	}

	if err := run(layout); err != nil {
		log.Errorw("Conversion failed", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(layout rcnnkit.VOCLayout) error {
	log := logger.S()

	ds, err := rcnnkit.ReadCoco(annotationsPath)
	if err != nil {
		return err
	}
	data, err := rcnnkit.FromCoco(ds)
	if err != nil {
		return err
	}

	if labelMappings != "" {
		if err := data.MapLabels(strings.Split(labelMappings, ",")); err != nil {
			return fmt.Errorf("failed to map labels: %w", err)
		}
	}

	if err := layout.Create(); err != nil {
		return err
	}

	err = data.ProcessImages(rcnnkit.ImageOptions{
		SourceDir:   imageDirPath,
		OutDir:      layout.JPEGImages(),
		LongerSide:  imageResizeLonger,
		ShorterSide: imageResizeShorter,
		JPEGQuality: imageJPEGQuality,
	})
	if err != nil {
		return fmt.Errorf("image processing failed: %w", err)
	}

	if err := rcnnkit.WriteVOC(layout, rcnnkit.ToVOC(data)); err != nil {
		return err
	}
	log.Infof("Wrote annotations for %d images to %s", len(data), layout.Annotations())

	trainval, test, err := rcnnkit.SplitNames(data.FileNames(), rcnnkit.SplitOptions{
		TrainFraction:   trainFraction,
		BoundaryOverlap: splitOverlap,
		Seed:            splitSeed,
	})
	if err != nil {
		return err
	}
	if err := rcnnkit.WriteImageSets(layout, trainval, test); err != nil {
		return err
	}
	log.Infow("Wrote image sets", "trainval", len(trainval), "test", len(test),
		"dir", layout.ImageSets())

	if tfRecordDirPath != "" {
		return writeTFRecords(layout, data, trainval, test)
	}
	return nil
}

func writeTFRecords(layout rcnnkit.VOCLayout, data rcnnkit.AnnotatedFiles,
	trainval, test []string) error {
	log := logger.S()

	if err := os.MkdirAll(tfRecordDirPath, 0755); err != nil {
		return err
	}

	labelMapPath := filepath.Join(tfRecordDirPath, "label_map.pbtxt")
	base, err := rcnnkit.LoadLabelMap(labelMapPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read the label map from %q: %w", labelMapPath, err)
	}
	labelMap := rcnnkit.NewLabelMap(base, data)

	sets := []struct {
		name  string
		names []string
	}{
		{rcnnkit.TrainValSet, trainval},
		{rcnnkit.TestSet, test},
	}
	for _, s := range sets {
		subset := data.Subset(stripExts(s.names))
		outPath := filepath.Join(tfRecordDirPath, s.name+".record")
		if err := rcnnkit.WriteTFRecord(outPath, layout.JPEGImages(), subset, labelMap,
			numShardFiles); err != nil {
			return err
		}
		log.Infof("Successfully wrote %d examples to %s", len(subset), outPath)
	}

	return rcnnkit.SaveLabelMap(labelMapPath, labelMap)
}

func stripExts(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.TrimSuffix(filepath.Base(n), filepath.Ext(n))
	}
	return out
}
