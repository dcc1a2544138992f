package rcnnkit

// TFRecord object detection export, for training the same dataset with the TensorFlow object
// detection API.

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/protobuf/proto"
	"github.com/ryszard/tfutils/go/example"
	"github.com/ryszard/tfutils/go/tfrecord"
	"github.com/ryszard/tfutils/proto/tensorflow/core/example" // package tensorflow

	"github.com/sensorable/rcnnkit/internal/fileutil"
	"github.com/sensorable/rcnnkit/logger"
)

// TFFeatureMap maps feature names to their values. Values must be convertible to
// tensorflow.Feature.
type TFFeatureMap map[string]interface{}

// LabelMap maps class names to the 1-based ids used in TFRecord class/label features.
type LabelMap map[string]int32

// NewLabelMap assigns ids to all labels found in data. Ids already present in base are kept, new
// labels get the following ids in lexical order.
func NewLabelMap(base LabelMap, data []AnnotatedFile) LabelMap {
	m := make(LabelMap, len(base))
	var maxID int32
	for k, v := range base {
		m[k] = v
		if v > maxID {
			maxID = v
		}
	}

	var fresh []string
	seen := make(map[string]bool)
	for _, f := range data {
		for _, a := range f.Annotations {
			if _, ok := m[a.Label]; !ok && !seen[a.Label] {
				seen[a.Label] = true
				fresh = append(fresh, a.Label)
			}
		}
	}
	sort.Strings(fresh)
	for _, l := range fresh {
		maxID++
		m[l] = maxID
	}
	return m
}

// toTFRecord builds the feature map for a single image read from imageDir.
func toTFRecord(fileData AnnotatedFile, imageDir string, labelMap LabelMap) (TFFeatureMap, error) {
	path := filepath.Join(imageDir, filepath.Base(fileData.FilePath))
	img, format, err := decodeImageConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to decode the image metadata: %w", err)
	}

	imgData, err := readFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the image: %w", err)
	}

	f := make(TFFeatureMap, 16)
	f["image/height"] = img.Height
	f["image/width"] = img.Width
	f["image/filename"] = filepath.Base(fileData.FilePath)
	f["image/source_id"] = stripExt(fileData.FilePath)
	f["image/encoded"] = imgData
	f["image/format"] = format

	numLabels := len(fileData.Annotations)
	xmins := make([]float32, numLabels)
	ymins := make([]float32, numLabels)
	xmaxs := make([]float32, numLabels)
	ymaxs := make([]float32, numLabels)
	classes := make([]string, numLabels)
	classIDs := make([]int64, numLabels)
	for i, a := range fileData.Annotations {
		xmins[i] = float32(a.Coords[0]) / float32(img.Width)
		ymins[i] = float32(a.Coords[1]) / float32(img.Height)
		xmaxs[i] = float32(a.Coords[2]) / float32(img.Width)
		ymaxs[i] = float32(a.Coords[3]) / float32(img.Height)
		classes[i] = a.Label
		classIDs[i] = int64(labelMap[a.Label])
	}
	f["image/object/bbox/xmin"] = xmins
	f["image/object/bbox/ymin"] = ymins
	f["image/object/bbox/xmax"] = xmaxs
	f["image/object/bbox/ymax"] = ymaxs
	f["image/object/class/text"] = classes
	f["image/object/class/label"] = classIDs

	return f, nil
}

// WriteTFRecord does a streaming conversion, serialisation and file write of data to one or more
// TFRecord files at recordFilePath (with -NNNNN-of-NNNNN suffixes when numShards > 1). Images are
// read from imageDir.
func WriteTFRecord(recordFilePath, imageDir string, data []AnnotatedFile, labelMap LabelMap,
	numShards int) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("conversion to TensorFlow Example failed: %v", e)
		}
	}()

	if len(data) == 0 {
		return nil
	}
	if numShards <= 0 {
		numShards = 1
	}
	// Every shard gets at least one example; sizes differ by at most one.
	if numShards > len(data) {
		numShards = len(data)
	}

	var shardFile *os.File
	shardIdx := -1
	defer func() {
		if shardFile != nil {
			fileutil.CloseWithErrCheck(shardFile, &err)
		}
	}()

	for i, fileData := range data {
		if idx := i * numShards / len(data); idx != shardIdx {
			shardIdx = idx

			if shardFile != nil {
				if err := shardFile.Close(); err != nil {
					return err
				}
				shardFile = nil
			}

			shardPath := recordFilePath
			if numShards > 1 {
				shardPath += fmt.Sprintf("-%05d-of-%05d", shardIdx, numShards)
			}
			f, err := os.Create(shardPath)
			if err != nil {
				return fmt.Errorf("failed to create shard at %q: %w", shardPath, err)
			}
			shardFile = f
		}

		features, err := toTFRecord(fileData, imageDir, labelMap)
		if err != nil {
			logger.S().Warnf("Failed to convert %q: %v", fileData.FilePath, err)
			continue
		}
		if err := writeTFRecordExample(shardFile, example.New(features)); err != nil {
			return fmt.Errorf("failed to write example for %q: %w", fileData.FilePath, err)
		}
	}

	return nil
}

// writeTFRecordExample serialises the example and writes it as a TFRecord to w.
func writeTFRecordExample(w io.Writer, e *tensorflow.Example) error {
	enc, err := proto.Marshal(e)
	if err != nil {
		return err
	}

	return tfrecord.Write(w, enc)
}

// SaveLabelMap writes labelMap in the StringIntLabelMap prototxt format, ordered by id.
func SaveLabelMap(path string, labelMap LabelMap) (err error) {
	names := make([]string, 0, len(labelMap))
	for k := range labelMap {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool { return labelMap[names[i]] < labelMap[names[j]] })

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create the label map file %q: %w", path, err)
	}
	defer fileutil.CloseWithErrCheck(file, &err)

	w := bufio.NewWriter(file)
	for _, n := range names {
		fmt.Fprintf(w, "item {\n  id: %d\n  name: %s\n}\n", labelMap[n], strconv.Quote(n))
	}
	return w.Flush()
}

// LoadLabelMap reads a label map written by SaveLabelMap.
//
// If an error occurs because the file does not exist, then os.IsNotExist will return true for the
// error.
func LoadLabelMap(path string) (LabelMap, error) {
	lines, err := readLines(path)
	if err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return nil, statErr
		}
		return nil, err
	}

	labelMap := make(LabelMap)
	var name string
	var id int64
	for n, line := range lines {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "name:"):
			name, err = strconv.Unquote(strings.TrimSpace(strings.TrimPrefix(line, "name:")))
		case strings.HasPrefix(line, "id:"):
			id, err = strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 32)
		case line == "}":
			if name == "" || id <= 0 {
				return nil, fmt.Errorf("invalid entry ending on line %d: %q: %d", n+1, name, id)
			}
			labelMap[name] = int32(id)
			name, id = "", 0
		}
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n+1, err)
		}
	}

	return labelMap, nil
}
