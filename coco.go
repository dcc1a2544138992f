package rcnnkit

// COCO style object detection JSON input.

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sensorable/rcnnkit/logger"
)

// CocoImage is an entry of the "images" array.
type CocoImage struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// CocoCategory is an entry of the "categories" array.
type CocoCategory struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// CocoAnnotation is an entry of the "annotations" array.
type CocoAnnotation struct {
	ImageID    int        `json:"image_id"`    // 1-based position in Images.
	CategoryID int        `json:"category_id"` // 1-based position in Categories.
	BBox       [4]float64 `json:"bbox"`        // x, y, width, height
}

// CocoDataset is the whole annotation document.
type CocoDataset struct {
	Images      []CocoImage      `json:"images"`
	Categories  []CocoCategory   `json:"categories"`
	Annotations []CocoAnnotation `json:"annotations"`
}

// ReadCoco reads and parses the COCO document at path.
func ReadCoco(path string) (CocoDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return CocoDataset{}, err
	}
	defer f.Close()

	ds, err := DecodeCoco(f)
	if err != nil {
		return CocoDataset{}, fmt.Errorf("failed to parse COCO input from %q: %w", path, err)
	}
	return ds, nil
}

// DecodeCoco parses a COCO document from r.
func DecodeCoco(r io.Reader) (CocoDataset, error) {
	var ds CocoDataset
	if err := json.NewDecoder(r).Decode(&ds); err != nil {
		return CocoDataset{}, err
	}
	return ds, nil
}

// FromCoco converts the COCO document to the intermediate representation, one AnnotatedFile per
// image in document order.
//
// Annotation image and category ids are resolved by position (id 1 is the first element), which is
// how the exporting tool numbers them. Labels are the lowercased category names and boxes are
// converted from origin and size to absolute corners.
func FromCoco(ds CocoDataset) (AnnotatedFiles, error) {
	data := make(AnnotatedFiles, len(ds.Images))
	for i, img := range ds.Images {
		if img.FileName == "" {
			return nil, fmt.Errorf("image %d has no file name", i+1)
		}
		data[i] = AnnotatedFile{
			Annotations: []Annotation{},
			FilePath:    img.FileName,
			Width:       img.Width,
			Height:      img.Height,
		}
	}

	for i, a := range ds.Annotations {
		if a.ImageID < 1 || a.ImageID > len(data) {
			return nil, fmt.Errorf("annotation %d: image_id %d out of range [1, %d]",
				i, a.ImageID, len(data))
		}
		if a.CategoryID < 1 || a.CategoryID > len(ds.Categories) {
			return nil, fmt.Errorf("annotation %d: category_id %d out of range [1, %d]",
				i, a.CategoryID, len(ds.Categories))
		}

		f := &data[a.ImageID-1]
		f.Annotations = append(f.Annotations, Annotation{
			Coords: cornersFromBox(a.BBox),
			Label:  strings.ToLower(ds.Categories[a.CategoryID-1].Name),
		})
	}

	logger.S().Infof("Parsed %d annotations for %d images", len(ds.Annotations), len(data))
	return data, nil
}

// cornersFromBox converts [x, y, w, h] to [x, y, x+w, y+h].
func cornersFromBox(b [4]float64) [4]float64 {
	return [4]float64{b[0], b[1], b[0] + b[2], b[1] + b[3]}
}
