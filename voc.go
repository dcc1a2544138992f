package rcnnkit

// PASCAL VOC2007 specific functionality.

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Fixed values of the VOC2007 annotation header.
const (
	VOCFolder     = "VOC2007"
	VOCDatabase   = "The VOC2007 Database"
	VOCSourceAnno = "PASCAL VOC2007"
	VOCDepth      = 3
	VOCPose       = "Right"
)

// VOCCoord is a bounding box bound, written in its shortest exact decimal form.
type VOCCoord float64

// MarshalText implements encoding.TextMarshaler.
func (c VOCCoord) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatFloat(float64(c), 'f', -1, 64)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *VOCCoord) UnmarshalText(b []byte) error {
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*c = VOCCoord(v)
	return nil
}

// VOCBox is the bndbox element.
type VOCBox struct {
	XMin VOCCoord `xml:"xmin"`
	YMin VOCCoord `xml:"ymin"`
	XMax VOCCoord `xml:"xmax"`
	YMax VOCCoord `xml:"ymax"`
}

// VOCObject is a single object element.
type VOCObject struct {
	Name      string `xml:"name"`
	Pose      string `xml:"pose"`
	Truncated int    `xml:"truncated"`
	Difficult int    `xml:"difficult"`
	BndBox    VOCBox `xml:"bndbox"`
}

// VOCSource is the source element.
type VOCSource struct {
	Database   string `xml:"database"`
	Annotation string `xml:"annotation"`
}

// VOCSize is the size element.
type VOCSize struct {
	Width  int `xml:"width"`
	Height int `xml:"height"`
	Depth  int `xml:"depth"`
}

// VOCAnnotation is the root element of a VOC annotation file.
type VOCAnnotation struct {
	XMLName   xml.Name    `xml:"annotation"`
	Folder    string      `xml:"folder"`
	Filename  string      `xml:"filename"`
	Source    VOCSource   `xml:"source"`
	Size      VOCSize     `xml:"size"`
	Segmented int         `xml:"segmented"`
	Objects   []VOCObject `xml:"object"`
}

// VOCAnnotatedFile pairs a VOC annotation document with the image it describes.
type VOCAnnotatedFile struct {
	Annotation VOCAnnotation
	FilePath   string
}

// VOCLayout is a VOC2007 style dataset directory.
type VOCLayout struct {
	Root string
}

// Annotations is the directory holding one XML file per image.
func (l VOCLayout) Annotations() string { return filepath.Join(l.Root, "Annotations") }

// ImageSets is the directory holding the split lists.
func (l VOCLayout) ImageSets() string { return filepath.Join(l.Root, "ImageSets", "Main") }

// JPEGImages is the image directory.
func (l VOCLayout) JPEGImages() string { return filepath.Join(l.Root, "JPEGImages") }

// SegmentationClass is the class segmentation directory (left empty).
func (l VOCLayout) SegmentationClass() string { return filepath.Join(l.Root, "SegmentationClass") }

// SegmentationObject is the object segmentation directory (left empty).
func (l VOCLayout) SegmentationObject() string {
	return filepath.Join(l.Root, "SegmentationObject")
}

// Create creates all layout directories that do not exist yet.
func (l VOCLayout) Create() error {
	for _, dir := range []string{l.Annotations(), l.ImageSets(), l.JPEGImages(),
		l.SegmentationClass(), l.SegmentationObject()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("cannot create directory %q: %w", dir, err)
		}
	}
	return nil
}

// AnnotationPath returns the XML path for the image file name.
func (l VOCLayout) AnnotationPath(imageName string) string {
	return filepath.Join(l.Annotations(), stripExt(imageName)+".xml")
}

// ToVOC converts the intermediate representation to VOC format.
func ToVOC(data []AnnotatedFile) []VOCAnnotatedFile {
	vocData := make([]VOCAnnotatedFile, 0, len(data))
	for _, fileData := range data {
		doc := VOCAnnotation{
			Folder:   VOCFolder,
			Filename: filepath.Base(fileData.FilePath),
			Source:   VOCSource{Database: VOCDatabase, Annotation: VOCSourceAnno},
			Size:     VOCSize{Width: fileData.Width, Height: fileData.Height, Depth: VOCDepth},
			Objects:  make([]VOCObject, len(fileData.Annotations)),
		}
		for i, a := range fileData.Annotations {
			doc.Objects[i] = VOCObject{
				Name: a.Label,
				Pose: VOCPose,
				BndBox: VOCBox{
					XMin: VOCCoord(a.Coords[0]),
					YMin: VOCCoord(a.Coords[1]),
					XMax: VOCCoord(a.Coords[2]),
					YMax: VOCCoord(a.Coords[3]),
				},
			}
		}
		vocData = append(vocData, VOCAnnotatedFile{Annotation: doc, FilePath: fileData.FilePath})
	}

	return vocData
}

// WriteVOC writes one annotation file per element to the layout's Annotations directory,
// replacing existing files.
func WriteVOC(layout VOCLayout, data []VOCAnnotatedFile) error {
	dirInfo, err := os.Stat(layout.Annotations())
	if err != nil || !dirInfo.IsDir() {
		return fmt.Errorf("cannot access directory %q: %v", layout.Annotations(), err)
	}

	for _, fileData := range data {
		enc, err := xml.MarshalIndent(fileData.Annotation, "", "\t")
		if err != nil {
			return fmt.Errorf("failed to encode annotation for %q: %w", fileData.FilePath, err)
		}
		path := layout.AnnotationPath(fileData.FilePath)
		if err := os.WriteFile(path, append(enc, '\n'), 0644); err != nil {
			return fmt.Errorf("cannot write file %q: %w", path, err)
		}
	}

	return nil
}

// ReadVOC parses the annotation file at path.
func ReadVOC(path string) (VOCAnnotation, error) {
	enc, err := readFile(path)
	if err != nil {
		return VOCAnnotation{}, err
	}

	var doc VOCAnnotation
	if err := xml.Unmarshal(enc, &doc); err != nil {
		return VOCAnnotation{}, fmt.Errorf("failed to parse VOC annotation %q: %w", path, err)
	}
	return doc, nil
}

// Image set names written by WriteImageSets.
const (
	TrainValSet = "trainval"
	TestSet     = "test"
)

// WriteImageSets writes the trainval and test lists of image names (extensions stripped) to the
// layout's ImageSets/Main directory.
func WriteImageSets(layout VOCLayout, trainval, test []string) error {
	sets := []struct {
		name  string
		names []string
	}{
		{TrainValSet, trainval},
		{TestSet, test},
	}
	for _, s := range sets {
		lines := make([]string, len(s.names))
		for i, n := range s.names {
			lines[i] = stripExt(n)
		}
		if err := writeLines(layout.ImageSetPath(s.name), lines); err != nil {
			return err
		}
	}
	return nil
}

// ImageSetPath returns <root>/ImageSets/Main/<set>.txt.
func (l VOCLayout) ImageSetPath(set string) string {
	return filepath.Join(l.ImageSets(), set+".txt")
}

// ReadImageSet loads the image names listed in the named set.
func ReadImageSet(layout VOCLayout, set string) ([]string, error) {
	lines, err := readLines(layout.ImageSetPath(set))
	if err != nil {
		return nil, err
	}

	names := lines[:0]
	for _, l := range lines {
		if l != "" {
			names = append(names, l)
		}
	}
	return names, nil
}
