package rcnnkit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoImageCoco = `{
	"images": [
		{"id": 1, "file_name": "a.jpg", "width": 640, "height": 480},
		{"id": 2, "file_name": "b.jpg", "width": 320, "height": 240}
	],
	"categories": [{"id": 1, "name": "Car"}, {"id": 2, "name": "Person"}],
	"annotations": [
		{"image_id": 1, "category_id": 1, "bbox": [10, 20, 30, 40]},
		{"image_id": 1, "category_id": 2, "bbox": [0.5, 1.25, 2, 3]}
	]
}`

func TestFromCoco(t *testing.T) {
	ds, err := DecodeCoco(strings.NewReader(twoImageCoco))
	require.NoError(t, err)

	data, err := FromCoco(ds)
	require.NoError(t, err)
	require.Len(t, data, 2)

	assert.Equal(t, "a.jpg", data[0].FilePath)
	assert.Equal(t, 640, data[0].Width)
	assert.Equal(t, 480, data[0].Height)
	assert.Equal(t, []Annotation{
		{Coords: [4]float64{10, 20, 40, 60}, Label: "car"},
		{Coords: [4]float64{0.5, 1.25, 2.5, 4.25}, Label: "person"},
	}, data[0].Annotations)

	assert.Equal(t, "b.jpg", data[1].FilePath)
	assert.NotNil(t, data[1].Annotations)
	assert.Empty(t, data[1].Annotations)
}

func TestFromCocoBadIDs(t *testing.T) {
	base := CocoDataset{
		Images:     []CocoImage{{ID: 1, FileName: "a.jpg"}},
		Categories: []CocoCategory{{ID: 1, Name: "car"}},
	}

	tests := []struct {
		name string
		ann  CocoAnnotation
	}{
		{"image id zero", CocoAnnotation{ImageID: 0, CategoryID: 1}},
		{"image id too large", CocoAnnotation{ImageID: 2, CategoryID: 1}},
		{"category id too large", CocoAnnotation{ImageID: 1, CategoryID: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := base
			ds.Annotations = []CocoAnnotation{tt.ann}
			_, err := FromCoco(ds)
			assert.Error(t, err)
		})
	}
}

func TestFromCocoMissingFileName(t *testing.T) {
	_, err := FromCoco(CocoDataset{Images: []CocoImage{{ID: 1}}})
	assert.Error(t, err)
}

func TestReadCoco(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid", func(t *testing.T) {
		path := filepath.Join(dir, "ok.json")
		require.NoError(t, os.WriteFile(path, []byte(twoImageCoco), 0644))
		ds, err := ReadCoco(path)
		require.NoError(t, err)
		assert.Len(t, ds.Images, 2)
		assert.Len(t, ds.Annotations, 2)
	})

	t.Run("malformed", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"images": [`), 0644))
		_, err := ReadCoco(path)
		assert.Error(t, err)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := ReadCoco(filepath.Join(dir, "none.json"))
		assert.True(t, os.IsNotExist(err))
	})
}
