package rcnnkit

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sensorable/rcnnkit/internal/fileutil"
)

// stripExt returns the base name of path without its extension. Names without an extension are
// returned unchanged.
func stripExt(path string) string {
	base := filepath.Base(path)
	return base[0 : len(base)-len(filepath.Ext(base))]
}

// writeLines writes lines to the file at path, each terminated by a newline.
func writeLines(path string, lines []string) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create file %q: %w", path, err)
	}
	defer fileutil.CloseWithErrCheck(file, &err)

	w := bufio.NewWriter(file)
	for _, l := range lines {
		if _, err := w.WriteString(l + "\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

// readLines returns a slice of lines read from the file at path.
func readLines(path string) (lines []string, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read file %q: %w", path, err)
	}
	defer fileutil.CloseWithErrCheck(file, &err)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %q as lines: %w", path, err)
	}

	return lines, nil
}

// readFile uses io.ReadAll to read the file at path.
func readFile(path string) (data []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fileutil.CloseWithErrCheck(f, &err)

	return io.ReadAll(f)
}
