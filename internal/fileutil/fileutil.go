// Package fileutil has the small file helpers shared by the converter and the training driver.
package fileutil

import (
	"io"
	"os"
)

// CopyFile copies the regular file at src to dst, replacing dst if it exists.
func CopyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer CloseWithErrCheck(out, &err)

	_, err = io.Copy(out, in)
	return err
}

// CloseWithErrCheck calls c.Close(). If it returns an error, and (*e == nil), e is set to that
// error.
func CloseWithErrCheck(c io.Closer, e *error) {
	err := c.Close()
	if err != nil && *e == nil {
		*e = err
	}
}
