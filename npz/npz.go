// Package npz writes and reads compressed numpy archives holding a single
// float64 matrix under the key "data".
package npz

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/google/renameio/v2"
	npzio "github.com/sbinet/npyio/npz"
	"gonum.org/v1/gonum/mat"
)

// Key is the array name stored in every archive.
const Key = "data"

const entryName = Key + ".npy"

// Encode writes m as a deflate-compressed .npz archive to w.
func Encode(w io.Writer, m mat.Matrix) error {
	dense, ok := m.(*mat.Dense)
	if !ok {
		dense = mat.DenseCopyOf(m)
	}
	zw := npzio.NewWriter(w)
	if err := zw.Write(entryName, dense); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// Write stores m at path, replacing any existing file atomically.
func Write(path string, m mat.Matrix) error {
	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		return err
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Read loads the matrix stored at path.
func Read(path string) (*mat.Dense, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	zr, err := npzio.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer zr.Close()

	if !hasKey(zr.Keys(), entryName) {
		return nil, fmt.Errorf("npz archive %s has no %q array", path, Key)
	}
	var m mat.Dense
	if err := zr.Read(entryName, &m); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &m, nil
}

func hasKey(keys []string, name string) bool {
	for _, k := range keys {
		if k == name {
			return true
		}
	}
	return false
}
