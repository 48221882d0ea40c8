// Package model validates the avatar model file before the renderer is
// pointed at it, so a broken download surfaces as a clear error instead
// of a renderer crash.
package model

import (
	"errors"
	"fmt"
	"os"

	"github.com/qmuntal/gltf"
)

// ErrNotFound means the model file does not exist
var ErrNotFound = errors.New("model file not found")

// ErrInvalid means the file exists but is not a loadable glTF container
var ErrInvalid = errors.New("model file is not valid glTF")

// Info summarizes a validated model
type Info struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"sizeBytes"`
	Meshes    int    `json:"meshes"`
	Nodes     int    `json:"nodes"`
	Materials int    `json:"materials"`
	Generator string `json:"generator,omitempty"`
}

// Preflight opens the model at path and checks it parses as glTF with
// at least one mesh. VRM files are glTF binaries, so the same check
// covers both.
func Preflight(path string) (*Info, error) {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat model: %w", err)
	}
	if stat.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalid, path)
	}

	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(doc.Meshes) == 0 {
		return nil, fmt.Errorf("%w: no meshes", ErrInvalid)
	}

	info := &Info{
		Path:      path,
		SizeBytes: stat.Size(),
		Meshes:    len(doc.Meshes),
		Nodes:     len(doc.Nodes),
		Materials: len(doc.Materials),
	}
	if doc.Asset.Generator != "" {
		info.Generator = doc.Asset.Generator
	}
	return info, nil
}
