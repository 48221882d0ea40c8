package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/qmuntal/gltf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMinimalModel(t *testing.T) string {
	t.Helper()
	doc := gltf.NewDocument()
	doc.Asset.Generator = "kanashell-test"
	doc.Meshes = append(doc.Meshes, &gltf.Mesh{Name: "body"})
	doc.Nodes = append(doc.Nodes, &gltf.Node{Name: "root"})

	path := filepath.Join(t.TempDir(), "model.glb")
	require.NoError(t, gltf.Save(doc, path))
	return path
}

func TestPreflightValidModel(t *testing.T) {
	path := writeMinimalModel(t)

	info, err := Preflight(path)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Meshes)
	assert.Equal(t, 1, info.Nodes)
	assert.Equal(t, "kanashell-test", info.Generator)
	assert.Greater(t, info.SizeBytes, int64(0))
}

func TestPreflightMissingFile(t *testing.T) {
	_, err := Preflight(filepath.Join(t.TempDir(), "absent.vrm"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPreflightGarbageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.vrm")
	require.NoError(t, os.WriteFile(path, []byte("definitely not gltf"), 0o644))

	_, err := Preflight(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestPreflightNoMeshes(t *testing.T) {
	doc := gltf.NewDocument()
	path := filepath.Join(t.TempDir(), "empty.glb")
	require.NoError(t, gltf.Save(doc, path))

	_, err := Preflight(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestPreflightDirectory(t *testing.T) {
	_, err := Preflight(t.TempDir())
	assert.ErrorIs(t, err, ErrInvalid)
}
