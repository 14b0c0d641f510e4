package stage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateGLBAcceptsGenuineMagic(t *testing.T) {
	data := append([]byte("glTF"), []byte{0, 0, 0, 0}...)
	require.NoError(t, ValidateGLB(data))
}

func TestValidateGLBRejectsMissingMagic(t *testing.T) {
	require.Error(t, ValidateGLB([]byte("not a glb")))
}

func TestValidateGLBRejectsPlaceholderMarker(t *testing.T) {
	data := append([]byte("glTF"), []byte("...GLB_FALLBACK_NO_PYTHON...")...)
	require.Error(t, ValidateGLB(data), "placeholder marker must be rejected even with valid magic")
}

func TestValidateOBJRequiresFiveVertices(t *testing.T) {
	obj := "v 0 0 0\nv 1 0 0\nv 1 1 0\nv 0 1 0\n"
	require.Error(t, ValidateOBJ([]byte(obj)), "4 vertex lines must be rejected")

	obj += "v 0.5 0.5 1\n"
	require.NoError(t, ValidateOBJ([]byte(obj)), "5 vertex lines must be accepted")
}

func TestDiscoverFindsGLBRecursively(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	glbPath := filepath.Join(nested, "out.glb")
	require.NoError(t, os.WriteFile(glbPath, []byte("glTFxxxx"), 0o644))

	r := &Reconstruct{}
	got, ok := r.findCandidate(dir)
	require.True(t, ok)
	require.Equal(t, glbPath, got.path)
	require.Equal(t, "glb", got.strategy)
}

func TestInstallFallbackProducesFourVertexQuad(t *testing.T) {
	dir := t.TempDir()
	r := &Reconstruct{SnapshotDir: dir}

	mesh, err := r.installFallback("deadbeef", []byte("png-bytes"))
	require.NoError(t, err)
	require.Equal(t, "fallback", mesh.Quality)
	require.Equal(t, "obj", mesh.OutputType)

	data, err := os.ReadFile(mesh.Path)
	require.NoError(t, err)
	require.Error(t, ValidateOBJ(data), "fallback quad has only 4 vertices and must fail the >=5 validator")
}
