package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	target := filepath.Join(root, "a", "worker")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o755))
	// a directory with the same name must not match
	require.NoError(t, os.Mkdir(filepath.Join(root, "a", "b", "worker"), 0o755))

	assert.Equal(t, target, FindUp("worker", deep))
	assert.Equal(t, "", FindUp("nothing-here-by-this-name", deep))
	assert.Equal(t, "", FindUp("worker", filepath.Join(root, "missing")))
}
