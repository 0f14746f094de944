package files

import (
	"os"
	"path/filepath"
)

// FindUp looks for a regular file called name in dir and each of its parents, returning
// the first match or "" if there is none.
func FindUp(name, dir string) string {
	cur, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		p := filepath.Join(cur, name)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return ""
		}
		cur = parent
	}
}
