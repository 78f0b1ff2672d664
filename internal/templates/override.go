package templates

import (
	"os"
	"path/filepath"
	"strings"
)

// overridden reports whether dir holds its own copy of name, even an empty one.
func overridden(dir string, name string) bool {
	if strings.TrimSpace(dir) == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(dir, name))
	return err == nil && info.Mode().IsRegular()
}
