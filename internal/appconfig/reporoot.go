package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FindProjectRoot walks up from start to the nearest directory holding
// .relpack.yaml. It returns "" when there is none.
func FindProjectRoot(start string) string {
	start = strings.TrimSpace(start)
	if start == "" {
		return ""
	}
	if info, err := os.Stat(start); err == nil && !info.IsDir() {
		start = filepath.Dir(start)
	}
	current := start
	for {
		if fi, err := os.Stat(filepath.Join(current, ProjectFile)); err == nil && !fi.IsDir() {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return ""
		}
		current = parent
	}
}

// ResolveRoot pins the project root: an explicit root wins, then the nearest
// project file above wd, then wd itself. The result is absolute.
func ResolveRoot(explicit, wd string) (string, error) {
	root := strings.TrimSpace(explicit)
	if root == "" {
		if found := FindProjectRoot(wd); found != "" {
			root = found
		} else {
			root = wd
		}
	} else if !filepath.IsAbs(root) {
		root = filepath.Join(wd, root)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve project root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("project root: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project root %s is not a directory", abs)
	}
	return abs, nil
}
