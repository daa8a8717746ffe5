package secretstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"
)

// fileProvider serves secrets from a YAML document; paths walk nested maps
// with "/" separators.
type fileProvider struct {
	path string
	data map[string]interface{}
}

func newFileProvider(path, baseDir string) (*fileProvider, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("file provider path is required")
	}
	if baseDir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	path = filepath.Clean(path)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	data := map[string]interface{}{}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse secrets file %s: %w", path, err)
	}
	return &fileProvider{path: path, data: data}, nil
}

func (p *fileProvider) Resolve(_ context.Context, secretPath string) (string, error) {
	var current interface{} = p.data
	walked := 0
	for _, part := range strings.Split(strings.Trim(secretPath, "/"), "/") {
		if part == "" {
			continue
		}
		node, ok := current.(map[string]interface{})
		if !ok {
			return "", fmt.Errorf("secret path %q does not resolve to a value in %s", secretPath, p.path)
		}
		if current, ok = node[part]; !ok {
			return "", fmt.Errorf("secret path %q not found in %s", secretPath, p.path)
		}
		walked++
	}
	if walked == 0 {
		return "", fmt.Errorf("secret path is required")
	}
	switch v := current.(type) {
	case string:
		if v == "" {
			return "", fmt.Errorf("secret path %q is empty in %s", secretPath, p.path)
		}
		return v, nil
	case nil:
		return "", fmt.Errorf("secret path %q is empty in %s", secretPath, p.path)
	default:
		return "", fmt.Errorf("secret path %q is not a string in %s", secretPath, p.path)
	}
}
