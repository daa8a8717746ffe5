package archive

import (
	"fmt"
	"strings"
)

const (
	// Ext is the release archive extension.
	Ext = ".zip"
	// ChecksumExt is appended to the archive path for the checksum sidecar.
	ChecksumExt = ".sha256"

	defaultVersion = "dev"
)

// Naming holds the tokens of a release archive name.
type Naming struct {
	// Literal, when set, is used verbatim as the file name.
	Literal string
	Product string
	Version string
	OS      string
	Arch    string
}

// FileName returns <product>-<version>-<os>-<arch>.zip, or the literal name.
func (n Naming) FileName() string {
	if lit := strings.TrimSpace(n.Literal); lit != "" {
		return lit
	}
	product := sanitizeFilenameToken(n.Product)
	if product == "" {
		product = "release"
	}
	version := sanitizeFilenameToken(strings.TrimPrefix(strings.TrimSpace(n.Version), "v"))
	if version == "" {
		version = defaultVersion
	}
	parts := []string{product, version}
	for _, tok := range []string{n.OS, n.Arch} {
		if s := sanitizeFilenameToken(tok); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "-") + Ext
}

// VersionSources are the places a release version can come from, highest
// precedence first.
type VersionSources struct {
	Flag     string
	Config   string
	Describe func() (string, error)
	Build    string
}

// ResolveVersion picks the first usable version: the flag, the config, git
// describe, the binary's build version, then "dev".
func ResolveVersion(src VersionSources) (string, string) {
	if v := strings.TrimSpace(src.Flag); v != "" {
		return v, "flag"
	}
	if v := strings.TrimSpace(src.Config); v != "" {
		return v, "config"
	}
	if src.Describe != nil {
		if v, err := src.Describe(); err == nil && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), "git"
		}
	}
	if v := strings.TrimSpace(src.Build); v != "" && v != defaultVersion {
		return v, "build"
	}
	return defaultVersion, "default"
}

// ChecksumLine formats a sha256sum-compatible line.
func ChecksumLine(hex, name string) string {
	return fmt.Sprintf("%s  %s\n", hex, name)
}

func sanitizeFilenameToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(token))
	lastDash := false
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case r == '.' || r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-.")
}
