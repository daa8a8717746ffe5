package archive

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/opencontainers/go-digest"
)

// Entry is one file inside a verified archive.
type Entry struct {
	Path string      `json:"path"`
	Size int64       `json:"size"`
	Mode os.FileMode `json:"mode"`
}

type VerifyResult struct {
	Path    string  `json:"path"`
	Entries []Entry `json:"entries"`
	Files   int     `json:"files"`
	Bytes   int64   `json:"bytes"`
	Digest  string  `json:"digest"`
	// Checksum is "verified" when a sidecar matched and "absent" when none exists.
	Checksum string `json:"checksum"`
}

// Paths returns the entry paths in archive order.
func (v *VerifyResult) Paths() []string {
	out := make([]string, len(v.Entries))
	for i, e := range v.Entries {
		out[i] = e.Path
	}
	return out
}

// Verify reads every entry of the archive at p, which checks each CRC, and
// compares the archive digest with its checksum sidecar when one exists.
func Verify(ctx context.Context, p string) (*VerifyResult, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return nil, errors.New("archive path is required")
	}
	dgst, err := fileDigest(p)
	if err != nil {
		return nil, err
	}
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	out := &VerifyResult{Path: p, Digest: dgst.String(), Checksum: "absent"}
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		n, err := io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		out.Entries = append(out.Entries, Entry{Path: f.Name, Size: n, Mode: f.Mode().Perm()})
		out.Bytes += n
	}
	sort.Slice(out.Entries, func(i, j int) bool { return out.Entries[i].Path < out.Entries[j].Path })
	out.Files = len(out.Entries)

	want, err := readChecksum(p + ChecksumExt)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	case want != dgst:
		return nil, fmt.Errorf("checksum mismatch (expected %s got %s)", want, dgst)
	default:
		out.Checksum = "verified"
	}
	return out, nil
}

func fileDigest(p string) (digest.Digest, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.Canonical.FromReader(f)
}

func readChecksum(p string) (digest.Digest, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", fmt.Errorf("checksum file %s is empty", p)
	}
	d := digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(fields[0]))
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("checksum file %s: %w", p, err)
	}
	return d, nil
}
