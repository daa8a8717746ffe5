package deps

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

func memberName(name string) string {
	name = strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(name, `\`, "/")), "/")
	return name
}

func extractZipMember(r io.ReaderAt, size int64, member string, w io.Writer) (int64, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return 0, fmt.Errorf("open zip: %w", err)
	}
	want := memberName(member)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || memberName(f.Name) != want {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return 0, fmt.Errorf("open %s: %w", f.Name, err)
		}
		defer rc.Close()
		n, err := io.Copy(w, rc)
		if err != nil {
			return 0, fmt.Errorf("extract %s: %w", f.Name, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrMemberNotFound, member)
}

func extractTgzMember(r io.Reader, member string, w io.Writer) (int64, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	want := memberName(member)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("%w: %s", ErrMemberNotFound, member)
		}
		if err != nil {
			return 0, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || memberName(hdr.Name) != want {
			continue
		}
		n, err := io.Copy(w, tr)
		if err != nil {
			return 0, fmt.Errorf("extract %s: %w", hdr.Name, err)
		}
		return n, nil
	}
}
