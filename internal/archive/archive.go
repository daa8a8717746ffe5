// Package archive turns the staging tree into the distributable zip, writes
// its checksum sidecar and verifies archives after the fact.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/relpack/internal/bundle"
	"github.com/example/relpack/internal/fsutil"
	"github.com/example/relpack/internal/stage"
	"github.com/go-logr/logr"
	"github.com/klauspost/compress/zip"
	"github.com/opencontainers/go-digest"
)

// ExitArchive is the exit code for a failed archive write.
const ExitArchive = 5

// epoch is the fixed modification time stamped on every entry.
var epoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

type Options struct {
	StagingDir string
	// OutputPath is the absolute archive path; a previous archive there is replaced.
	OutputPath string
	// Executable is the bundle path of the main executable.
	Executable string
	// KeepStaging leaves the staging tree in place after a successful write.
	KeepStaging bool
	Logger      logr.Logger
}

// Result describes a written archive.
type Result struct {
	Path         string        `json:"path"`
	ChecksumPath string        `json:"checksumPath"`
	Digest       digest.Digest `json:"digest"`
	Files        int           `json:"files"`
	Bytes        int64         `json:"bytes"`
}

// Create writes the staging tree into a deterministic zip. On failure the
// staging tree is kept for inspection and no archive is left behind.
func Create(ctx context.Context, opts Options) (Result, stage.Result) {
	log := opts.Logger
	res := Result{Path: opts.OutputPath, ChecksumPath: opts.OutputPath + ChecksumExt}
	fail := func(err error, msg string, args ...any) (Result, stage.Result) {
		log.Error(err, "archive failed, staging kept", "staging", opts.StagingDir)
		return Result{}, stage.Fatal(stage.Archive, ExitArchive, err, msg, args...)
	}

	entries, err := bundle.List(opts.StagingDir)
	if err != nil {
		return fail(err, "read staging directory %s", opts.StagingDir)
	}
	if len(entries) == 0 {
		return fail(nil, "staging directory %s is empty", opts.StagingDir)
	}

	digester := digest.Canonical.Digester()
	err = fsutil.WriteAtomic(opts.OutputPath, 0o644, func(w io.Writer) error {
		counter := &countingWriter{w: io.MultiWriter(w, digester.Hash())}
		if err := writeZip(ctx, counter, opts.StagingDir, opts.Executable, entries); err != nil {
			return err
		}
		res.Bytes = counter.n
		return nil
	})
	if err != nil {
		return fail(err, "write archive %s", opts.OutputPath)
	}
	res.Digest = digester.Digest()
	res.Files = len(entries)

	line := ChecksumLine(res.Digest.Encoded(), filepath.Base(opts.OutputPath))
	if err := fsutil.WriteAtomic(res.ChecksumPath, 0o644, func(w io.Writer) error {
		_, err := io.WriteString(w, line)
		return err
	}); err != nil {
		_ = os.Remove(opts.OutputPath)
		return fail(err, "write checksum %s", res.ChecksumPath)
	}

	if !opts.KeepStaging {
		if err := os.RemoveAll(opts.StagingDir); err != nil {
			log.Error(err, "remove staging directory", "dir", opts.StagingDir)
		}
	}
	log.Info("archive written", "path", opts.OutputPath, "files", res.Files, "bytes", res.Bytes, "digest", res.Digest.String())
	return res, stage.Success(stage.Archive, "wrote %s (%d files, %s)", filepath.Base(opts.OutputPath), res.Files, res.Digest)
}

func writeZip(ctx context.Context, w io.Writer, dir, executable string, entries []bundle.Entry) error {
	zw := zip.NewWriter(w)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr := &zip.FileHeader{
			Name:     e.Path,
			Method:   zip.Deflate,
			Modified: epoch,
		}
		hdr.SetMode(entryMode(e, executable))
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("add %s: %w", e.Path, err)
		}
		f, err := os.Open(filepath.Join(dir, filepath.FromSlash(e.Path)))
		if err != nil {
			return err
		}
		_, err = io.Copy(fw, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("compress %s: %w", e.Path, err)
		}
	}
	return zw.Close()
}

// entryMode normalizes permissions so archives do not depend on the umask of
// the machine that built them.
func entryMode(e bundle.Entry, executable string) os.FileMode {
	if e.Path == executable || e.Mode&0o111 != 0 {
		return 0o755
	}
	switch strings.ToLower(path.Ext(e.Path)) {
	case ".exe", ".dll", ".so", ".dylib":
		return 0o755
	}
	return 0o644
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
