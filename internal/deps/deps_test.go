package deps

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/example/relpack/internal/manifest"
	"github.com/example/relpack/internal/stage"
	"github.com/go-logr/logr"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/opencontainers/go-digest"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestStageCopiesPresentAndWarnsOnMissing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "deps", "pdfium.dll"), "pdfium")
	writeFile(t, filepath.Join(root, "dictionary.txt"), "words")

	staged, results := Stage(StageOptions{Root: root, Manifest: manifest.Default(), Logger: logr.Discard()})
	if len(staged.Present) != 2 {
		t.Fatalf("expected 2 present resources, got %d", len(staged.Present))
	}
	if strings.Join(staged.Missing, ",") != "tectonic,icon,latex-data" {
		t.Fatalf("missing = %v", staged.Missing)
	}
	data, err := os.ReadFile(filepath.Join(root, "target", "release", "pdfium.dll"))
	if err != nil || string(data) != "pdfium" {
		t.Fatalf("pdfium not copied next to the executable: %q %v", data, err)
	}
	var soft int
	for _, r := range results {
		if r.Kind == stage.KindFatal {
			t.Fatalf("stager must never be fatal: %+v", r)
		}
		if r.Kind == stage.KindSoft {
			soft++
			if r.Reason != ReasonMissing {
				t.Fatalf("unexpected reason %q", r.Reason)
			}
		}
	}
	if soft != 3 {
		t.Fatalf("expected 3 soft results, got %d", soft)
	}
}

func TestStageCopyFailureIsSoftAndContinues(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.dll"), "a")
	// A file where a destination directory should be makes the copy fail.
	writeFile(t, filepath.Join(root, "blocked"), "x")
	m := manifest.Manifest{Resources: []manifest.Resource{
		{Name: "a", Source: "a.dll", Destinations: []string{"blocked/a.dll", "ok/a.dll"}},
	}}
	_, results := Stage(StageOptions{Root: root, Manifest: m, Logger: logr.Discard()})
	var failed int
	for _, r := range results {
		if r.Kind == stage.KindSoft && r.Reason == ReasonCopyFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("expected one copy failure, got %d", failed)
	}
	if _, err := os.Stat(filepath.Join(root, "ok", "a.dll")); err != nil {
		t.Fatalf("second destination should still be copied: %v", err)
	}
}

func zipPayload(t *testing.T, name, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, n := range []string{"README.md", name} {
		w, err := zw.Create(n)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		content := body
		if n == "README.md" {
			content = "readme"
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func tgzPayload(t *testing.T, name, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, hdr := range []*tar.Header{
		{Name: "./include/", Typeflag: tar.TypeDir, Mode: 0o755},
		{Name: "./LICENSE", Typeflag: tar.TypeReg, Mode: 0o644, Size: 3},
		{Name: name, Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len(body))},
	} {
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		switch hdr.Name {
		case "./LICENSE":
			_, _ = tw.Write([]byte("MIT"))
		case name:
			_, _ = tw.Write([]byte(body))
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestFetchFormats(t *testing.T) {
	zipBody := zipPayload(t, "tectonic.exe", "TECTONIC")
	tgzBody := tgzPayload(t, "./bin/pdfium.dll", "PDFIUM")
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/tectonic.zip":
			_, _ = w.Write(zipBody)
		case "/pdfium.tgz":
			_, _ = w.Write(tgzBody)
		case "/dictionary.txt":
			_, _ = w.Write([]byte("alpha\nbeta\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	root := t.TempDir()
	m := manifest.Manifest{Resources: []manifest.Resource{
		{Name: "tectonic", Source: "deps/tectonic.exe", Fetch: &manifest.Fetch{URL: server.URL + "/tectonic.zip", Format: manifest.FormatZip, Member: "tectonic.exe"}},
		{Name: "pdfium", Source: "deps/pdfium.dll", Fetch: &manifest.Fetch{URL: server.URL + "/pdfium.tgz", Format: manifest.FormatTgz, Member: "bin/pdfium.dll"}},
		{Name: "dictionary", Source: "dictionary.txt", Fetch: &manifest.Fetch{
			URL:    server.URL + "/dictionary.txt",
			SHA256: digest.FromString("alpha\nbeta\n").Encoded(),
		}},
		{Name: "icon", Source: "icon.ico"},
	}}
	f := &Fetcher{Root: root, Logger: logr.Discard(), Parallel: 3, TempDir: t.TempDir()}
	results := f.Fetch(context.Background(), Missing(root, m, false))
	if len(results) != 3 {
		t.Fatalf("expected 3 fetch results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("fetch %s: %v", r.Name, r.Err)
		}
	}
	for path, want := range map[string]string{
		"deps/tectonic.exe": "TECTONIC",
		"deps/pdfium.dll":   "PDFIUM",
		"dictionary.txt":    "alpha\nbeta\n",
	} {
		data, err := os.ReadFile(filepath.Join(root, path))
		if err != nil || string(data) != want {
			t.Fatalf("%s = %q, %v", path, data, err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "deps", "include")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("only the member should be extracted")
	}

	before := hits.Load()
	again := f.Fetch(context.Background(), m.Resources)
	if hits.Load() != before {
		t.Fatalf("present resources should not be downloaded again")
	}
	for _, r := range again {
		if r.Skipped == "" {
			t.Fatalf("expected %s to be skipped, got %+v", r.Name, r)
		}
	}
}

func TestFetchFailuresAreIsolated(t *testing.T) {
	wrongZip := zipPayload(t, "other.exe", "x")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte("ok"))
		case "/wrong.zip":
			_, _ = w.Write(wrongZip)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	root := t.TempDir()
	resources := []manifest.Resource{
		{Name: "gone", Source: "gone.bin", Fetch: &manifest.Fetch{URL: server.URL + "/missing"}},
		{Name: "pinned", Source: "pinned.bin", Fetch: &manifest.Fetch{URL: server.URL + "/ok", SHA256: digest.FromString("nope").Encoded()}},
		{Name: "member", Source: "member.exe", Fetch: &manifest.Fetch{URL: server.URL + "/wrong.zip", Format: manifest.FormatZip, Member: "tectonic.exe"}},
		{Name: "good", Source: "good.bin", Fetch: &manifest.Fetch{URL: server.URL + "/ok"}},
	}
	f := &Fetcher{Root: root, Logger: logr.Discard(), Client: NewClient(logr.Discard()), TempDir: t.TempDir()}
	f.Client.RetryMax = 0
	results := f.Fetch(context.Background(), resources)
	byName := map[string]FetchResult{}
	for _, r := range results {
		byName[r.Name] = r
	}
	if byName["gone"].Err == nil {
		t.Fatalf("expected 404 failure")
	}
	if err := byName["pinned"].Err; err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
	if err := byName["member"].Err; !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("expected missing member, got %v", err)
	}
	if byName["good"].Err != nil {
		t.Fatalf("good fetch failed: %v", byName["good"].Err)
	}
	for _, name := range []string{"gone.bin", "pinned.bin", "member.exe"} {
		if _, err := os.Stat(filepath.Join(root, name)); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s should not exist after a failed fetch", name)
		}
	}
	soft := 0
	for _, r := range Results(results) {
		if r.Kind == stage.KindSoft {
			soft++
		}
	}
	if soft != 3 {
		t.Fatalf("expected 3 soft results, got %d", soft)
	}
}
