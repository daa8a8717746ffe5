package deps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/example/relpack/internal/fsutil"
	"github.com/example/relpack/internal/manifest"
	"github.com/example/relpack/internal/stage"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
)

// ReasonFetchFailed tags soft results for downloads that did not succeed.
const ReasonFetchFailed = "fetch-failed"

// Fetcher downloads optional resources that declare a fetch source.
type Fetcher struct {
	Root   string
	Client *retryablehttp.Client
	Logger logr.Logger
	// Parallel bounds concurrent downloads; values below 1 mean 2.
	Parallel int
	// Force re-downloads resources that are already present.
	Force bool
	// TempDir holds downloads while they are verified and extracted.
	TempDir string
}

// FetchResult describes the outcome for one resource.
type FetchResult struct {
	Name    string `json:"name"`
	Path    string `json:"path,omitempty"`
	Bytes   int64  `json:"bytes,omitempty"`
	Digest  string `json:"digest,omitempty"`
	Skipped string `json:"skipped,omitempty"`
	Err     error  `json:"-"`
}

// NewClient returns a retrying HTTP client that logs through logger.
func NewClient(logger logr.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.Logger = leveledLogger{log: logger.WithName("http")}
	return c
}

// Fetch downloads the given resources concurrently. Results are returned in
// input order; a failed download never aborts the others.
func (f *Fetcher) Fetch(ctx context.Context, resources []manifest.Resource) []FetchResult {
	results := make([]FetchResult, len(resources))
	limit := f.Parallel
	if limit < 1 {
		limit = 2
	}
	client := f.Client
	if client == nil {
		client = NewClient(f.Logger)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	var mu sync.Mutex
	for i, r := range resources {
		g.Go(func() error {
			res := f.fetchOne(gctx, client, r)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Missing filters resources to those with a fetch source whose file is absent,
// or all fetchable ones when force is set.
func Missing(root string, m manifest.Manifest, force bool) []manifest.Resource {
	var out []manifest.Resource
	for _, p := range manifest.Probe(root, m) {
		if p.Resource.Fetch == nil {
			continue
		}
		if p.Present && !force {
			continue
		}
		out = append(out, p.Resource)
	}
	return out
}

// Results converts fetch outcomes into stage results for the pipeline fold.
func Results(fetched []FetchResult) []stage.Result {
	var out []stage.Result
	for _, r := range fetched {
		switch {
		case r.Err != nil:
			out = append(out, stage.Soft(stage.Fetch, ReasonFetchFailed, r.Err, "fetch %s failed: %v", r.Name, r.Err).WithSubject(r.Name))
		case r.Skipped != "":
			out = append(out, stage.Success(stage.Fetch, "fetch %s skipped: %s", r.Name, r.Skipped).WithSubject(r.Name))
		default:
			out = append(out, stage.Success(stage.Fetch, "fetched %s (%d bytes)", r.Name, r.Bytes).WithSubject(r.Name))
		}
	}
	return out
}

func (f *Fetcher) fetchOne(ctx context.Context, client *retryablehttp.Client, r manifest.Resource) FetchResult {
	res := FetchResult{Name: r.Name}
	if r.Fetch == nil {
		res.Skipped = "no fetch source declared"
		return res
	}
	target, err := manifest.Resolve(f.Root, r.Source)
	if err != nil {
		res.Err = err
		return res
	}
	res.Path = target
	if !f.Force {
		if info, err := os.Stat(target); err == nil && info.Mode().IsRegular() {
			res.Skipped = "already present"
			return res
		}
	}
	log := f.Logger.WithValues("resource", r.Name)
	log.Info("downloading", "url", r.Fetch.URL)

	tmp, err := os.CreateTemp(f.TempDir, "relpack-fetch-*")
	if err != nil {
		res.Err = fmt.Errorf("create temp file: %w", err)
		return res
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	dgst, size, err := download(ctx, client, r.Fetch.URL, tmp)
	if err != nil {
		res.Err = err
		return res
	}
	if want := strings.TrimSpace(r.Fetch.SHA256); want != "" {
		expected := digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(want))
		if err := expected.Validate(); err != nil {
			res.Err = fmt.Errorf("invalid sha256 pin: %w", err)
			return res
		}
		if dgst != expected {
			res.Err = fmt.Errorf("checksum mismatch: got %s, want %s", dgst, expected)
			return res
		}
	}
	res.Digest = dgst.String()

	n, err := extract(tmp, size, r.Fetch, target)
	if err != nil {
		res.Err = err
		return res
	}
	res.Bytes = n
	log.Info("fetched", "path", target, "bytes", n, "digest", res.Digest)
	return res
}

func download(ctx context.Context, client *retryablehttp.Client, url string, dst io.Writer) (digest.Digest, int64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}
	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(dst, digester.Hash()), resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("download %s: %w", url, err)
	}
	return digester.Digest(), n, nil
}

// extract writes the resource file from the downloaded payload.
func extract(payload *os.File, size int64, spec *manifest.Fetch, target string) (int64, error) {
	if _, err := payload.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	var written int64
	fill := func(w io.Writer) error {
		var err error
		switch spec.Format {
		case "", manifest.FormatRaw:
			written, err = io.Copy(w, payload)
		case manifest.FormatZip:
			written, err = extractZipMember(payload, size, spec.Member, w)
		case manifest.FormatTgz:
			written, err = extractTgzMember(payload, spec.Member, w)
		default:
			err = fmt.Errorf("unknown format %q", spec.Format)
		}
		return err
	}
	mode := os.FileMode(0o644)
	switch strings.ToLower(filepath.Ext(target)) {
	case ".exe", ".dll", ".so", ".dylib":
		mode = 0o755
	}
	if err := fsutil.WriteAtomic(target, mode, fill); err != nil {
		return 0, err
	}
	return written, nil
}

// ErrMemberNotFound is returned when an archive lacks the requested member.
var ErrMemberNotFound = errors.New("member not found in download")

type leveledLogger struct {
	log logr.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Error(nil, msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Info(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.V(1).Info(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.V(2).Info(msg, kv...) }
