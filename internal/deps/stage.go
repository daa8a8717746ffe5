// Package deps stages the optional runtime dependencies next to the built
// executable and downloads the ones that declare a fetch source.
package deps

import (
	"fmt"

	"github.com/example/relpack/internal/fsutil"
	"github.com/example/relpack/internal/manifest"
	"github.com/example/relpack/internal/stage"
	"github.com/go-logr/logr"
)

// Soft-result reasons emitted by the stager.
const (
	ReasonMissing    = "missing"
	ReasonCopyFailed = "copy-failed"
)

type StageOptions struct {
	Root     string
	Manifest manifest.Manifest
	Logger   logr.Logger
}

// Staged is the stager's view of which resources exist.
type Staged struct {
	Present []manifest.Presence
	Missing []string
}

// Stage copies every present resource to its execution-adjacent destinations.
// Nothing here is fatal: absence and copy failures become soft results, and
// other destinations and resources are still attempted.
func Stage(opts StageOptions) (Staged, []stage.Result) {
	log := opts.Logger
	var (
		out     Staged
		results []stage.Result
		copied  int
	)
	for _, p := range manifest.Probe(opts.Root, opts.Manifest) {
		name := p.Resource.Name
		if !p.Present {
			out.Missing = append(out.Missing, name)
			msg := fmt.Sprintf("optional resource %s not found at %s", name, p.Resource.Source)
			if p.Err != nil {
				msg = fmt.Sprintf("optional resource %s unavailable: %v", name, p.Err)
			}
			log.V(1).Info("optional resource absent", "resource", name, "source", p.Resource.Source)
			results = append(results, stage.Soft(stage.Deps, ReasonMissing, p.Err, "%s", msg).WithSubject(name))
			continue
		}
		out.Present = append(out.Present, p)
		for _, dest := range p.Resource.Destinations {
			target, err := manifest.Resolve(opts.Root, dest)
			if err == nil {
				err = fsutil.CopyFile(p.Path, target)
			}
			if err != nil {
				log.Error(err, "copy optional resource", "resource", name, "destination", dest)
				results = append(results, stage.Soft(stage.Deps, ReasonCopyFailed, err,
					"copy %s to %s failed: %v", name, dest, err).WithSubject(name))
				continue
			}
			copied++
			log.V(1).Info("staged optional resource", "resource", name, "destination", dest)
		}
	}
	results = append(results, stage.Success(stage.Deps, "%d of %d optional resources present, %d copies made",
		len(out.Present), len(opts.Manifest.Resources), copied))
	return out, results
}
