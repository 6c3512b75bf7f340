package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ProbeResult reports whether a backend can serve sessions on this host.
type ProbeResult struct {
	Available bool
	Reason    string
	FixHints  []string
}

// Prober is implemented by runtimes that can check their prerequisites
// (a docker binary, cluster credentials) before serving sessions.
type Prober interface {
	Probe(ctx context.Context) ProbeResult
}

// Selection is the runtime chosen at startup and the diagnostics gathered
// while choosing it.
type Selection struct {
	Runtime     Runtime
	Diagnostics map[string]ProbeResult
}

// Select picks the runtime named name from candidates and probes it. The
// backend is chosen once here and never by branching at call sites.
func Select(ctx context.Context, name string, candidates ...Runtime) (Selection, error) {
	diag := make(map[string]ProbeResult, len(candidates))
	var chosen Runtime
	for _, rt := range candidates {
		if rt == nil {
			continue
		}
		if rt.Name() == name {
			chosen = rt
		}
	}
	if chosen == nil {
		names := make([]string, 0, len(candidates))
		for _, rt := range candidates {
			if rt != nil {
				names = append(names, rt.Name())
			}
		}
		sort.Strings(names)
		return Selection{}, fmt.Errorf("unsupported backend %q (have: %s)", name, strings.Join(names, ", "))
	}

	res := ProbeResult{Available: true}
	if p, ok := chosen.(Prober); ok {
		res = p.Probe(ctx)
	}
	diag[chosen.Name()] = res
	if !res.Available {
		return Selection{Diagnostics: diag}, fmt.Errorf("backend %s is unavailable (%s). hints: %v", name, res.Reason, res.FixHints)
	}
	return Selection{Runtime: chosen, Diagnostics: diag}, nil
}
