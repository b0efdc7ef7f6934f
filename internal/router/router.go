// Package router orders (provider, model) candidates for a generation
// request: a known-good multi-reference default first when it applies, then
// the user's active selection with its retry budget, then system fallback
// candidates by priority.
package router

import (
	"context"
	"sort"

	"genforge/internal/cooldown"
	"genforge/internal/core"
)

// MultiRefThreshold is the reference-image count above which the
// multi-reference default candidate is tried before the user's selection.
// Some vendors degrade badly with many references.
const MultiRefThreshold = 4

// Router computes the ordered candidate list for a request.
type Router struct {
	source    core.CandidateSource
	cooldowns cooldown.Tracker
}

// New creates a Router. The tracker may be nil, in which case cooldown
// reordering is skipped.
func New(source core.CandidateSource, cooldowns cooldown.Tracker) *Router {
	return &Router{source: source, cooldowns: cooldowns}
}

// Candidates returns the ordered list of candidates to attempt.
//
// Ordering:
//  1. For image requests with more than MultiRefThreshold references, the
//     system candidate flagged as the multi-reference default runs first,
//     once, regardless of the active selection. The block is itself a form
//     of cross-vendor routing, so it is skipped for opted-out users.
//  2. The active selection repeats up to its retry limit (default 1).
//     Repeats inside this block are intentional and exempt from dedupe.
//  3. When routing is enabled for the user, remaining system candidates
//     follow in ascending priority, excluding the active (provider, model).
//     When routing is disabled, the first failure of the active block is
//     final.
//
// Providers currently cooling down after a quota error are moved after
// non-cooling candidates, preserving relative order; they are never dropped.
func (r *Router) Candidates(ctx context.Context, userID string, category core.Category, refImageCount int) ([]core.Candidate, error) {
	system, err := r.source.SystemCandidates(ctx, category)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(system, func(i, j int) bool {
		return system[i].Priority < system[j].Priority
	})

	active, err := r.source.ActiveCandidate(ctx, userID, category)
	if err != nil {
		return nil, err
	}

	routing := r.source.RoutingEnabled(ctx, userID)

	var out []core.Candidate
	seen := make(map[string]bool)

	if routing && category == core.CategoryImage && refImageCount > MultiRefThreshold {
		for _, c := range system {
			if c.MultiRefDefault {
				out = append(out, c)
				seen[c.Key()] = true
				break
			}
		}
	}

	if active != nil {
		retries := active.RetryLimit
		if retries <= 0 {
			retries = 1
		}
		for i := 0; i < retries; i++ {
			out = append(out, *active)
		}
		seen[active.Key()] = true
	}

	if routing {
		for _, c := range system {
			if seen[c.Key()] {
				continue
			}
			seen[c.Key()] = true
			out = append(out, c)
		}
	}

	return r.reorderCooling(ctx, out), nil
}

// reorderCooling stably partitions candidates so cooling providers run
// after healthy ones.
func (r *Router) reorderCooling(ctx context.Context, candidates []core.Candidate) []core.Candidate {
	if r.cooldowns == nil || len(candidates) < 2 {
		return candidates
	}

	healthy := make([]core.Candidate, 0, len(candidates))
	var cooling []core.Candidate
	for _, c := range candidates {
		if r.cooldowns.Cooling(ctx, c.Provider) {
			cooling = append(cooling, c)
		} else {
			healthy = append(healthy, c)
		}
	}
	return append(healthy, cooling...)
}
