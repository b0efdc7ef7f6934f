package app

import (
	"context"

	"genforge/config"
	"genforge/internal/core"
)

// catalogSource serves routing candidates from the loaded configuration.
// It stands in for a per-user profile store: the active selection is the
// catalog entry flagged active, and the routing opt-out list is a static
// set of user ids.
type catalogSource struct {
	image  []core.Candidate
	video  []core.Candidate
	active map[core.Category]*core.Candidate
	optOut map[string]bool
}

func newCatalogSource(cfg *config.Config) *catalogSource {
	s := &catalogSource{
		active: make(map[core.Category]*core.Candidate),
		optOut: make(map[string]bool, len(cfg.Routing.OptOutUsers)),
	}
	for _, u := range cfg.Routing.OptOutUsers {
		s.optOut[u] = true
	}

	s.image = buildCandidates(cfg, cfg.Candidates.Image)
	s.video = buildCandidates(cfg, cfg.Candidates.Video)

	for i, cc := range cfg.Candidates.Image {
		if cc.Active {
			c := s.image[i]
			s.active[core.CategoryImage] = &c
			break
		}
	}
	for i, cc := range cfg.Candidates.Video {
		if cc.Active {
			c := s.video[i]
			s.active[core.CategoryVideo] = &c
			break
		}
	}
	return s
}

func buildCandidates(cfg *config.Config, entries []config.CandidateConfig) []core.Candidate {
	out := make([]core.Candidate, len(entries))
	for i, cc := range entries {
		pc := cfg.Providers[cc.Provider]
		out[i] = core.Candidate{
			Provider:        cc.Provider,
			Model:           cc.Model,
			Priority:        cc.Priority,
			RetryLimit:      cc.RetryLimit,
			MultiRefDefault: cc.MultiRefDefault,
			Config: core.RequestConfig{
				APIKey:    pc.APIKey,
				BaseURL:   pc.BaseURL,
				MirrorURL: pc.MirrorURL,
				Extra:     pc.Extra,
			},
		}
	}
	return out
}

func (s *catalogSource) ActiveCandidate(_ context.Context, _ string, category core.Category) (*core.Candidate, error) {
	c, ok := s.active[category]
	if !ok {
		return nil, nil
	}
	clone := *c
	return &clone, nil
}

func (s *catalogSource) SystemCandidates(_ context.Context, category core.Category) ([]core.Candidate, error) {
	var src []core.Candidate
	if category == core.CategoryVideo {
		src = s.video
	} else {
		src = s.image
	}
	out := make([]core.Candidate, len(src))
	copy(out, src)
	return out, nil
}

func (s *catalogSource) RoutingEnabled(_ context.Context, userID string) bool {
	return !s.optOut[userID]
}
