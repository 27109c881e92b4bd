// Package prewarm picks the recognition provider at startup and decides which
// engine instances are built before the first toggle.
package prewarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/listen/internal/engine"
	"github.com/petems/listen/internal/errs"
)

type Policy string

const (
	// Auto builds local engines eagerly and never connects to a remote
	// provider ahead of a toggle.
	Auto   Policy = "auto"
	Always Policy = "always"
	Never  Policy = "never"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case Auto, Always, Never:
		return p, nil
	case "":
		return Auto, nil
	default:
		return "", fmt.Errorf("unknown prewarm policy %q", s)
	}
}

// Candidate is one provider the daemon could run.
type Candidate struct {
	Provider string
	Remote   bool
	// Check reports whether the provider is usable: model files for a local
	// engine, credentials for a remote one.
	Check func() error
	Build func() (engine.Engine, error)
}

// Select applies the provider order: an explicit override, else the first
// usable local candidate, else the first usable remote one.
func Select(override string, candidates []Candidate) (Candidate, error) {
	if override != "" {
		for _, c := range candidates {
			if c.Provider != override {
				continue
			}
			if err := check(c); err != nil {
				return Candidate{}, errs.E(errs.EngineUnavailable, override, err)
			}
			return c, nil
		}
		return Candidate{}, errs.Errorf(errs.EngineUnavailable, override, "unknown provider")
	}

	var problems []error
	for _, remote := range []bool{false, true} {
		for _, c := range candidates {
			if c.Remote != remote {
				continue
			}
			err := check(c)
			if err == nil {
				return c, nil
			}
			problems = append(problems, fmt.Errorf("%s: %w", c.Provider, err))
		}
	}
	if len(problems) == 0 {
		return Candidate{}, errs.Errorf(errs.EngineUnavailable, "select", "no providers configured")
	}
	return Candidate{}, errs.E(errs.EngineUnavailable, "select", errors.Join(problems...))
}

func check(c Candidate) error {
	if c.Check == nil {
		return nil
	}
	return c.Check()
}

type Scheduler struct {
	policy     Policy
	override   string
	candidates []Candidate
	log        zerolog.Logger
}

func New(policy Policy, override string, candidates []Candidate, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		policy:     policy,
		override:   override,
		candidates: candidates,
		log:        log.With().Str("component", "prewarm").Logger(),
	}
}

// Start selects the provider and builds the eager instance the policy asks
// for. Remote prewarming runs in the background under ctx.
func (s *Scheduler) Start(ctx context.Context) (*Supply, error) {
	cand, err := Select(s.override, s.candidates)
	if err != nil {
		return nil, err
	}

	sup := &Supply{cand: cand, log: s.log}
	log := s.log.With().Str("provider", cand.Provider).Str("policy", string(s.policy)).Logger()

	eager := s.policy != Never && (!cand.Remote || s.policy == Always)
	if !eager {
		log.Info().Msg("Provider selected, building on first toggle")
		return sup, nil
	}

	start := time.Now()
	eng, err := build(cand)
	if err != nil {
		return nil, err
	}
	sup.eager = eng
	log.Info().Dur("took", time.Since(start)).Msg("Engine built ahead of first toggle")

	if p, ok := eng.(engine.Prewarmer); ok && cand.Remote {
		go func() {
			if err := p.Prewarm(ctx); err != nil {
				// the first Start dials again
				log.Warn().Err(err).Msg("Prewarm failed")
				return
			}
			log.Info().Msg("Connection prewarmed")
		}()
	}
	return sup, nil
}

func build(c Candidate) (engine.Engine, error) {
	eng, err := c.Build()
	if err != nil {
		if errs.KindOf(err) == errs.Other {
			err = errs.E(errs.EngineUnavailable, c.Provider, err)
		}
		return nil, err
	}
	return eng, nil
}

// Supply hands engine instances to the controller: the eager one first,
// later ones built on demand.
type Supply struct {
	cand Candidate
	log  zerolog.Logger

	mu       sync.Mutex
	eager    engine.Engine
	closed   bool
	fallback engine.Engine
}

// Fallback returns a supply that only ever hands out a disabled engine.
func Fallback(reason error) *Supply {
	return &Supply{
		cand:     Candidate{Provider: "disabled"},
		fallback: engine.NewDisabled(reason),
		log:      zerolog.Nop(),
	}
}

func (s *Supply) Provider() string { return s.cand.Provider }

func (s *Supply) Next() (engine.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errs.Errorf(errs.EngineUnavailable, s.cand.Provider, "supply closed")
	}
	if s.fallback != nil {
		return s.fallback, nil
	}
	if eng := s.eager; eng != nil {
		s.eager = nil
		return eng, nil
	}
	return build(s.cand)
}

// Close shuts down an eager instance nobody claimed.
func (s *Supply) Close() {
	s.mu.Lock()
	eng := s.eager
	s.eager = nil
	s.closed = true
	s.mu.Unlock()

	if eng != nil {
		s.log.Debug().Str("provider", eng.Name()).Msg("Shutting down unused engine")
		eng.Shutdown()
	}
}
