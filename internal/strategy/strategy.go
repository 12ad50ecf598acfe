// Package strategy holds the named commission policies and the registry
// that resolves them by configuration key.
package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/carelink/escortd/internal/domain"
	"github.com/carelink/escortd/internal/logger"
	"github.com/carelink/escortd/internal/money"
)

const (
	Standard   = "standard"
	Flat       = "flat"
	DirectOnly = "direct_only"
	Custom     = "custom"
)

// Skip reasons reported on Decision.SkipReason.
const (
	ReasonNonDirect     = "non-direct upline"
	ReasonEscortDepth   = "escort level earns only from direct referrals"
	ReasonDepthRange    = "relation depth outside 1..3"
	ReasonNoMatrixEntry = "no custom rate configured"
)

// Decision is the outcome of evaluating one commission line.
type Decision struct {
	Rate             money.BasisPoints
	ShouldDistribute bool
	SkipReason       string
}

func distribute(rate money.BasisPoints) Decision {
	return Decision{Rate: rate, ShouldDistribute: true}
}

func skip(reason string) Decision {
	return Decision{SkipReason: reason}
}

// Strategy computes the rate owed to one beneficiary at one relation depth.
type Strategy interface {
	Name() string
	CalculateRate(beneficiary domain.BeneficiaryLevel, relation int, cfg domain.StrategyConfig) (Decision, error)
}

func checkDepth(relation int) bool {
	return relation >= 1 && relation <= domain.MaxReferralDepth
}

// standardPolicy: city partners and team leads earn their level rate at any
// depth, plain escorts only from direct referrals.
type standardPolicy struct{}

func (standardPolicy) Name() string { return Standard }

func (standardPolicy) CalculateRate(level domain.BeneficiaryLevel, relation int, cfg domain.StrategyConfig) (Decision, error) {
	if !checkDepth(relation) {
		return skip(ReasonDepthRange), nil
	}
	rate, ok := cfg.Rates.ForLevel(level)
	if !ok {
		return Decision{}, fmt.Errorf("%w: unknown beneficiary level %d", domain.ErrStrategyResolution, level)
	}
	if level == domain.LevelEscort && relation != 1 {
		return skip(ReasonEscortDepth), nil
	}
	return distribute(rate), nil
}

// flatPolicy pays the level-2 rate to everyone at every depth.
type flatPolicy struct{}

func (flatPolicy) Name() string { return Flat }

func (flatPolicy) CalculateRate(level domain.BeneficiaryLevel, relation int, cfg domain.StrategyConfig) (Decision, error) {
	if !checkDepth(relation) {
		return skip(ReasonDepthRange), nil
	}
	if !level.Valid() {
		return Decision{}, fmt.Errorf("%w: unknown beneficiary level %d", domain.ErrStrategyResolution, level)
	}
	return distribute(cfg.Rates.L2), nil
}

// directOnlyPolicy pays only the direct referrer, at the direct rate or the
// level-1 rate when no direct rate is configured.
type directOnlyPolicy struct{}

func (directOnlyPolicy) Name() string { return DirectOnly }

func (directOnlyPolicy) CalculateRate(_ domain.BeneficiaryLevel, relation int, cfg domain.StrategyConfig) (Decision, error) {
	if relation != 1 {
		return skip(ReasonNonDirect), nil
	}
	if cfg.Rates.Direct > 0 {
		return distribute(cfg.Rates.Direct), nil
	}
	return distribute(cfg.Rates.L1), nil
}

// customPolicy reads the full level x depth matrix from the snapshot.
type customPolicy struct{}

func (customPolicy) Name() string { return Custom }

func (customPolicy) CalculateRate(level domain.BeneficiaryLevel, relation int, cfg domain.StrategyConfig) (Decision, error) {
	if !checkDepth(relation) {
		return skip(ReasonDepthRange), nil
	}
	if cfg.Custom == nil {
		return Decision{}, fmt.Errorf("%w: custom strategy without a rate matrix", domain.ErrStrategyResolution)
	}
	rate, ok := cfg.Custom[level][relation]
	if !ok {
		return skip(ReasonNoMatrixEntry), nil
	}
	return distribute(rate), nil
}

// Registry maps strategy names to implementations.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	log        *logger.Logger
}

// NewRegistry returns a registry preloaded with the built-in policies.
func NewRegistry(log *logger.Logger) *Registry {
	r := &Registry{
		strategies: make(map[string]Strategy),
		log:        log.With("component", "strategy"),
	}
	for _, s := range []Strategy{standardPolicy{}, flatPolicy{}, directOnlyPolicy{}, customPolicy{}} {
		r.strategies[s.Name()] = s
	}
	return r
}

// Register adds or replaces a policy.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[normalize(s.Name())] = s
}

// Resolve returns the named policy. Unknown names fall back to standard.
func (r *Registry) Resolve(name string) Strategy {
	key := normalize(name)

	r.mu.RLock()
	s, ok := r.strategies[key]
	fallback := r.strategies[Standard]
	r.mu.RUnlock()

	if ok {
		return s
	}
	r.log.Warn("unknown commission strategy, falling back", "strategy", name, "fallback", Standard)
	return fallback
}

// Known reports whether name resolves without falling back.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.strategies[normalize(name)]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
