package parameters

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"compliance-backend/internal/orgconfig"
	"compliance-backend/internal/results"
	"compliance-backend/internal/shared/apperr"
	"compliance-backend/internal/shared/config"
	"compliance-backend/internal/shared/metrics"
	"compliance-backend/internal/shared/telemetry"
)

const computeTimeout = 30 * time.Second

// ConfigResolver returns the active config of an organization.
type ConfigResolver interface {
	Resolve(ctx context.Context, organizationID string) (orgconfig.Config, error)
}

// History reads the result corpus.
type History interface {
	ListByOrganization(ctx context.Context, organizationID string, since time.Time, limit int) ([]results.Record, error)
}

// Options tunes the engine.
type Options struct {
	AdaptiveWeights     bool
	LearningMode        bool
	AdaptationThreshold int
	MaxWeightAdjustment float64
	CacheTTL            time.Duration
	HistoryWindow       time.Duration
	HistoryLimit        int
}

func (o Options) snapshot() Settings {
	return Settings{
		EnableAdaptiveWeights: o.AdaptiveWeights,
		EnableLearningMode:    o.LearningMode,
		AdaptationThreshold:   o.AdaptationThreshold,
		MaxWeightAdjustment:   o.MaxWeightAdjustment,
		CacheTTLSeconds:       int(o.CacheTTL / time.Second),
		HistoryWindowDays:     int(o.HistoryWindow / (24 * time.Hour)),
		HistoryLimit:          o.HistoryLimit,
	}
}

// DefaultOptions mirrors the defaults of config.EngineConfig.
func DefaultOptions() Options {
	var cfg config.EngineConfig
	cfg.ApplyDefaults()
	return OptionsFromConfig(cfg)
}

// OptionsFromConfig converts the loaded engine config.
func OptionsFromConfig(cfg config.EngineConfig) Options {
	cfg.ApplyDefaults()
	return Options{
		AdaptiveWeights:     *cfg.EnableAdaptiveWeights,
		LearningMode:        *cfg.EnableLearningMode,
		AdaptationThreshold: cfg.AdaptationThreshold,
		MaxWeightAdjustment: cfg.MaxWeightAdjustment,
		CacheTTL:            time.Duration(cfg.CacheTTLMinutes) * time.Minute,
		HistoryWindow:       time.Duration(cfg.HistoryWindowDays) * 24 * time.Hour,
		HistoryLimit:        cfg.HistoryLimit,
	}
}

// Engine derives effective parameters from an organization's config and its history.
type Engine struct {
	Resolver ConfigResolver
	History  History
	Cache    Cache
	Options  Options
	Now      func() time.Time

	group    singleflight.Group
	hits     atomic.Int64
	misses   atomic.Int64
	inFlight atomic.Int64

	lkgMu         sync.RWMutex
	lastKnownGood map[string]Parameters
}

// NewEngine constructs an Engine with an in-process cache.
func NewEngine(resolver ConfigResolver, history History, opts Options) *Engine {
	return &Engine{
		Resolver:      resolver,
		History:       history,
		Cache:         NewMemoryCache(),
		Options:       opts,
		Now:           time.Now,
		lastKnownGood: make(map[string]Parameters),
	}
}

// Generate returns the effective parameters of an organization.
//
// Cached values are reused only while unexpired and derived from the current config version.
// Concurrent misses for the same organization share one computation.
func (e *Engine) Generate(ctx context.Context, organizationID string) (Parameters, error) {
	if strings.TrimSpace(organizationID) == "" {
		return Parameters{}, apperr.Validation("organizationId is required", nil)
	}
	cfg, err := e.Resolver.Resolve(ctx, organizationID)
	if err != nil {
		return Parameters{}, err
	}
	now := e.now()

	if !e.Options.LearningMode {
		p := e.base(cfg, now)
		e.remember(p)
		return p, nil
	}

	if cached, ok := e.Cache.Get(organizationID, now); ok &&
		cached.Metadata.ConfigID == cfg.ID && cached.Metadata.ConfigVersion == cfg.Version {
		e.hits.Add(1)
		metrics.IncParametersCacheHit()
		return cached, nil
	}
	e.misses.Add(1)
	metrics.IncParametersCacheMiss()

	key := fmt.Sprintf("%s@%s#%d", organizationID, cfg.ID, cfg.Version)
	ch := e.group.DoChan(key, func() (any, error) {
		e.inFlight.Add(1)
		defer e.inFlight.Add(-1)
		computeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), computeTimeout)
		defer cancel()
		return e.compute(computeCtx, cfg), nil
	})
	select {
	case <-ctx.Done():
		return Parameters{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Parameters{}, res.Err
		}
		return res.Val.(Parameters).Clone(), nil
	}
}

// Refresh drops the cached entry of an organization and regenerates it.
func (e *Engine) Refresh(ctx context.Context, organizationID string) (Parameters, error) {
	e.ClearCache(organizationID)
	return e.Generate(ctx, organizationID)
}

// ClearCache drops the entry of one organization, or every entry when organizationID is empty.
// Last-known-good copies are kept.
func (e *Engine) ClearCache(organizationID string) {
	if organizationID == "" {
		e.Cache.Clear()
	} else {
		e.Cache.Delete(organizationID)
	}
	telemetry.Info("parameters.cache_cleared", map[string]any{
		"organization_id": organizationID,
	})
}

// LastKnownGood returns the most recent successfully generated parameters of an organization.
func (e *Engine) LastKnownGood(organizationID string) (Parameters, bool) {
	e.lkgMu.RLock()
	defer e.lkgMu.RUnlock()
	p, ok := e.lastKnownGood[organizationID]
	if !ok {
		return Parameters{}, false
	}
	return p.Clone(), true
}

// PruneExpired removes expired cache entries.
func (e *Engine) PruneExpired() int {
	return e.Cache.Prune(e.now())
}

// Stats returns a snapshot of cache and configuration state.
func (e *Engine) Stats() Stats {
	hits, misses := e.hits.Load(), e.misses.Load()
	rate := 0.0
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Version:     EngineVersion,
		CacheSize:   e.Cache.Len(),
		CacheHits:   hits,
		CacheMisses: misses,
		HitRate:     rate,
		InFlight:    e.inFlight.Load(),
		Settings:    e.Options.snapshot(),
	}
}

// Optimize suggests weights from a wider slice of history without applying them.
func (e *Engine) Optimize(ctx context.Context, organizationID string) (Optimization, error) {
	now := e.now()
	var current Parameters
	var history []results.Record

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := e.Generate(gctx, organizationID)
		current = p
		return err
	})
	g.Go(func() error {
		h, err := e.History.ListByOrganization(gctx, organizationID, now.Add(-e.Options.HistoryWindow), e.Options.HistoryLimit*2)
		if err != nil {
			return apperr.Unavailable("analysis history unavailable", err)
		}
		history = h
		return nil
	})
	if err := g.Wait(); err != nil {
		return Optimization{}, err
	}

	if len(history) < e.Options.AdaptationThreshold {
		return Optimization{}, apperr.Validation("insufficient history for optimization", map[string]any{
			"required": e.Options.AdaptationThreshold,
			"actual":   len(history),
		})
	}

	signals := deriveSignals(history, e.Options.MaxWeightAdjustment)
	suggested, diffs := applyDeltas(current.Weights, signals, e.Options.MaxWeightAdjustment)

	improvements := make([]Improvement, 0, len(diffs))
	var moved []string
	for _, c := range orgconfig.Categories {
		if _, ok := diffs[c]; !ok {
			continue
		}
		improvements = append(improvements, Improvement{
			Category:            c,
			CurrentWeight:       current.Weights.Get(c),
			SuggestedWeight:     suggested.Get(c),
			ExpectedImprovement: round2(math.Abs(signals[c].Delta) * 0.5),
		})
		moved = append(moved, fmt.Sprintf("%s (%s)", c, signals[c].Source))
	}
	reasoning := fmt.Sprintf("Based on %d recent analyses; no category needs adjustment.", len(history))
	if len(moved) > 0 {
		reasoning = fmt.Sprintf("Based on %d recent analyses; adjusted categories: %s.", len(history), strings.Join(moved, ", "))
	}

	return Optimization{
		SuggestedWeights: suggested,
		Reasoning:        reasoning,
		Confidence:       confidence(len(history)),
		BasedOnAnalyses:  len(history),
		Improvements:     improvements,
	}, nil
}

func (e *Engine) compute(ctx context.Context, cfg orgconfig.Config) Parameters {
	now := e.now()
	p := e.base(cfg, now)
	cacheable := true

	if e.Options.AdaptiveWeights {
		history, err := e.History.ListByOrganization(ctx, cfg.OrganizationID, now.Add(-e.Options.HistoryWindow), e.Options.HistoryLimit)
		switch {
		case err != nil:
			// Serve configured weights without caching so the next call retries the history read.
			cacheable = false
			telemetry.Warn("parameters.history_unavailable", map[string]any{
				"organization_id": cfg.OrganizationID,
				"error":           err.Error(),
			})
		case len(history) >= e.Options.AdaptationThreshold:
			signals := deriveSignals(history, e.Options.MaxWeightAdjustment)
			weights, diffs := applyDeltas(p.BaseWeights, signals, e.Options.MaxWeightAdjustment)
			p.Weights = weights
			p.AdaptiveAdjustments = &Adjustments{
				WeightAdjustments: diffs,
				ConfidenceScore:   confidence(len(history)),
				BasedOnAnalyses:   len(history),
				LastUpdated:       now,
			}
		}
	}

	if cacheable {
		expires := now.Add(e.Options.CacheTTL)
		p.Metadata.ExpiresAt = &expires
		e.Cache.Set(cfg.OrganizationID, p, expires)
	}
	e.remember(p)
	telemetry.Debug("parameters.generated", map[string]any{
		"organization_id": cfg.OrganizationID,
		"config_version":  cfg.Version,
		"adaptive":        p.AdaptiveAdjustments != nil,
	})
	return p
}

func (e *Engine) base(cfg orgconfig.Config, now time.Time) Parameters {
	rules := cfg.ActiveRules()
	return Parameters{
		OrganizationID:   cfg.OrganizationID,
		Preset:           cfg.Preset,
		Weights:          cfg.Weights.Normalized(),
		BaseWeights:      cfg.Weights,
		CustomRules:      rules,
		TimeoutSeconds:   cfg.Settings.TimeoutSeconds,
		MaxRetries:       cfg.Settings.MaxRetries,
		EnableAIAnalysis: cfg.Settings.EnableAIAnalysis,
		StrictMode:       cfg.Settings.StrictMode,
		Metadata: Metadata{
			ConfigID:      cfg.ID,
			ConfigVersion: cfg.Version,
			EngineVersion: EngineVersion,
			GeneratedAt:   now,
		},
	}
}

func (e *Engine) remember(p Parameters) {
	e.lkgMu.Lock()
	defer e.lkgMu.Unlock()
	if e.lastKnownGood == nil {
		e.lastKnownGood = make(map[string]Parameters)
	}
	e.lastKnownGood[p.OrganizationID] = p.Clone()
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
