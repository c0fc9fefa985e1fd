package parameters

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compliance-backend/internal/orgconfig"
	"compliance-backend/internal/results"
	"compliance-backend/internal/shared/apperr"
)

var testNow = time.Date(2026, time.April, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	engine  *Engine
	configs *orgconfig.Service
	history *results.MemoryRepo
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	configs := &orgconfig.Service{
		Repo:    orgconfig.NewMemoryRepo(),
		Tenants: orgconfig.NewMemoryTenants(orgconfig.Tenant{ID: "org-1", Name: "Org One"}),
		Catalog: orgconfig.NewPresetCatalog(nil),
		Now:     func() time.Time { return testNow },
	}
	history := results.NewMemoryRepo()
	engine := NewEngine(configs, history, opts)
	engine.Now = func() time.Time { return testNow }
	return &fixture{engine: engine, configs: configs, history: history}
}

func (f *fixture) seedScores(t *testing.T, org string, n int, scores results.Scores) {
	t.Helper()
	for i := 0; i < n; i++ {
		s := scores
		_, err := f.history.Save(context.Background(), results.Record{
			ID:             fmt.Sprintf("%s-res-%d", org, i),
			AnalysisID:     fmt.Sprintf("%s-job-%d", org, i),
			OrganizationID: org,
			Scores:         &s,
			Findings:       results.Findings{},
			CreatedAt:      testNow.Add(-time.Duration(i+1) * time.Hour),
		})
		require.NoError(t, err)
	}
}

func assertInvariants(t *testing.T, p Parameters, maxAdj float64) {
	t.Helper()
	assert.InDelta(t, 100, p.Weights.Sum(), orgconfig.WeightSumTolerance, "weights must sum to 100: %+v", p.Weights)
	for _, c := range orgconfig.Categories {
		assert.GreaterOrEqual(t, p.Weights.Get(c), 0.0)
	}
	if p.AdaptiveAdjustments != nil {
		for c, d := range p.AdaptiveAdjustments.WeightAdjustments {
			assert.LessOrEqual(t, math.Abs(d), maxAdj, "adjustment of %s out of bounds", c)
		}
		assert.GreaterOrEqual(t, p.AdaptiveAdjustments.ConfidenceScore, 0.0)
		assert.LessOrEqual(t, p.AdaptiveAdjustments.ConfidenceScore, 1.0)
	}
}

func TestGenerateRaisesUnderperformingLegalWeight(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.seedScores(t, "org-1", 12, results.Scores{Structural: 85, Legal: 40, Clarity: 82, ABNT: 88})

	p, err := f.engine.Generate(context.Background(), "org-1")
	require.NoError(t, err)

	require.NotNil(t, p.AdaptiveAdjustments)
	assert.Equal(t, 12, p.AdaptiveAdjustments.BasedOnAnalyses)
	assert.Equal(t, orgconfig.PresetStandard, p.Preset)
	assert.Greater(t, p.Weights.Legal, 25.0)
	assert.Greater(t, p.AdaptiveAdjustments.WeightAdjustments[orgconfig.CategoryLegal], 0.0)
	assert.LessOrEqual(t, p.AdaptiveAdjustments.WeightAdjustments[orgconfig.CategoryLegal], 15.0)
	assertInvariants(t, p, 15)
}

func TestGenerateThresholdGating(t *testing.T) {
	opts := DefaultOptions()

	below := newFixture(t, opts)
	below.seedScores(t, "org-1", opts.AdaptationThreshold-1, results.Scores{Legal: 10})
	p, err := below.engine.Generate(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Nil(t, p.AdaptiveAdjustments)
	assert.Equal(t, orgconfig.Weights{Structural: 25, Legal: 25, Clarity: 25, ABNT: 25}, p.Weights)

	at := newFixture(t, opts)
	at.seedScores(t, "org-1", opts.AdaptationThreshold, results.Scores{Structural: 90, Legal: 90, Clarity: 90, ABNT: 90})
	p, err = at.engine.Generate(context.Background(), "org-1")
	require.NoError(t, err)
	require.NotNil(t, p.AdaptiveAdjustments, "adjustments must be present at the threshold")
	assert.Empty(t, p.AdaptiveAdjustments.WeightAdjustments, "no category underperforms")
	assert.NotNil(t, p.AdaptiveAdjustments.WeightAdjustments)
}

func TestGenerateInvariantsHoldForRandomHistories(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	presets := []orgconfig.Preset{orgconfig.PresetRigorous, orgconfig.PresetStandard, orgconfig.PresetTechnical, orgconfig.PresetFast}

	for round := 0; round < 40; round++ {
		opts := DefaultOptions()
		opts.MaxWeightAdjustment = []float64{1, 5, 15, 30}[round%4]
		f := newFixture(t, opts)
		ctx := context.Background()

		cfg, err := f.configs.Resolve(ctx, "org-1")
		require.NoError(t, err)
		preset := presets[rng.Intn(len(presets))]
		_, err = f.configs.Update(ctx, "org-1", cfg.ID, orgconfig.UpdateInput{ExpectedVersion: cfg.Version, Preset: &preset})
		require.NoError(t, err)

		n := rng.Intn(40)
		for i := 0; i < n; i++ {
			rec := results.Record{
				ID:             fmt.Sprintf("r%d-%d", round, i),
				AnalysisID:     fmt.Sprintf("a%d-%d", round, i),
				OrganizationID: "org-1",
				CreatedAt:      testNow.Add(-time.Duration(i+1) * time.Minute),
				Findings: results.Findings{
					orgconfig.CategoryLegal: {Critical: rng.Intn(4), High: rng.Intn(4)},
					orgconfig.CategoryABNT:  {Low: rng.Intn(10)},
				},
			}
			if rng.Intn(3) > 0 {
				rec.Scores = &results.Scores{Structural: rng.Float64() * 100, Legal: rng.Float64() * 100, Clarity: rng.Float64() * 100, ABNT: rng.Float64() * 100}
				if rng.Intn(2) == 0 {
					rec.Confirmed = &results.Scores{Structural: rng.Float64() * 100, Legal: rng.Float64() * 100, Clarity: rng.Float64() * 100, ABNT: rng.Float64() * 100}
				}
			}
			_, err := f.history.Save(ctx, rec)
			require.NoError(t, err)
		}

		p, err := f.engine.Generate(ctx, "org-1")
		require.NoError(t, err)
		assertInvariants(t, p, opts.MaxWeightAdjustment)
		assert.Equal(t, n >= opts.AdaptationThreshold, p.AdaptiveAdjustments != nil)
	}
}

func TestApplyDeltasScalesDownWhenRenormalizationOvershoots(t *testing.T) {
	base := orgconfig.Weights{Structural: 15, Legal: 60, Clarity: 20, ABNT: 5}
	signals := map[orgconfig.Category]categorySignal{
		orgconfig.CategoryStructural: {Delta: 15},
		orgconfig.CategoryLegal:      {Delta: -15},
		orgconfig.CategoryClarity:    {Delta: 15},
		orgconfig.CategoryABNT:       {Delta: 15},
	}
	final, diffs := applyDeltas(base, signals, 15)
	assert.InDelta(t, 100, final.Sum(), orgconfig.WeightSumTolerance)
	for c, d := range diffs {
		assert.LessOrEqual(t, math.Abs(d), 15.0, "category %s", c)
	}
	assert.Less(t, final.Legal, 60.0)
}

func TestConfidenceIsMonotonicAndBounded(t *testing.T) {
	prev := confidence(0)
	assert.Equal(t, 0.0, prev)
	for n := 1; n <= 500; n++ {
		c := confidence(n)
		assert.GreaterOrEqual(t, c, prev, "confidence decreased at n=%d", n)
		assert.LessOrEqual(t, c, 1.0)
		prev = c
	}
}

func TestDeriveSignalsPrefersGroundTruth(t *testing.T) {
	predicted := results.Scores{Structural: 80, Legal: 80, Clarity: 90, ABNT: 80}
	confirmed := results.Scores{Structural: 80, Legal: 80, Clarity: 60, ABNT: 80}
	history := []results.Record{{Scores: &predicted, Confirmed: &confirmed}}

	signals := deriveSignals(history, 15)
	assert.Equal(t, sourceGroundTruth, signals[orgconfig.CategoryClarity].Source)
	assert.InDelta(t, 15, signals[orgconfig.CategoryClarity].Delta, 0.001, "30 * 0.5 clamped to 15")
	assert.InDelta(t, 0, signals[orgconfig.CategoryLegal].Delta, 0.001)
}

func TestDeriveSignalsFallsBackToFindings(t *testing.T) {
	history := []results.Record{
		{Findings: results.Findings{orgconfig.CategoryABNT: {Critical: 3}, orgconfig.CategoryLegal: {Low: 1}}},
		{Findings: results.Findings{orgconfig.CategoryABNT: {High: 2}}},
	}
	signals := deriveSignals(history, 15)
	assert.Equal(t, sourceFindings, signals[orgconfig.CategoryABNT].Source)
	assert.Greater(t, signals[orgconfig.CategoryABNT].Delta, 0.0)
	assert.Less(t, signals[orgconfig.CategoryStructural].Delta, 0.0)

	none := deriveSignals([]results.Record{{}}, 15)
	assert.Equal(t, sourceNone, none[orgconfig.CategoryLegal].Source)
}

func TestGenerateCachesWithinTTL(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.seedScores(t, "org-1", 12, results.Scores{Structural: 85, Legal: 40, Clarity: 82, ABNT: 88})
	ctx := context.Background()

	first, err := f.engine.Generate(ctx, "org-1")
	require.NoError(t, err)
	f.seedScores(t, "org-1", 30, results.Scores{Structural: 20, Legal: 95, Clarity: 95, ABNT: 95})
	second, err := f.engine.Generate(ctx, "org-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	stats := f.engine.Stats()
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.Equal(t, 1, stats.CacheSize)
	require.NotNil(t, first.Metadata.ExpiresAt)
	assert.Equal(t, testNow.Add(30*time.Minute), *first.Metadata.ExpiresAt)

	f.engine.ClearCache("org-1")
	assert.Equal(t, 0, f.engine.Stats().CacheSize)
	third, err := f.engine.Generate(ctx, "org-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Weights, third.Weights)
}

func TestGenerateExpiresAfterTTL(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	clock := testNow
	f.engine.Now = func() time.Time { return clock }

	_, err := f.engine.Generate(ctx, "org-1")
	require.NoError(t, err)
	clock = clock.Add(31 * time.Minute)
	_, err = f.engine.Generate(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.engine.Stats().CacheMisses)

	clock = clock.Add(31 * time.Minute)
	assert.Equal(t, 1, f.engine.PruneExpired())
}

func TestGenerateInvalidatesOnConfigVersionChange(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	p, err := f.engine.Generate(ctx, "org-1")
	require.NoError(t, err)
	preset := orgconfig.PresetRigorous
	_, err = f.configs.Update(ctx, "org-1", p.Metadata.ConfigID, orgconfig.UpdateInput{ExpectedVersion: p.Metadata.ConfigVersion, Preset: &preset})
	require.NoError(t, err)

	p2, err := f.engine.Generate(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 60.0, p2.Weights.Legal)
	assert.Equal(t, p.Metadata.ConfigVersion+1, p2.Metadata.ConfigVersion)
}

func TestLearningModeDisabledIsPassThrough(t *testing.T) {
	opts := DefaultOptions()
	opts.LearningMode = false
	f := newFixture(t, opts)
	f.seedScores(t, "org-1", 20, results.Scores{Legal: 10})

	p, err := f.engine.Generate(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Nil(t, p.AdaptiveAdjustments)
	assert.Nil(t, p.Metadata.ExpiresAt)
	assert.Equal(t, p.BaseWeights, p.Weights)
	assert.Equal(t, 0, f.engine.Stats().CacheSize)
}

type failingHistory struct{}

func (failingHistory) ListByOrganization(context.Context, string, time.Time, int) ([]results.Record, error) {
	return nil, errors.New("history store down")
}

func TestHistoryFailureServesBaseWeightsUncached(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.engine.History = failingHistory{}

	p, err := f.engine.Generate(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Nil(t, p.AdaptiveAdjustments)
	assert.Equal(t, 0, f.engine.Stats().CacheSize)

	_, err = f.engine.Optimize(context.Background(), "org-1")
	assert.True(t, apperr.Is(err, apperr.CodeUnavailable), "got %v", err)
}

type gatedHistory struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedHistory) ListByOrganization(ctx context.Context, org string, since time.Time, limit int) ([]results.Record, error) {
	g.calls.Add(1)
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return nil, nil
}

func TestConcurrentMissesShareOneComputation(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	_, err := f.configs.Resolve(ctx, "org-1")
	require.NoError(t, err)

	gate := &gatedHistory{entered: make(chan struct{}), release: make(chan struct{})}
	f.engine.History = gate

	var wg sync.WaitGroup
	outs := make([]Parameters, 10)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.engine.Generate(ctx, "org-1")
			assert.NoError(t, err)
			outs[i] = p
		}(i)
	}
	<-gate.entered
	time.Sleep(50 * time.Millisecond)
	close(gate.release)
	wg.Wait()

	assert.Equal(t, int32(1), gate.calls.Load())
	for _, p := range outs[1:] {
		assert.Equal(t, outs[0], p)
	}
}

func TestCancelledCallerDoesNotPoisonSharedComputation(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	_, err := f.configs.Resolve(context.Background(), "org-1")
	require.NoError(t, err)
	gate := &gatedHistory{entered: make(chan struct{}), release: make(chan struct{})}
	f.engine.History = gate

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.engine.Generate(ctx, "org-1")
		errCh <- err
	}()
	<-gate.entered
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(gate.release)
	p, err := f.engine.Generate(context.Background(), "org-1")
	require.NoError(t, err)
	assertInvariants(t, p, 15)
}

func TestClearCacheConcurrentWithGenerate(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	orgs := []string{"org-1", "org-2", "org-3"}
	for _, org := range orgs {
		f.seedScores(t, org, 15, results.Scores{Structural: 70, Legal: 30, Clarity: 80, ABNT: 90})
	}

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			org := orgs[i%len(orgs)]
			switch i % 4 {
			case 0:
				f.engine.ClearCache("")
			case 1:
				f.engine.ClearCache(org)
			default:
				p, err := f.engine.Generate(ctx, org)
				if assert.NoError(t, err) {
					assertInvariants(t, p, 15)
					assert.Equal(t, org, p.OrganizationID)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, f.engine.Stats().CacheSize, len(orgs))
}

func TestLastKnownGoodSurvivesClearCache(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	p, err := f.engine.Generate(context.Background(), "org-1")
	require.NoError(t, err)

	f.engine.ClearCache("")
	lkg, ok := f.engine.LastKnownGood("org-1")
	require.True(t, ok)
	assert.Equal(t, p.Weights, lkg.Weights)

	_, ok = f.engine.LastKnownGood("org-unknown")
	assert.False(t, ok)
}

func TestOptimizeRequiresHistory(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.seedScores(t, "org-1", 3, results.Scores{Legal: 20})

	_, err := f.engine.Optimize(context.Background(), "org-1")
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeValidation, e.Code)

	f.seedScores(t, "org-2", 25, results.Scores{Structural: 90, Legal: 35, Clarity: 90, ABNT: 90})
	opt, err := f.engine.Optimize(context.Background(), "org-2")
	require.NoError(t, err)
	assert.Equal(t, 25, opt.BasedOnAnalyses)
	assert.InDelta(t, 100, opt.SuggestedWeights.Sum(), orgconfig.WeightSumTolerance)
	require.NotEmpty(t, opt.Improvements)
	assert.Contains(t, opt.Reasoning, "legal")
}

func TestGenerateFiltersInactiveRules(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	cfg, err := f.configs.Resolve(ctx, "org-1")
	require.NoError(t, err)
	rules := []orgconfig.CustomRule{
		{ID: "on", Name: "on", Pattern: "prazo", PatternType: orgconfig.PatternKeyword, Category: orgconfig.CategoryLegal, Severity: orgconfig.SeverityHigh, Weight: 3, IsActive: true},
		{ID: "off", Name: "off", Pattern: "multa", PatternType: orgconfig.PatternKeyword, Category: orgconfig.CategoryLegal, Severity: orgconfig.SeverityLow, Weight: 1, IsActive: false},
	}
	_, err = f.configs.Update(ctx, "org-1", cfg.ID, orgconfig.UpdateInput{ExpectedVersion: cfg.Version, CustomRules: &rules})
	require.NoError(t, err)

	p, err := f.engine.Generate(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, p.HasRule("on"))
	assert.False(t, p.HasRule("off"))
}
