package parameters

import (
	"time"

	"compliance-backend/internal/orgconfig"
)

// EngineVersion identifies the adaptive algorithm revision.
const EngineVersion = "1.0.0"

// Adjustments describes how history moved the weights away from the configured ones.
type Adjustments struct {
	// WeightAdjustments holds final minus configured weight for every category that moved.
	WeightAdjustments map[orgconfig.Category]float64 `json:"weightAdjustments"`
	ConfidenceScore   float64                        `json:"confidenceScore"`
	BasedOnAnalyses   int                            `json:"basedOnAnalyses"`
	LastUpdated       time.Time                      `json:"lastUpdated"`
}

// Metadata records where a parameter set came from.
type Metadata struct {
	ConfigID      string     `json:"configId"`
	ConfigVersion int        `json:"configVersion"`
	EngineVersion string     `json:"engineVersion"`
	GeneratedAt   time.Time  `json:"generatedAt"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// Parameters is the effective analysis parameter set of an organization.
// AdaptiveAdjustments is nil until enough history exists.
type Parameters struct {
	OrganizationID      string                 `json:"organizationId"`
	Preset              orgconfig.Preset       `json:"preset"`
	Weights             orgconfig.Weights      `json:"weights"`
	BaseWeights         orgconfig.Weights      `json:"baseWeights"`
	CustomRules         []orgconfig.CustomRule `json:"customRules"`
	TimeoutSeconds      int                    `json:"timeoutSeconds"`
	MaxRetries          int                    `json:"maxRetries"`
	EnableAIAnalysis    bool                   `json:"enableAIAnalysis"`
	StrictMode          bool                   `json:"strictMode"`
	AdaptiveAdjustments *Adjustments           `json:"adaptiveAdjustments,omitempty"`
	Metadata            Metadata               `json:"metadata"`
}

// Clone returns a deep copy so callers cannot mutate cached values.
func (p Parameters) Clone() Parameters {
	out := p
	if p.CustomRules != nil {
		out.CustomRules = make([]orgconfig.CustomRule, len(p.CustomRules))
		copy(out.CustomRules, p.CustomRules)
	}
	if p.AdaptiveAdjustments != nil {
		adj := *p.AdaptiveAdjustments
		adj.WeightAdjustments = make(map[orgconfig.Category]float64, len(p.AdaptiveAdjustments.WeightAdjustments))
		for k, v := range p.AdaptiveAdjustments.WeightAdjustments {
			adj.WeightAdjustments[k] = v
		}
		out.AdaptiveAdjustments = &adj
	}
	if p.Metadata.ExpiresAt != nil {
		t := *p.Metadata.ExpiresAt
		out.Metadata.ExpiresAt = &t
	}
	return out
}

// HasRule reports whether an active rule with id is part of the set.
func (p Parameters) HasRule(id string) bool {
	for _, r := range p.CustomRules {
		if r.ID == id {
			return true
		}
	}
	return false
}

// Improvement is one suggested weight change of an optimization.
type Improvement struct {
	Category            orgconfig.Category `json:"category"`
	CurrentWeight       float64            `json:"currentWeight"`
	SuggestedWeight     float64            `json:"suggestedWeight"`
	ExpectedImprovement float64            `json:"expectedImprovement"`
}

// Optimization is a weight suggestion derived from history. It is never applied automatically.
type Optimization struct {
	SuggestedWeights orgconfig.Weights `json:"suggestedWeights"`
	Reasoning        string            `json:"reasoning"`
	Confidence       float64           `json:"confidence"`
	BasedOnAnalyses  int               `json:"basedOnAnalyses"`
	Improvements     []Improvement     `json:"improvements"`
}

// Stats is a read-only snapshot of engine state.
type Stats struct {
	Version     string   `json:"version"`
	CacheSize   int      `json:"cacheSize"`
	CacheHits   int64    `json:"cacheHits"`
	CacheMisses int64    `json:"cacheMisses"`
	HitRate     float64  `json:"cacheHitRate"`
	InFlight    int64    `json:"inFlight"`
	Settings    Settings `json:"settings"`
}

// Settings is the serializable form of Options.
type Settings struct {
	EnableAdaptiveWeights bool    `json:"enableAdaptiveWeights"`
	EnableLearningMode    bool    `json:"enableLearningMode"`
	AdaptationThreshold   int     `json:"adaptationThreshold"`
	MaxWeightAdjustment   float64 `json:"maxWeightAdjustment"`
	CacheTTLSeconds       int     `json:"cacheTtlSeconds"`
	HistoryWindowDays     int     `json:"historyWindowDays"`
	HistoryLimit          int     `json:"historyLimit"`
}
