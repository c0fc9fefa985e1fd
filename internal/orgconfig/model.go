package orgconfig

import (
	"math"
	"time"
)

// Category names one of the four scoring dimensions.
type Category string

const (
	CategoryStructural Category = "structural"
	CategoryLegal      Category = "legal"
	CategoryClarity    Category = "clarity"
	CategoryABNT       Category = "abnt"
)

// Categories lists every category in a fixed order.
var Categories = []Category{CategoryStructural, CategoryLegal, CategoryClarity, CategoryABNT}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

const (
	WeightSumTarget    = 100.0
	WeightSumTolerance = 0.01
)

// Weights holds the per-category weights. They must sum to WeightSumTarget.
type Weights struct {
	Structural float64 `json:"structural"`
	Legal      float64 `json:"legal"`
	Clarity    float64 `json:"clarity"`
	ABNT       float64 `json:"abnt"`
}

// Get returns the weight of c.
func (w Weights) Get(c Category) float64 {
	switch c {
	case CategoryStructural:
		return w.Structural
	case CategoryLegal:
		return w.Legal
	case CategoryClarity:
		return w.Clarity
	case CategoryABNT:
		return w.ABNT
	}
	return 0
}

// Set assigns the weight of c.
func (w *Weights) Set(c Category, v float64) {
	switch c {
	case CategoryStructural:
		w.Structural = v
	case CategoryLegal:
		w.Legal = v
	case CategoryClarity:
		w.Clarity = v
	case CategoryABNT:
		w.ABNT = v
	}
}

// Sum adds the four weights.
func (w Weights) Sum() float64 {
	return w.Structural + w.Legal + w.Clarity + w.ABNT
}

// Balanced reports whether the weights sum to 100 within tolerance.
func (w Weights) Balanced() bool {
	return math.Abs(w.Sum()-WeightSumTarget) <= WeightSumTolerance
}

// Normalized scales the weights so they sum to exactly 100, rounded to two decimals.
// Negative inputs are treated as zero; an all-zero input yields an even split.
// The rounding residue is assigned to the largest category.
func (w Weights) Normalized() Weights {
	var out Weights
	total := 0.0
	for _, c := range Categories {
		v := w.Get(c)
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		out.Set(c, v)
		total += v
	}
	if total <= 0 {
		return Weights{Structural: 25, Legal: 25, Clarity: 25, ABNT: 25}
	}

	var largest Category
	sum := 0.0
	for _, c := range Categories {
		v := round2(out.Get(c) / total * WeightSumTarget)
		out.Set(c, v)
		sum += v
		if largest == "" || v > out.Get(largest) {
			largest = c
		}
	}
	out.Set(largest, round2(out.Get(largest)+WeightSumTarget-sum))
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Preset names a catalogue entry of default weights.
type Preset string

const (
	PresetRigorous  Preset = "rigorous"
	PresetStandard  Preset = "standard"
	PresetTechnical Preset = "technical"
	PresetFast      Preset = "fast"
	PresetCustom    Preset = "custom"
)

// Presets lists every preset in catalogue order.
var Presets = []Preset{PresetRigorous, PresetStandard, PresetTechnical, PresetFast, PresetCustom}

// Valid reports whether p is a known preset.
func (p Preset) Valid() bool {
	for _, known := range Presets {
		if p == known {
			return true
		}
	}
	return false
}

// PatternType selects how a custom rule pattern is interpreted.
type PatternType string

const (
	PatternRegex   PatternType = "regex"
	PatternKeyword PatternType = "keyword"
	PatternPhrase  PatternType = "phrase"
)

// Severity ranks a finding produced by a custom rule.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// CustomRule is an organization-defined pattern check.
type CustomRule struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Pattern     string      `json:"pattern"`
	PatternType PatternType `json:"patternType"`
	Category    Category    `json:"category"`
	Severity    Severity    `json:"severity"`
	Weight      float64     `json:"weight"`
	IsActive    bool        `json:"isActive"`
}

// Settings holds per-organization execution settings.
type Settings struct {
	EnableAIAnalysis  bool `json:"enableAIAnalysis"`
	EnableCustomRules bool `json:"enableCustomRules"`
	StrictMode        bool `json:"strictMode"`
	TimeoutSeconds    int  `json:"timeoutSeconds"`
	MaxRetries        int  `json:"maxRetries"`
	RetentionDays     int  `json:"retentionDays"`
}

// DefaultSettings returns the settings a synthesized config starts with.
func DefaultSettings() Settings {
	return Settings{
		EnableAIAnalysis:  false,
		EnableCustomRules: true,
		StrictMode:        false,
		TimeoutSeconds:    300,
		MaxRetries:        3,
		RetentionDays:     365,
	}
}

// Config is the persisted analysis configuration of an organization.
type Config struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organizationId"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	Version        int          `json:"version"`
	IsActive       bool         `json:"isActive"`
	Preset         Preset       `json:"preset"`
	Weights        Weights      `json:"weights"`
	CustomRules    []CustomRule `json:"customRules"`
	Settings       Settings     `json:"settings"`
	CreatedBy      string       `json:"createdBy,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// ActiveRules returns the rules flagged active, or none when custom rules are disabled.
func (c Config) ActiveRules() []CustomRule {
	if !c.Settings.EnableCustomRules {
		return []CustomRule{}
	}
	out := make([]CustomRule, 0, len(c.CustomRules))
	for _, r := range c.CustomRules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out
}

// Tenant is the directory entry of an organization.
type Tenant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
