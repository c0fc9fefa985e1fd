package orgconfig

import (
	"strings"

	"compliance-backend/internal/shared/config"
)

var defaultPresetWeights = map[Preset]Weights{
	PresetRigorous:  {Structural: 15, Legal: 60, Clarity: 20, ABNT: 5},
	PresetStandard:  {Structural: 25, Legal: 25, Clarity: 25, ABNT: 25},
	PresetTechnical: {Structural: 35, Legal: 25, Clarity: 15, ABNT: 25},
	PresetFast:      {Structural: 30, Legal: 40, Clarity: 20, ABNT: 10},
	PresetCustom:    {Structural: 25, Legal: 25, Clarity: 25, ABNT: 25},
}

// PresetInfo describes one catalogue entry.
type PresetInfo struct {
	Name    Preset  `json:"name"`
	Weights Weights `json:"weights"`
}

// PresetCatalog maps presets to their default weights.
type PresetCatalog struct {
	weights map[Preset]Weights
}

// NewPresetCatalog builds the catalogue, applying overrides from the engine config.
// Overrides for unknown presets or with unbalanced weights are ignored.
func NewPresetCatalog(overrides map[string]config.PresetWeights) *PresetCatalog {
	weights := make(map[Preset]Weights, len(defaultPresetWeights))
	for p, w := range defaultPresetWeights {
		weights[p] = w
	}
	for name, o := range overrides {
		p := Preset(strings.ToLower(strings.TrimSpace(name)))
		w := Weights{Structural: o.Structural, Legal: o.Legal, Clarity: o.Clarity, ABNT: o.ABNT}
		if !p.Valid() || !w.Balanced() {
			continue
		}
		weights[p] = w
	}
	return &PresetCatalog{weights: weights}
}

// Weights returns the default weights of p. Unknown presets map to standard.
func (c *PresetCatalog) Weights(p Preset) Weights {
	if c == nil {
		if w, ok := defaultPresetWeights[p]; ok {
			return w
		}
		return defaultPresetWeights[PresetStandard]
	}
	if w, ok := c.weights[p]; ok {
		return w
	}
	return c.weights[PresetStandard]
}

// List returns every preset in catalogue order.
func (c *PresetCatalog) List() []PresetInfo {
	out := make([]PresetInfo, 0, len(Presets))
	for _, p := range Presets {
		out = append(out, PresetInfo{Name: p, Weights: c.Weights(p)})
	}
	return out
}
