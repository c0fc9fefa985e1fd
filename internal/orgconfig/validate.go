package orgconfig

import (
	"fmt"
	"math"
	"strings"
)

// FieldError points at one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	RuleID  string `json:"ruleId,omitempty"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	IsValid bool         `json:"isValid"`
	Errors  []FieldError `json:"errors"`
}

const (
	minRuleWeight = 0.0
	maxRuleWeight = 10.0
)

// Validate checks a candidate config without persisting it. Every problem is reported.
func Validate(cfg Config) ValidationResult {
	errs := make([]FieldError, 0)
	add := func(field, ruleID, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, RuleID: ruleID, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(cfg.Name) == "" {
		add("name", "", "name is required")
	}
	if cfg.Preset != "" && !cfg.Preset.Valid() {
		add("preset", "", "unknown preset %q", cfg.Preset)
	}

	for _, c := range Categories {
		v := cfg.Weights.Get(c)
		if v < 0 || v > 100 || math.IsNaN(v) {
			add("weights."+string(c), "", "weight must be between 0 and 100")
		}
	}
	if !cfg.Weights.Balanced() {
		add("weights", "", "weights must sum to 100 (got %.2f)", cfg.Weights.Sum())
	}

	seen := make(map[string]bool, len(cfg.CustomRules))
	for i, r := range cfg.CustomRules {
		field := fmt.Sprintf("customRules[%d]", i)
		if strings.TrimSpace(r.ID) == "" {
			add(field+".id", "", "rule id is required")
		} else if seen[r.ID] {
			add(field+".id", r.ID, "duplicate rule id")
		}
		seen[r.ID] = true
		if strings.TrimSpace(r.Name) == "" {
			add(field+".name", r.ID, "rule name is required")
		}
		if !r.Category.Valid() {
			add(field+".category", r.ID, "unknown category %q", r.Category)
		}
		if !r.Severity.Valid() {
			add(field+".severity", r.ID, "unknown severity %q", r.Severity)
		}
		if r.Weight < minRuleWeight || r.Weight > maxRuleWeight || math.IsNaN(r.Weight) {
			add(field+".weight", r.ID, "rule weight must be between 0 and 10")
		}
		if _, err := r.Compile(); err != nil {
			add(field+".pattern", r.ID, "invalid %s pattern: %v", r.PatternType, err)
		}
	}

	s := cfg.Settings
	if s.TimeoutSeconds <= 0 {
		add("settings.timeoutSeconds", "", "timeout must be positive")
	}
	if s.MaxRetries < 0 {
		add("settings.maxRetries", "", "max retries must not be negative")
	}
	if s.RetentionDays <= 0 {
		add("settings.retentionDays", "", "retention must be positive")
	}

	return ValidationResult{IsValid: len(errs) == 0, Errors: errs}
}
