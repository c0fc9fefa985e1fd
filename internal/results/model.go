package results

import (
	"time"

	"compliance-backend/internal/orgconfig"
)

// Scores holds one 0..100 score per category.
type Scores struct {
	Structural float64 `json:"structural"`
	Legal      float64 `json:"legal"`
	Clarity    float64 `json:"clarity"`
	ABNT       float64 `json:"abnt"`
}

// Get returns the score of c.
func (s Scores) Get(c orgconfig.Category) float64 {
	switch c {
	case orgconfig.CategoryStructural:
		return s.Structural
	case orgconfig.CategoryLegal:
		return s.Legal
	case orgconfig.CategoryClarity:
		return s.Clarity
	case orgconfig.CategoryABNT:
		return s.ABNT
	}
	return 0
}

// SeverityCounts tallies findings by severity.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// Total returns the number of findings.
func (s SeverityCounts) Total() int {
	return s.Critical + s.High + s.Medium + s.Low
}

// Weighted returns the severity-weighted finding count.
func (s SeverityCounts) Weighted() float64 {
	return float64(4*s.Critical + 3*s.High + 2*s.Medium + s.Low)
}

// Findings maps each category to its severity tally.
type Findings map[orgconfig.Category]SeverityCounts

// Record is one completed analysis in the historical corpus.
// Scores is nil when the analyzer only reported findings.
type Record struct {
	ID             string     `json:"id"`
	AnalysisID     string     `json:"analysisId"`
	DocumentID     string     `json:"documentId"`
	OrganizationID string     `json:"organizationId"`
	Overall        float64    `json:"overall"`
	Scores         *Scores    `json:"scores,omitempty"`
	Confirmed      *Scores    `json:"confirmedScores,omitempty"`
	Findings       Findings   `json:"findings"`
	ConfirmedBy    string     `json:"confirmedBy,omitempty"`
	ConfirmedAt    *time.Time `json:"confirmedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}
