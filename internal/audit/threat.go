package audit

import (
	"time"

	"admin-security/internal/models"
)

type Thresholds struct {
	Critical int
	High     int
	Medium   int
}

func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 50, High: 20, Medium: 5}
}

// Level maps a score onto a severity band.
func (t Thresholds) Level(score int) models.Severity {
	switch {
	case score >= t.Critical:
		return models.SeverityCritical
	case score >= t.High:
		return models.SeverityHigh
	case score >= t.Medium:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// ThreatAssessment is a heuristic score of recent activity from one address.
type ThreatAssessment struct {
	IP         string          `json:"ip"`
	Score      int             `json:"score"`
	Level      models.Severity `json:"level"`
	EventCount int             `json:"event_count"`
	Window     time.Duration   `json:"window"`
	AssessedAt time.Time       `json:"assessed_at"`
}

// Score sums severity weights.
func Score(events []*models.AuditEvent) int {
	total := 0
	for _, e := range events {
		total += Weight(e.Severity)
	}
	return total
}
