package audit

import (
	"fmt"
	"time"

	"esignd/internal/domain"
)

// Anomaly kinds.
const (
	AnomalyRapidSignatures = "rapid_signatures"
	AnomalyOffHoursAccess  = "off_hours_access"
)

// RapidSigningWindow is the gap below which two signatures by one actor are flagged.
const RapidSigningWindow = 30 * time.Second

// Working hours are [WorkdayStart, WorkdayEnd] inclusive, in local hours.
const (
	WorkdayStart = 7
	WorkdayEnd   = 20
)

// Anomaly is an advisory finding over a set of events.
type Anomaly struct {
	Type        string   `json:"type"`
	Severity    string   `json:"severity"`
	Count       int      `json:"count"`
	Description string   `json:"description"`
	EventIDs    []string `json:"eventIds"`
}

// DetectAnomalies flags rapid signing and off-hours activity. Events must be
// in timestamp order, as Events returns them.
func (t *Trail) DetectAnomalies(events []*domain.AuditEvent) []Anomaly {
	return DetectAnomalies(events, t.loc)
}

// DetectAnomalies is the stateless form of Trail.DetectAnomalies.
func DetectAnomalies(events []*domain.AuditEvent, loc *time.Location) []Anomaly {
	if loc == nil {
		loc = time.UTC
	}
	var out []Anomaly

	var rapid []string
	lastByActor := make(map[string]*domain.AuditEvent)
	for _, e := range events {
		if e.Type != domain.EventSignatureCreated {
			continue
		}
		if prev, ok := lastByActor[e.ActorID]; ok && e.Timestamp.Sub(prev.Timestamp) < RapidSigningWindow {
			rapid = append(rapid, prev.ID)
		}
		lastByActor[e.ActorID] = e
	}
	if len(rapid) > 0 {
		out = append(out, Anomaly{
			Type:        AnomalyRapidSignatures,
			Severity:    "medium",
			Count:       len(rapid),
			Description: fmt.Sprintf("%d rapid signatures detected", len(rapid)),
			EventIDs:    rapid,
		})
	}

	var offHours []string
	for _, e := range events {
		if e.Type != domain.EventSignatureCreated && e.Type != domain.EventDocumentAccessed {
			continue
		}
		if h := e.Timestamp.In(loc).Hour(); h < WorkdayStart || h > WorkdayEnd {
			offHours = append(offHours, e.ID)
		}
	}
	if len(offHours) > 0 {
		out = append(out, Anomaly{
			Type:        AnomalyOffHoursAccess,
			Severity:    "low",
			Count:       len(offHours),
			Description: fmt.Sprintf("%d off-hours accesses detected", len(offHours)),
			EventIDs:    offHours,
		})
	}

	return out
}

// Stats summarizes a set of events.
type Stats struct {
	Total           int                      `json:"total"`
	ByType          map[domain.EventType]int `json:"byType"`
	ByActor         map[string]int           `json:"byActor"`
	BySeverity      map[domain.Severity]int  `json:"bySeverity"`
	UniqueActors    int                      `json:"uniqueActors"`
	UniqueDocuments int                      `json:"uniqueDocuments"`
	CriticalEvents  int                      `json:"criticalEvents"`
}

// Summarize computes Stats. Documents are counted from the documentId metadata key.
func Summarize(events []*domain.AuditEvent) Stats {
	s := Stats{
		Total:      len(events),
		ByType:     make(map[domain.EventType]int),
		ByActor:    make(map[string]int),
		BySeverity: make(map[domain.Severity]int),
	}
	docs := make(map[string]struct{})
	for _, e := range events {
		s.ByType[e.Type]++
		s.ByActor[e.ActorID]++
		s.BySeverity[e.Severity]++
		if e.Severity == domain.SeverityError {
			s.CriticalEvents++
		}
		if d := e.Metadata["documentId"]; d != "" {
			docs[d] = struct{}{}
		}
	}
	s.UniqueActors = len(s.ByActor)
	s.UniqueDocuments = len(docs)
	return s
}
