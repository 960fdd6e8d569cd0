package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"esignd/internal/domain"
)

// Audit log export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// CSVHeader is the fixed column order of CSV exports.
var CSVHeader = []string{"timestamp", "type", "actorId", "subjectId", "severity", "description"}

// Export renders events as JSON or CSV.
func Export(events []*domain.AuditEvent, format string) ([]byte, error) {
	switch format {
	case FormatJSON:
		if events == nil {
			events = []*domain.AuditEvent{}
		}
		data, err := json.MarshalIndent(events, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode audit log: %w", err)
		}
		return data, nil
	case FormatCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write(CSVHeader); err != nil {
			return nil, err
		}
		for _, e := range events {
			row := []string{
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				string(e.Type),
				e.ActorID,
				e.SubjectID,
				string(e.Severity),
				e.Description,
			}
			if err := w.Write(row); err != nil {
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, fmt.Errorf("encode audit csv: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedFormat, format)
	}
}
