package audit

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/castellan-project/castellan/pkg/errors"
	"github.com/castellan-project/castellan/pkg/models"
)

// csvHeader is the fixed column set compliance tooling expects.
var csvHeader = []string{"ID", "Timestamp", "Event Type", "User ID", "Action", "Outcome", "IP Address", "Resource"}

// Export serializes the filtered events to the requested format and returns
// the payload together with its SHA-256 checksum.
func (l *Ledger) Export(format ExportFormat, filter QueryFilter) (*ExportResult, error) {
	result, err := l.QueryEvents(filter)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch format {
	case ExportJSON:
		payload, err = exportJSON(result.Events)
	case ExportCSV:
		payload, err = exportCSV(result.Events)
	case ExportXML:
		payload, err = exportXML(result.Events)
	default:
		return nil, errors.NewValidationError("format", fmt.Sprintf("unsupported export format %q", format))
	}
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(payload)
	return &ExportResult{
		Format:   format,
		Payload:  payload,
		Checksum: hex.EncodeToString(sum[:]),
		Count:    len(result.Events),
	}, nil
}

func exportJSON(events []*models.AuditEvent) ([]byte, error) {
	if events == nil {
		events = []*models.AuditEvent{}
	}
	payload, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal events to JSON: %w", err)
	}
	return payload, nil
}

func exportCSV(events []*models.AuditEvent) ([]byte, error) {
	var buf strings.Builder
	writer := csv.NewWriter(&buf)

	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write CSV header: %w", err)
	}
	for _, ev := range events {
		row := []string{
			ev.ID,
			ev.Timestamp.Format(time.RFC3339),
			string(ev.Type),
			ev.UserID,
			ev.Action,
			string(ev.Outcome),
			ev.IPAddress,
			ev.Resource,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush CSV: %w", err)
	}
	return []byte(buf.String()), nil
}

// xmlEvent mirrors the event fields exposed in XML exports.
type xmlEvent struct {
	XMLName   xml.Name `xml:"event"`
	ID        string   `xml:"id"`
	Timestamp string   `xml:"timestamp"`
	Type      string   `xml:"type"`
	UserID    string   `xml:"userId,omitempty"`
	Action    string   `xml:"action"`
	Outcome   string   `xml:"outcome"`
	IPAddress string   `xml:"ipAddress,omitempty"`
	Resource  string   `xml:"resource,omitempty"`
	Hash      string   `xml:"hash"`
}

type xmlAuditLog struct {
	XMLName xml.Name   `xml:"auditLog"`
	Events  []xmlEvent `xml:"event"`
}

func exportXML(events []*models.AuditEvent) ([]byte, error) {
	doc := xmlAuditLog{Events: make([]xmlEvent, 0, len(events))}
	for _, ev := range events {
		doc.Events = append(doc.Events, xmlEvent{
			ID:        ev.ID,
			Timestamp: ev.Timestamp.Format(time.RFC3339),
			Type:      string(ev.Type),
			UserID:    ev.UserID,
			Action:    ev.Action,
			Outcome:   string(ev.Outcome),
			IPAddress: ev.IPAddress,
			Resource:  ev.Resource,
			Hash:      ev.Integrity.Hash,
		})
	}

	payload, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal events to XML: %w", err)
	}
	return append([]byte(xml.Header), payload...), nil
}
