package audit

import (
	"context"
	"time"

	"github.com/castellan-project/castellan/pkg/models"
)

// ChainStore persists sealed chains. Sealed chains are immutable; the store
// must treat writes as append-only.
type ChainStore interface {
	SaveChain(ctx context.Context, chain *models.AuditLogChain) error
}

// Signer produces and verifies the non-repudiation signature on events. The
// crypto service satisfies this through its HMAC operations.
type Signer interface {
	HMAC(data []byte, keyID string) ([]byte, error)
	VerifyHMAC(data, expected []byte, keyID string) (bool, error)
}

// Entry is the caller-supplied portion of an audit event.
type Entry struct {
	Type      models.AuditEventType
	Action    string
	Outcome   models.AuditOutcome
	Details   map[string]any
	Severity  models.AuditSeverity
	UserID    string
	SessionID string
	IPAddress string
	Resource  string
}

// QueryFilter narrows an event query.
type QueryFilter struct {
	Since    time.Time
	Until    time.Time
	Type     models.AuditEventType
	UserID   string
	Severity models.AuditSeverity
	Resource string
	Outcome  models.AuditOutcome
	Offset   int
	Limit    int
}

// QueryResult is a page of events plus the integrity status of the returned
// slice.
type QueryResult struct {
	Events    []*models.AuditEvent
	Total     int
	Integrity models.IntegrityStatus
	Problems  []string
}

// VerificationResult reports the outcome of an integrity verification.
type VerificationResult struct {
	Status   models.IntegrityStatus
	Checked  int
	Problems []string
}

// ExportFormat selects the serialization of an audit export.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
	ExportXML  ExportFormat = "xml"
)

// ExportResult is a serialized audit extract with its payload checksum.
type ExportResult struct {
	Format   ExportFormat
	Payload  []byte
	Checksum string
	Count    int
}

// ComplianceVerdict is the outcome of a compliance report.
type ComplianceVerdict string

const (
	VerdictCompliant ComplianceVerdict = "compliant"
	VerdictWarning   ComplianceVerdict = "warning"
)

// ComplianceReport summarizes audit activity against one standard.
type ComplianceReport struct {
	Standard     models.ComplianceStandard
	PeriodStart  time.Time
	PeriodEnd    time.Time
	TotalEvents  int
	ByType       map[models.AuditEventType]int
	ByOutcome    map[models.AuditOutcome]int
	Verdict      ComplianceVerdict
	Findings     []string
	Remediations []string
	GeneratedAt  time.Time
}
