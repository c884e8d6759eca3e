package keys

import (
	"context"
	"time"

	"github.com/castellan-project/castellan/internal/audit"
	"github.com/castellan-project/castellan/pkg/models"
)

// SoftwareProviderName selects the in-process crypto keystore.
const SoftwareProviderName = "software"

// KeySpec describes the material a provider must generate.
type KeySpec struct {
	Algorithm models.KeyAlgorithm
	Size      int
	Purposes  []models.KeyPurpose
}

// Provider abstracts where key material lives: the software keystore or an
// external HSM. Handles are opaque; the core never inspects provider-internal
// material.
type Provider interface {
	GenerateKey(ctx context.Context, keyID string, spec KeySpec) (handle string, err error)
	RevokeKey(ctx context.Context, handle string) error
	DestroyKey(ctx context.Context, handle string) error
	ExportKey(ctx context.Context, handle string) ([]byte, error)
}

// MetadataStore persists key metadata. Production deployments back this with
// a secrets-capable store; the in-memory implementation serves tests and
// standalone use.
type MetadataStore interface {
	Save(ctx context.Context, key *models.KeyMetadata) error
	Get(ctx context.Context, keyID string) (*models.KeyMetadata, error)
	Update(ctx context.Context, key *models.KeyMetadata) error
	List(ctx context.Context) ([]*models.KeyMetadata, error)
}

// Recorder receives audit events for key lifecycle operations.
type Recorder interface {
	LogEvent(ctx context.Context, entry audit.Entry) (*models.AuditEvent, error)
}

// GenerateKeyRequest is the administrative request to create a key.
type GenerateKeyRequest struct {
	Algorithm      models.KeyAlgorithm         `validate:"required"`
	Size           int                         `validate:"required,gt=0"`
	Purposes       []models.KeyPurpose         `validate:"required,min=1"`
	Classification models.Classification       `validate:"required"`
	Compliance     []models.ComplianceStandard `validate:"-"`
	Approvers      []string                    `validate:"-"`
	Provider       string                      `validate:"-"`
	ExpiresAt      *time.Time                  `validate:"-"`
	Rotation       *models.RotationPolicy      `validate:"-"`
}

// ComplianceIssueCode identifies a class of key-compliance finding.
type ComplianceIssueCode string

const (
	IssueExpiryOverdue       ComplianceIssueCode = "expiry_overdue"
	IssueRotationOverdue     ComplianceIssueCode = "rotation_overdue"
	IssueRotationApproaching ComplianceIssueCode = "rotation_approaching"
	IssueKeySizeBelowMinimum ComplianceIssueCode = "key_size_below_minimum"
	IssueHSMRequired         ComplianceIssueCode = "hsm_required"
)

// ComplianceIssue is one finding of a key compliance check.
type ComplianceIssue struct {
	Code     ComplianceIssueCode
	Standard models.ComplianceStandard
	Message  string
}

// ComplianceResult is the outcome of a key compliance check. Findings are
// advisory; the check never mutates key state.
type ComplianceResult struct {
	KeyID     string
	Compliant bool
	Issues    []ComplianceIssue
	CheckedAt time.Time
}
