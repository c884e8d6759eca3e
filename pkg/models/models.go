// Package models defines the core domain types for Castellan.
package models

import (
	"time"
)

// Classification represents the security classification level of a key or record.
type Classification string

const (
	ClassificationPublic       Classification = "PUBLIC"
	ClassificationInternal     Classification = "INTERNAL"
	ClassificationConfidential Classification = "CONFIDENTIAL"
	ClassificationRestricted   Classification = "RESTRICTED"
	ClassificationTopSecret    Classification = "TOP_SECRET"
)

// Rank returns the ordinal position of the classification, PUBLIC being lowest.
func (c Classification) Rank() int {
	switch c {
	case ClassificationPublic:
		return 0
	case ClassificationInternal:
		return 1
	case ClassificationConfidential:
		return 2
	case ClassificationRestricted:
		return 3
	case ClassificationTopSecret:
		return 4
	default:
		return -1
	}
}

// ComplianceStandard represents an external regulatory framework.
type ComplianceStandard string

const (
	ComplianceGDPR   ComplianceStandard = "GDPR"
	ComplianceHIPAA  ComplianceStandard = "HIPAA"
	ComplianceSOX    ComplianceStandard = "SOX"
	CompliancePCIDSS ComplianceStandard = "PCI-DSS"
)

// KeyState represents the lifecycle state of a key.
//
// Transitions are monotonic and one-directional:
// ACTIVE -> {INACTIVE, REVOKED, DESTROYED}, INACTIVE -> {REVOKED, DESTROYED}.
// REVOKED and DESTROYED are terminal.
type KeyState string

const (
	KeyStateActive    KeyState = "ACTIVE"
	KeyStateInactive  KeyState = "INACTIVE"
	KeyStateRevoked   KeyState = "REVOKED"
	KeyStateDestroyed KeyState = "DESTROYED"
)

// KeyPurpose represents the intended usage of a key.
type KeyPurpose string

const (
	KeyPurposeEncrypt KeyPurpose = "encrypt"
	KeyPurposeDecrypt KeyPurpose = "decrypt"
	KeyPurposeSign    KeyPurpose = "sign"
	KeyPurposeVerify  KeyPurpose = "verify"
	KeyPurposeWrap    KeyPurpose = "wrap"
)

// KeyAlgorithm identifies the cryptographic algorithm of a key.
type KeyAlgorithm string

const (
	AlgorithmAES256GCM  KeyAlgorithm = "AES-256-GCM"
	AlgorithmRSA2048    KeyAlgorithm = "RSA-2048"
	AlgorithmRSA4096    KeyAlgorithm = "RSA-4096"
	AlgorithmHMACSHA256 KeyAlgorithm = "HMAC-SHA256"
)

// RotationPolicy describes automatic rotation behaviour for a key.
type RotationPolicy struct {
	Enabled      bool          `json:"enabled"`
	Interval     time.Duration `json:"interval"`
	AutoRotate   bool          `json:"auto_rotate"`
	LastRotation time.Time     `json:"last_rotation"`
	NextRotation time.Time     `json:"next_rotation"`
}

// KeyAccessRecord is a single entry of a key's access log.
type KeyAccessRecord struct {
	UserID    string    `json:"user_id"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

// KeyMetadata holds the administrative state of a managed key. Key material
// itself never appears here; it lives in the crypto keystore or in the HSM.
type KeyMetadata struct {
	ID             string               `json:"id"`
	Algorithm      KeyAlgorithm         `json:"algorithm"`
	Size           int                  `json:"size"`
	Purposes       []KeyPurpose         `json:"purposes"`
	Classification Classification       `json:"classification"`
	Compliance     []ComplianceStandard `json:"compliance,omitempty"`
	State          KeyState             `json:"state"`
	HSMProvider    string               `json:"hsm_provider,omitempty"`
	HSMHandle      string               `json:"hsm_handle,omitempty"`
	Rotation       *RotationPolicy      `json:"rotation,omitempty"`
	Owner          string               `json:"owner"`
	Approvers      []string             `json:"approvers,omitempty"`
	AccessLog      []KeyAccessRecord    `json:"access_log,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	ExpiresAt      *time.Time           `json:"expires_at,omitempty"`
	LastUsedAt     time.Time            `json:"last_used_at"`
	RevokedReason  string               `json:"revoked_reason,omitempty"`
}

// HighClassification reports whether the key requires approver co-signing
// for destructive operations.
func (k *KeyMetadata) HighClassification() bool {
	return k.Classification == ClassificationRestricted || k.Classification == ClassificationTopSecret
}

// Permission identifies a discrete capability granted through roles.
type Permission string

const (
	PermissionFileRead       Permission = "FILE_READ"
	PermissionFileWrite      Permission = "FILE_WRITE"
	PermissionFileDelete     Permission = "FILE_DELETE"
	PermissionProjectRead    Permission = "PROJECT_READ"
	PermissionProjectWrite   Permission = "PROJECT_WRITE"
	PermissionUserRead       Permission = "USER_READ"
	PermissionUserWrite      Permission = "USER_WRITE"
	PermissionBillingRead    Permission = "BILLING_READ"
	PermissionBillingWrite   Permission = "BILLING_WRITE"
	PermissionAuditRead      Permission = "AUDIT_READ"
	PermissionSecurityConfig Permission = "SECURITY_CONFIG"
	PermissionKeyManage      Permission = "KEY_MANAGE"
	PermissionSystemAdmin    Permission = "SYSTEM_ADMIN"
)

// RoleConstraint is a deployment-level restriction on holders of a role.
// The core records constraints; enforcement happens at the authentication layer.
type RoleConstraint string

const (
	ConstraintMFARequired      RoleConstraint = "mfa_required"
	ConstraintIPAllowList      RoleConstraint = "ip_allow_list"
	ConstraintBusinessHours    RoleConstraint = "business_hours_only"
	ConstraintApprovalRequired RoleConstraint = "approval_required"
)

// RoleDefinition describes a role in the inheritance lattice.
type RoleDefinition struct {
	Name             string           `json:"name"`
	Permissions      []Permission     `json:"permissions"`
	Constraints      []RoleConstraint `json:"constraints,omitempty"`
	Inherits         []string         `json:"inherits,omitempty"`
	RequiresApproval bool             `json:"requires_approval"`
	MaxHolders       int              `json:"max_holders,omitempty"`
}

// UserRoleAssignment binds a user to a role.
//
// An assignment is effective when Active and either ExpiresAt is nil or in
// the future.
type UserRoleAssignment struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	Role        string           `json:"role"`
	AssignedBy  string           `json:"assigned_by"`
	AssignedAt  time.Time        `json:"assigned_at"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	Constraints []RoleConstraint `json:"constraints,omitempty"`
	Active      bool             `json:"active"`
}

// Effective reports whether the assignment currently grants its role.
func (a *UserRoleAssignment) Effective(now time.Time) bool {
	if !a.Active {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// PolicyEffect is the outcome a policy produces when its conditions match.
type PolicyEffect string

const (
	PolicyEffectAllow PolicyEffect = "allow"
	PolicyEffectDeny  PolicyEffect = "deny"
)

// ConditionOperator compares a context attribute against a policy value.
type ConditionOperator string

const (
	OperatorEquals     ConditionOperator = "equals"
	OperatorNotEquals  ConditionOperator = "not_equals"
	OperatorIn         ConditionOperator = "in"
	OperatorOwnerMatch ConditionOperator = "owner_match"
	OperatorExpression ConditionOperator = "expression"
)

// PolicyCondition is one clause of an access policy. All conditions of a
// policy must match for the policy to decide the outcome. Expression
// conditions carry a Rego snippet evaluated against the access context.
type PolicyCondition struct {
	Attribute  string            `json:"attribute,omitempty"`
	Operator   ConditionOperator `json:"operator" validate:"required,oneof=equals not_equals in owner_match expression"`
	Value      string            `json:"value,omitempty"`
	Values     []string          `json:"values,omitempty"`
	Expression string            `json:"expression,omitempty"`
}

// AccessPolicy is a dynamic access rule evaluated after direct role
// permissions. Higher priority evaluates first; ties break on ascending ID.
type AccessPolicy struct {
	ID           string            `json:"id" validate:"required"`
	Name         string            `json:"name" validate:"required"`
	ResourceType string            `json:"resource_type" validate:"required"`
	Conditions   []PolicyCondition `json:"conditions" validate:"dive"`
	Effect       PolicyEffect      `json:"effect" validate:"required,oneof=allow deny"`
	Priority     int               `json:"priority" validate:"gte=0"`
}

// AccessContext is the caller-supplied identity and resource context for a
// permission check. It is produced by the surrounding application's
// authentication layer.
type AccessContext struct {
	UserID        string   `json:"user_id"`
	UserRoles     []string `json:"user_roles,omitempty"`
	ResourceType  string   `json:"resource_type"`
	ResourceID    string   `json:"resource_id,omitempty"`
	ResourceOwner string   `json:"resource_owner,omitempty"`
	ProjectID     string   `json:"project_id,omitempty"`
	IPAddress     string   `json:"ip_address,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
}

// AccessDecision is the result of a permission check.
type AccessDecision struct {
	Granted    bool      `json:"granted"`
	Reason     string    `json:"reason"`
	PolicyIDs  []string  `json:"policy_ids,omitempty"`
	Permission string    `json:"permission"`
	DecidedAt  time.Time `json:"decided_at"`
}

// AuditSeverity grades an audit event.
type AuditSeverity string

const (
	SeverityLow      AuditSeverity = "LOW"
	SeverityMedium   AuditSeverity = "MEDIUM"
	SeverityHigh     AuditSeverity = "HIGH"
	SeverityCritical AuditSeverity = "CRITICAL"
)

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	EventTypeAuthentication AuditEventType = "authentication"
	EventTypeAuthorization  AuditEventType = "authorization"
	EventTypeDataAccess     AuditEventType = "data_access"
	EventTypeDataExport     AuditEventType = "data_export"
	EventTypeKeyManagement  AuditEventType = "key_management"
	EventTypeConfigChange   AuditEventType = "config_change"
	EventTypeClassification AuditEventType = "classification"
	EventTypeGDPRRequest    AuditEventType = "gdpr_request"
	EventTypeSecurityAlert  AuditEventType = "security_alert"
)

// AuditOutcome is the result of an audited action.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailure AuditOutcome = "failure"
	OutcomeDenied  AuditOutcome = "denied"
)

// EventIntegrity carries the tamper-evidence fields of an audit event.
type EventIntegrity struct {
	Hash         string `json:"hash"`
	PreviousHash string `json:"previous_hash"`
	Signature    string `json:"signature,omitempty"`
}

// AuditEvent is an immutable audit log entry. Hash covers the event without
// its own Integrity.Hash field and chains to the previous event's hash.
type AuditEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      AuditEventType `json:"type"`
	Severity  AuditSeverity  `json:"severity"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Action    string         `json:"action"`
	Outcome   AuditOutcome   `json:"outcome"`
	Details   map[string]any `json:"details,omitempty"`
	Integrity EventIntegrity `json:"integrity"`
}

// AuditLogChain is a bounded, hash-linked sequence of audit events. Once
// sealed it is immutable.
type AuditLogChain struct {
	ID        string        `json:"id"`
	Events    []*AuditEvent `json:"events"`
	StartHash string        `json:"start_hash"`
	EndHash   string        `json:"end_hash,omitempty"`
	Sealed    bool          `json:"sealed"`
	CreatedAt time.Time     `json:"created_at"`
	SealedAt  *time.Time    `json:"sealed_at,omitempty"`
}

// IntegrityStatus summarizes a chain or query-slice verification.
type IntegrityStatus string

const (
	IntegrityVerified    IntegrityStatus = "verified"
	IntegrityWarning     IntegrityStatus = "warning"
	IntegrityCompromised IntegrityStatus = "compromised"
)

// FieldType is the sensitive-data taxonomy for field-level protection.
type FieldType string

const (
	FieldSSN           FieldType = "ssn"
	FieldEmail         FieldType = "email"
	FieldPhone         FieldType = "phone"
	FieldAddress       FieldType = "address"
	FieldName          FieldType = "name"
	FieldDOB           FieldType = "date_of_birth"
	FieldPassport      FieldType = "passport"
	FieldLicense       FieldType = "drivers_license"
	FieldCreditCard    FieldType = "credit_card"
	FieldBankAccount   FieldType = "bank_account"
	FieldRoutingNumber FieldType = "routing_number"
	FieldTaxID         FieldType = "tax_id"
	FieldMRN           FieldType = "medical_record_number"
	FieldDiagnosis     FieldType = "diagnosis"
	FieldMedication    FieldType = "medication"
	FieldTreatment     FieldType = "treatment"
	FieldInsurance     FieldType = "insurance"
	FieldPassword      FieldType = "password"
	FieldAPIKey        FieldType = "api_key"
	FieldGeneric       FieldType = "generic"
)

// EncryptedField is the ciphertext form of a protected value. Decryption
// requires the exact (KeyID, IV, AuthTag) triple; a tampered ciphertext or
// tag fails authentication rather than returning wrong plaintext.
type EncryptedField struct {
	Ciphertext  string    `json:"ciphertext"`
	FieldType   FieldType `json:"field_type"`
	Algorithm   string    `json:"algorithm"`
	KeyID       string    `json:"key_id"`
	IV          string    `json:"iv"`
	AuthTag     string    `json:"auth_tag"`
	EncryptedAt time.Time `json:"encrypted_at"`
	SearchHash  string    `json:"search_hash,omitempty"`
	MaskedValue string    `json:"masked_value,omitempty"`
}

// FieldValue is the tagged union of a plain or encrypted field value, so the
// two are distinguishable by type rather than runtime shape-sniffing.
type FieldValue struct {
	Plain     any             `json:"plain,omitempty"`
	Encrypted *EncryptedField `json:"encrypted,omitempty"`
}

// IsEncrypted reports whether the value holds ciphertext.
func (v FieldValue) IsEncrypted() bool { return v.Encrypted != nil }

// PlainValue wraps a plaintext value.
func PlainValue(v any) FieldValue { return FieldValue{Plain: v} }

// EncryptedValue wraps an encrypted field.
func EncryptedValue(ef *EncryptedField) FieldValue { return FieldValue{Encrypted: ef} }

// Sensitivity is the ordinal sensitivity grade of a classified record.
type Sensitivity string

const (
	SensitivityLow      Sensitivity = "LOW"
	SensitivityModerate Sensitivity = "MODERATE"
	SensitivityHigh     Sensitivity = "HIGH"
	SensitivityCritical Sensitivity = "CRITICAL"
)

// DataProtection is the protection policy derived from a classification.
type DataProtection struct {
	EncryptionRequired bool     `json:"encryption_required"`
	AllowedRoles       []string `json:"allowed_roles,omitempty"`
	RequiresApproval   bool     `json:"requires_approval"`
	Watermark          bool     `json:"watermark"`
}

// DisposalMethod is how a record is removed at end of retention.
type DisposalMethod string

const (
	DisposalSecureDelete DisposalMethod = "secure_delete"
	DisposalArchive      DisposalMethod = "archive"
	DisposalAnonymize    DisposalMethod = "anonymize"
)

// RetentionPolicy is the retention schedule derived from compliance standards.
type RetentionPolicy struct {
	Period     time.Duration  `json:"period"`
	Disposal   DisposalMethod `json:"disposal"`
	LegalHold  bool           `json:"legal_hold"`
	ReviewDate time.Time      `json:"review_date"`
}

// ClassifiedData is the classification result for a record.
type ClassifiedData struct {
	SubjectID      string               `json:"subject_id"`
	Classification Classification       `json:"classification"`
	Sensitivity    Sensitivity          `json:"sensitivity"`
	Compliance     []ComplianceStandard `json:"compliance,omitempty"`
	Patterns       []string             `json:"patterns,omitempty"`
	Confidence     float64              `json:"confidence"`
	Protection     DataProtection       `json:"protection"`
	Retention      RetentionPolicy      `json:"retention"`
	ClassifiedBy   string               `json:"classified_by,omitempty"`
	ClassifiedAt   time.Time            `json:"classified_at"`
	Justification  string               `json:"justification,omitempty"`
}
