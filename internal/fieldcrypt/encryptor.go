package fieldcrypt

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/castellan-project/castellan/internal/audit"
	"github.com/castellan-project/castellan/internal/crypto"
	"github.com/castellan-project/castellan/pkg/errors"
	"github.com/castellan-project/castellan/pkg/metrics"
	"github.com/castellan-project/castellan/pkg/models"
)

const (
	// DefaultKeyID is the symmetric key used for field encryption.
	DefaultKeyID = "field-encryption"
	// indexKeyID keys the blind-index HMAC. Separate from the encryption
	// key so neither compromises the other.
	indexKeyID = "field-index"
)

// Recorder receives audit events for bulk field operations.
type Recorder interface {
	LogEvent(ctx context.Context, entry audit.Entry) (*models.AuditEvent, error)
}

// Option configures the encryptor.
type Option func(*Encryptor)

// WithClassifier sets the field classifier.
func WithClassifier(c *Classifier) Option {
	return func(e *Encryptor) { e.classifier = c }
}

// WithRecorder sets the audit recorder.
func WithRecorder(rec Recorder) Option {
	return func(e *Encryptor) { e.auditor = rec }
}

// WithKeyID overrides the field encryption key ID.
func WithKeyID(keyID string) Option {
	return func(e *Encryptor) { e.keyID = keyID }
}

// WithLogger sets the encryptor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Encryptor) { e.logger = logger }
}

// WithMetrics enables the per-field operation counter.
func WithMetrics(core *metrics.CoreMetrics) Option {
	return func(e *Encryptor) { e.metrics = core }
}

// Encryptor encrypts and decrypts individual record fields.
type Encryptor struct {
	crypto     *crypto.Service
	classifier *Classifier
	auditor    Recorder
	keyID      string
	logger     *slog.Logger
	metrics    *metrics.CoreMetrics
}

// NewEncryptor creates a field encryptor. The encryption and blind-index
// keys are created in the keystore if absent.
func NewEncryptor(svc *crypto.Service, opts ...Option) (*Encryptor, error) {
	e := &Encryptor{
		crypto:     svc,
		classifier: NewClassifier(nil),
		keyID:      DefaultKeyID,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, keyID := range []string{e.keyID, indexKeyID} {
		if !svc.HasKey(keyID) {
			if err := svc.GenerateSymmetricKey(keyID); err != nil {
				return nil, fmt.Errorf("create field key %s: %w", keyID, err)
			}
		}
	}
	return e, nil
}

// EncryptField encrypts a single value. Non-string values are serialized to
// canonical JSON first. A nil config triggers detection by field name and
// value shape.
func (e *Encryptor) EncryptField(value any, fieldName string, cfg *FieldConfig) (*models.EncryptedField, error) {
	config := FieldConfig{}
	if cfg != nil {
		config = *cfg
	} else {
		config, _ = e.classifier.ConfigFor(fieldName, stringValue(value))
	}

	plaintext, err := canonicalString(value)
	if err != nil {
		e.observe("encrypt", "failure")
		return nil, errors.NewValidationError(fieldName, err.Error())
	}

	payload, err := e.crypto.EncryptAEAD([]byte(plaintext), e.keyID)
	if err != nil {
		e.observe("encrypt", "failure")
		return nil, fmt.Errorf("encrypt field %s: %w", fieldName, err)
	}

	field := &models.EncryptedField{
		Ciphertext:  base64.StdEncoding.EncodeToString(payload.Ciphertext),
		FieldType:   config.Type,
		Algorithm:   string(models.AlgorithmAES256GCM),
		KeyID:       e.keyID,
		IV:          base64.StdEncoding.EncodeToString(payload.IV),
		AuthTag:     base64.StdEncoding.EncodeToString(payload.AuthTag),
		EncryptedAt: time.Now().UTC(),
		MaskedValue: maskValue(plaintext, config.MaskPattern),
	}

	if config.Searchable && config.Type != models.FieldPassword && config.Type != models.FieldAPIKey {
		index, err := e.blindIndex(plaintext)
		if err != nil {
			e.observe("encrypt", "failure")
			return nil, err
		}
		field.SearchHash = index
	}

	e.observe("encrypt", "success")
	return field, nil
}

// DecryptField recovers the original value. JSON-shaped plaintext is
// re-parsed so round-trips preserve non-string types.
func (e *Encryptor) DecryptField(field *models.EncryptedField) (any, error) {
	ciphertext, iv, tag, err := decodeField(field)
	if err != nil {
		e.observe("decrypt", "failure")
		return nil, err
	}

	plaintext, err := e.crypto.DecryptAEAD(ciphertext, field.KeyID, iv, tag)
	if err != nil {
		e.observe("decrypt", "failure")
		return nil, fmt.Errorf("decrypt field: %w", err)
	}
	e.observe("decrypt", "success")

	text := string(plaintext)
	if looksLikeJSON(text) {
		var parsed any
		if err := json.Unmarshal(plaintext, &parsed); err == nil {
			return parsed, nil
		}
	}
	return text, nil
}

// EncryptFields bulk-encrypts a record. With autoDetect, only fields the
// classifier recognizes are encrypted; the rest pass through. A field that
// fails to encrypt keeps its original value; the failure is logged, not
// fatal.
func (e *Encryptor) EncryptFields(ctx context.Context, record map[string]any, autoDetect bool) (map[string]models.FieldValue, error) {
	out := make(map[string]models.FieldValue, len(record))
	failures := 0

	for name, value := range record {
		var cfg *FieldConfig
		if autoDetect {
			detected, detection := e.classifier.ConfigFor(name, stringValue(value))
			if detection.Type == models.FieldGeneric {
				out[name] = models.PlainValue(value)
				continue
			}
			cfg = &detected
		}

		field, err := e.EncryptField(value, name, cfg)
		if err != nil {
			e.logger.Warn("field encryption failed, keeping plaintext", "field", name, "error", err)
			out[name] = models.PlainValue(value)
			failures++
			continue
		}
		out[name] = models.EncryptedValue(field)
	}

	e.audit(ctx, audit.Entry{
		Type:    models.EventTypeDataAccess,
		Action:  "encrypt_fields",
		Outcome: bulkOutcome(failures),
		Details: map[string]any{"fields": len(record), "failures": failures},
	})
	return out, nil
}

// DecryptFields bulk-decrypts a record. A field that fails to decrypt falls
// back to its masked placeholder.
func (e *Encryptor) DecryptFields(ctx context.Context, record map[string]models.FieldValue) (map[string]any, error) {
	out := make(map[string]any, len(record))
	failures := 0

	for name, value := range record {
		if !value.IsEncrypted() {
			out[name] = value.Plain
			continue
		}
		plain, err := e.DecryptField(value.Encrypted)
		if err != nil {
			e.logger.Warn("field decryption failed, using masked value", "field", name, "error", err)
			out[name] = value.Encrypted.MaskedValue
			failures++
			continue
		}
		out[name] = plain
	}

	e.audit(ctx, audit.Entry{
		Type:    models.EventTypeDataAccess,
		Action:  "decrypt_fields",
		Outcome: bulkOutcome(failures),
		Details: map[string]any{"fields": len(record), "failures": failures},
	})
	return out, nil
}

// SearchEncryptedFields returns the indexes of records whose named field's
// blind index matches the probe value. Equality search only.
func (e *Encryptor) SearchEncryptedFields(records []map[string]models.FieldValue, fieldName, value string) ([]int, error) {
	probe, err := e.blindIndex(value)
	if err != nil {
		return nil, err
	}

	var matches []int
	for i, record := range records {
		field, ok := record[fieldName]
		if !ok || !field.IsEncrypted() || field.Encrypted.SearchHash == "" {
			continue
		}
		if field.Encrypted.SearchHash == probe {
			matches = append(matches, i)
		}
	}
	return matches, nil
}

// ValidateCompliance checks an encrypted field against required standards:
// the field type's configured compliance must cover them, the algorithm must
// be AEAD-strength, and the referenced key must still exist.
func (e *Encryptor) ValidateCompliance(fieldName string, field *models.EncryptedField, required []models.ComplianceStandard) error {
	if field.Algorithm != string(models.AlgorithmAES256GCM) {
		return errors.NewComplianceError("", fieldName,
			fmt.Sprintf("algorithm %s does not meet the AES-256-GCM requirement", field.Algorithm))
	}

	configured := DefaultConfig(field.FieldType).Compliance
	covered := make(map[models.ComplianceStandard]bool, len(configured))
	for _, standard := range configured {
		covered[standard] = true
	}
	for _, standard := range required {
		if !covered[standard] {
			return errors.NewComplianceError(string(standard), fieldName,
				fmt.Sprintf("field type %s is not configured for %s", field.FieldType, standard))
		}
	}

	if !e.crypto.HasKey(field.KeyID) {
		return errors.NewComplianceError("", fieldName,
			fmt.Sprintf("encryption key %s is no longer available", field.KeyID))
	}
	return nil
}

// blindIndex is a deterministic HMAC of the plaintext. Deterministic by
// necessity: equality search requires it, and that determinism leaks value
// equality across records.
func (e *Encryptor) blindIndex(plaintext string) (string, error) {
	mac, err := e.crypto.HMAC([]byte(plaintext), indexKeyID)
	if err != nil {
		return "", fmt.Errorf("compute blind index: %w", err)
	}
	return hex.EncodeToString(mac), nil
}

func (e *Encryptor) observe(direction, result string) {
	if e.metrics == nil {
		return
	}
	e.metrics.FieldOperations.WithLabelValues(direction, result).Inc()
}

func (e *Encryptor) audit(ctx context.Context, entry audit.Entry) {
	if e.auditor == nil {
		return
	}
	if _, err := e.auditor.LogEvent(ctx, entry); err != nil {
		e.logger.Error("failed to audit field operation", "action", entry.Action, "error", err)
	}
}

// maskValue fills the pattern's # placeholders left-to-right with the last
// len(#) characters of the plaintext. Placeholders with no corresponding
// plaintext character become ?.
func maskValue(plaintext, pattern string) string {
	if pattern == "" {
		return ""
	}

	holes := strings.Count(pattern, "#")
	source := plaintext
	if holes < len(source) {
		source = source[len(source)-holes:]
	}

	var b strings.Builder
	idx := 0
	for _, r := range pattern {
		if r != '#' {
			b.WriteRune(r)
			continue
		}
		if idx < len(source) {
			b.WriteByte(source[idx])
			idx++
		} else {
			b.WriteByte('?')
		}
	}
	return b.String()
}

func bulkOutcome(failures int) models.AuditOutcome {
	if failures > 0 {
		return models.OutcomeFailure
	}
	return models.OutcomeSuccess
}

func decodeField(field *models.EncryptedField) (ciphertext, iv, tag []byte, err error) {
	if ciphertext, err = base64.StdEncoding.DecodeString(field.Ciphertext); err != nil {
		return nil, nil, nil, errors.NewValidationError("ciphertext", "not valid base64")
	}
	if iv, err = base64.StdEncoding.DecodeString(field.IV); err != nil {
		return nil, nil, nil, errors.NewValidationError("iv", "not valid base64")
	}
	if tag, err = base64.StdEncoding.DecodeString(field.AuthTag); err != nil {
		return nil, nil, nil, errors.NewValidationError("auth_tag", "not valid base64")
	}
	return ciphertext, iv, tag, nil
}

// canonicalString serializes the value for encryption: strings pass through,
// everything else becomes compact JSON.
func canonicalString(value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("serialize value: %v", err)
	}
	return string(raw), nil
}

func stringValue(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

// looksLikeJSON is deliberately limited to objects and arrays. Bare numeric
// strings (SSNs, account numbers) must round-trip as strings, not float64.
func looksLikeJSON(s string) bool {
	trimmed := strings.TrimSpace(s)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}
