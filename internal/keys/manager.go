// Package keys implements the key lifecycle manager: generation, rotation,
// revocation, destruction and compliance checking of managed keys.
//
// Lifecycle transitions are monotonic. Rotation is driven by one cancellable
// timer per key plus an independent hourly sweep that catches lost timers.
package keys

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/castellan-project/castellan/internal/audit"
	"github.com/castellan-project/castellan/pkg/errors"
	"github.com/castellan-project/castellan/pkg/metrics"
	"github.com/castellan-project/castellan/pkg/models"
)

// rotationWarningWindow is how far ahead of NextRotation a compliance check
// reports "approaching".
const rotationWarningWindow = 7 * 24 * time.Hour

// Option configures the manager.
type Option func(*Manager)

// WithStore sets the metadata store.
func WithStore(store MetadataStore) Option {
	return func(m *Manager) { m.store = store }
}

// WithRecorder sets the audit recorder.
func WithRecorder(rec Recorder) Option {
	return func(m *Manager) { m.auditor = rec }
}

// WithProvider registers a named HSM provider.
func WithProvider(name string, p Provider) Option {
	return func(m *Manager) { m.providers[name] = p }
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics enables operation counters and the per-state gauge.
func WithMetrics(core *metrics.CoreMetrics) Option {
	return func(m *Manager) { m.metrics = core }
}

// WithApprovalRequirement controls whether RESTRICTED and TOP_SECRET keys
// must name approvers at generation time. Enabled by default.
func WithApprovalRequirement(required bool) Option {
	return func(m *Manager) { m.requireApproval = required }
}

// Manager owns key metadata and drives lifecycle transitions.
type Manager struct {
	store           MetadataStore
	providers       map[string]Provider
	auditor         Recorder
	scheduler       *rotationScheduler
	validate        *validator.Validate
	logger          *slog.Logger
	metrics         *metrics.CoreMetrics
	now             func() time.Time
	requireApproval bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a key lifecycle manager. The software provider must be
// registered; additional HSM providers are optional.
func NewManager(software Provider, opts ...Option) *Manager {
	m := &Manager{
		store:           NewMemoryStore(),
		providers:       map[string]Provider{SoftwareProviderName: software},
		validate:        validator.New(),
		logger:          slog.Default(),
		now:             time.Now,
		requireApproval: true,
		locks:           make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.scheduler = newRotationScheduler(m)
	return m
}

// StartSweep begins the periodic rotation-overdue sweep on the given cron
// schedule ("@hourly" when empty). It is the safety net against lost timers
// and runs until Close.
func (m *Manager) StartSweep(schedule string) error {
	return m.scheduler.startSweep(schedule)
}

// Close cancels all rotation timers and stops the sweep.
func (m *Manager) Close() {
	m.scheduler.close()
}

// keyLock returns the per-key mutex, creating it on first use. Lifecycle
// transitions on the same key are mutually exclusive.
func (m *Manager) keyLock(keyID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[keyID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[keyID] = lock
	}
	return lock
}

// GenerateKey validates the request, creates material via the selected
// provider, and stores ACTIVE metadata. RESTRICTED and TOP_SECRET keys
// require a non-empty approver list.
func (m *Manager) GenerateKey(ctx context.Context, req GenerateKeyRequest, userID string) (*models.KeyMetadata, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, errors.NewValidationError("request", err.Error())
	}
	if userID == "" {
		return nil, errors.NewValidationError("userID", "acting user is required")
	}

	key := &models.KeyMetadata{
		ID:             uuid.New().String(),
		Algorithm:      req.Algorithm,
		Size:           req.Size,
		Purposes:       req.Purposes,
		Classification: req.Classification,
		Compliance:     req.Compliance,
		State:          models.KeyStateActive,
		Owner:          userID,
		Approvers:      req.Approvers,
		CreatedAt:      m.now().UTC(),
		ExpiresAt:      req.ExpiresAt,
	}

	if m.requireApproval && key.HighClassification() && len(req.Approvers) == 0 {
		m.auditFailure(ctx, userID, key.ID, "generate_key", "missing approvers for high classification")
		return nil, errors.NewValidationError("approvers",
			fmt.Sprintf("%s keys require at least one approver", key.Classification))
	}

	providerName := req.Provider
	if providerName == "" {
		providerName = SoftwareProviderName
	}
	provider, ok := m.providers[providerName]
	if !ok {
		return nil, errors.NewValidationError("provider", fmt.Sprintf("unknown provider %q", providerName))
	}

	handle, err := provider.GenerateKey(ctx, key.ID, KeySpec{
		Algorithm: req.Algorithm,
		Size:      req.Size,
		Purposes:  req.Purposes,
	})
	if err != nil {
		return nil, fmt.Errorf("generate key material: %w", err)
	}
	key.HSMHandle = handle
	if providerName != SoftwareProviderName {
		key.HSMProvider = providerName
	}

	if req.Rotation != nil && req.Rotation.Enabled {
		rotation := *req.Rotation
		rotation.LastRotation = key.CreatedAt
		rotation.NextRotation = key.CreatedAt.Add(rotation.Interval)
		key.Rotation = &rotation
	}

	if err := m.store.Save(ctx, key); err != nil {
		_ = provider.DestroyKey(ctx, handle)
		return nil, fmt.Errorf("save key metadata: %w", err)
	}

	if key.Rotation != nil {
		m.scheduler.schedule(key.ID, key.Rotation.NextRotation)
	}

	m.audit(ctx, audit.Entry{
		Type:     models.EventTypeKeyManagement,
		Action:   "generate_key",
		Outcome:  models.OutcomeSuccess,
		UserID:   userID,
		Resource: key.ID,
		Details: map[string]any{
			"algorithm":      string(key.Algorithm),
			"size":           key.Size,
			"classification": string(key.Classification),
			"provider":       providerName,
		},
	})
	m.observe("generate_key", "success")
	m.trackState("", models.KeyStateActive)

	return key, nil
}

// GetKey returns the metadata for a key.
func (m *Manager) GetKey(ctx context.Context, keyID string) (*models.KeyMetadata, error) {
	return m.store.Get(ctx, keyID)
}

// ListKeys returns all key metadata.
func (m *Manager) ListKeys(ctx context.Context) ([]*models.KeyMetadata, error) {
	return m.store.List(ctx)
}

// RotateKey generates a successor with identical parameters under a new ID
// and marks the old key INACTIVE. Only ACTIVE keys rotate.
func (m *Manager) RotateKey(ctx context.Context, keyID, userID string) (*models.KeyMetadata, error) {
	lock := m.keyLock(keyID)
	lock.Lock()
	defer lock.Unlock()

	old, err := m.store.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if old.State != models.KeyStateActive {
		m.auditFailure(ctx, userID, keyID, "rotate_key", "key not active")
		return nil, errors.NewStateError("key "+keyID, string(old.State), string(models.KeyStateActive))
	}

	provider := m.providerFor(old)
	newKey := &models.KeyMetadata{
		ID:             uuid.New().String(),
		Algorithm:      old.Algorithm,
		Size:           old.Size,
		Purposes:       old.Purposes,
		Classification: old.Classification,
		Compliance:     old.Compliance,
		State:          models.KeyStateActive,
		HSMProvider:    old.HSMProvider,
		Owner:          old.Owner,
		Approvers:      old.Approvers,
		CreatedAt:      m.now().UTC(),
		ExpiresAt:      old.ExpiresAt,
	}

	handle, err := provider.GenerateKey(ctx, newKey.ID, KeySpec{
		Algorithm: old.Algorithm,
		Size:      old.Size,
		Purposes:  old.Purposes,
	})
	if err != nil {
		return nil, fmt.Errorf("generate rotated key material: %w", err)
	}
	newKey.HSMHandle = handle

	if old.Rotation != nil {
		rotation := *old.Rotation
		rotation.LastRotation = m.now().UTC()
		rotation.NextRotation = rotation.LastRotation.Add(rotation.Interval)
		newKey.Rotation = &rotation
	}

	if err := m.store.Save(ctx, newKey); err != nil {
		_ = provider.DestroyKey(ctx, handle)
		return nil, fmt.Errorf("save rotated key: %w", err)
	}

	old.State = models.KeyStateInactive
	if old.Rotation != nil {
		old.Rotation.LastRotation = m.now().UTC()
	}
	if err := m.store.Update(ctx, old); err != nil {
		return nil, fmt.Errorf("retire rotated key: %w", err)
	}

	m.scheduler.cancel(old.ID)
	if newKey.Rotation != nil {
		m.scheduler.schedule(newKey.ID, newKey.Rotation.NextRotation)
	}

	m.audit(ctx, audit.Entry{
		Type:     models.EventTypeKeyManagement,
		Action:   "rotate_key",
		Outcome:  models.OutcomeSuccess,
		UserID:   userID,
		Resource: keyID,
		Details:  map[string]any{"successor": newKey.ID},
	})
	m.observe("rotate_key", "success")
	m.trackState("", models.KeyStateActive)
	m.trackState(models.KeyStateActive, models.KeyStateInactive)

	return newKey, nil
}

// RevokeKey moves an ACTIVE or INACTIVE key to REVOKED, cancels its rotation
// timer, and purges cached material.
func (m *Manager) RevokeKey(ctx context.Context, keyID, userID, reason string) error {
	lock := m.keyLock(keyID)
	lock.Lock()
	defer lock.Unlock()

	key, err := m.store.Get(ctx, keyID)
	if err != nil {
		return err
	}
	if key.State != models.KeyStateActive && key.State != models.KeyStateInactive {
		m.auditFailure(ctx, userID, keyID, "revoke_key", "illegal transition")
		return errors.NewStateError("key "+keyID, string(key.State), string(models.KeyStateRevoked))
	}

	if err := m.providerFor(key).RevokeKey(ctx, key.HSMHandle); err != nil {
		return fmt.Errorf("revoke key material: %w", err)
	}

	prev := key.State
	key.State = models.KeyStateRevoked
	key.RevokedReason = reason
	if err := m.store.Update(ctx, key); err != nil {
		return fmt.Errorf("update revoked key: %w", err)
	}

	m.scheduler.cancel(keyID)

	m.audit(ctx, audit.Entry{
		Type:     models.EventTypeKeyManagement,
		Action:   "revoke_key",
		Outcome:  models.OutcomeSuccess,
		Severity: models.SeverityMedium,
		UserID:   userID,
		Resource: keyID,
		Details:  map[string]any{"reason": reason},
	})
	m.observe("revoke_key", "success")
	m.trackState(prev, models.KeyStateRevoked)
	return nil
}

// DestroyKey irreversibly destroys an ACTIVE or INACTIVE key. RESTRICTED and
// TOP_SECRET keys require the supplied approver set to cover the key's
// configured approvers, or the owner when none are configured. REVOKED is
// terminal: a revoked key cannot be destroyed.
func (m *Manager) DestroyKey(ctx context.Context, keyID, userID string, approvers []string) error {
	lock := m.keyLock(keyID)
	lock.Lock()
	defer lock.Unlock()

	key, err := m.store.Get(ctx, keyID)
	if err != nil {
		return err
	}
	if key.State != models.KeyStateActive && key.State != models.KeyStateInactive {
		m.auditFailure(ctx, userID, keyID, "destroy_key", "illegal transition")
		return errors.NewStateError("key "+keyID, string(key.State), string(models.KeyStateDestroyed))
	}

	if key.HighClassification() {
		required := key.Approvers
		if len(required) == 0 {
			required = []string{key.Owner}
		}
		if !coversAll(approvers, required) {
			m.auditFailure(ctx, userID, keyID, "destroy_key", "approval quorum not met")
			return errors.NewAuthorizationError(userID, "key "+keyID, "destroy",
				fmt.Sprintf("approval quorum not met: %d of %d required approvers", countCovered(approvers, required), len(required)))
		}
	}

	if err := m.providerFor(key).DestroyKey(ctx, key.HSMHandle); err != nil {
		return fmt.Errorf("destroy key material: %w", err)
	}

	prev := key.State
	key.State = models.KeyStateDestroyed
	if err := m.store.Update(ctx, key); err != nil {
		return fmt.Errorf("update destroyed key: %w", err)
	}

	m.scheduler.cancel(keyID)

	m.audit(ctx, audit.Entry{
		Type:     models.EventTypeKeyManagement,
		Action:   "destroy_key",
		Outcome:  models.OutcomeSuccess,
		Severity: models.SeverityHigh,
		UserID:   userID,
		Resource: keyID,
		Details:  map[string]any{"approvers": len(approvers)},
	})
	m.observe("destroy_key", "success")
	m.trackState(prev, models.KeyStateDestroyed)
	return nil
}

// minimum key sizes (bits) demanded by the standards this core tracks.
var minimumKeySizes = map[models.ComplianceStandard]map[models.KeyAlgorithm]int{
	models.CompliancePCIDSS: {
		models.AlgorithmAES256GCM:  256,
		models.AlgorithmHMACSHA256: 256,
		models.AlgorithmRSA2048:    2048,
		models.AlgorithmRSA4096:    2048,
	},
	models.ComplianceHIPAA: {
		models.AlgorithmAES256GCM:  256,
		models.AlgorithmHMACSHA256: 256,
		models.AlgorithmRSA2048:    2048,
		models.AlgorithmRSA4096:    2048,
	},
}

// CheckCompliance reports expiry, rotation, key-size and HSM findings for a
// key without mutating it.
func (m *Manager) CheckCompliance(ctx context.Context, keyID string) (*ComplianceResult, error) {
	key, err := m.store.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	result := &ComplianceResult{KeyID: keyID, Compliant: true, CheckedAt: now}
	add := func(issue ComplianceIssue) {
		result.Compliant = false
		result.Issues = append(result.Issues, issue)
	}

	if key.ExpiresAt != nil && key.ExpiresAt.Before(now) {
		add(ComplianceIssue{Code: IssueExpiryOverdue, Message: fmt.Sprintf("key expired %s", key.ExpiresAt.Format(time.RFC3339))})
	}

	if key.Rotation != nil && key.Rotation.Enabled {
		switch {
		case key.Rotation.NextRotation.Before(now):
			add(ComplianceIssue{Code: IssueRotationOverdue, Message: fmt.Sprintf("rotation was due %s", key.Rotation.NextRotation.Format(time.RFC3339))})
		case key.Rotation.NextRotation.Before(now.Add(rotationWarningWindow)):
			add(ComplianceIssue{Code: IssueRotationApproaching, Message: fmt.Sprintf("rotation due %s", key.Rotation.NextRotation.Format(time.RFC3339))})
		}
	}

	for _, standard := range key.Compliance {
		minimums, ok := minimumKeySizes[standard]
		if !ok {
			continue
		}
		if minSize, ok := minimums[key.Algorithm]; ok && key.Size < minSize {
			add(ComplianceIssue{
				Code:     IssueKeySizeBelowMinimum,
				Standard: standard,
				Message:  fmt.Sprintf("%s requires %d-bit %s keys, have %d", standard, minSize, key.Algorithm, key.Size),
			})
		}
	}

	if key.Classification == models.ClassificationTopSecret && key.HSMProvider == "" {
		add(ComplianceIssue{Code: IssueHSMRequired, Message: "TOP_SECRET keys must be HSM-backed"})
	}

	return result, nil
}

// onRotationDue runs when a key's rotation timer fires. State is re-checked
// under the key lock: a timer racing a revoke or destroy must not resurrect
// the key.
func (m *Manager) onRotationDue(keyID string) {
	ctx := context.Background()

	key, err := m.store.Get(ctx, keyID)
	if err != nil {
		m.logger.Warn("rotation timer fired for unknown key", "key_id", keyID, "error", err)
		return
	}
	if key.State != models.KeyStateActive || key.Rotation == nil {
		return
	}

	if key.Rotation.AutoRotate {
		if _, err := m.RotateKey(ctx, keyID, "scheduler"); err != nil {
			m.logger.Error("scheduled rotation failed", "key_id", keyID, "error", err)
		}
		return
	}

	m.logger.Info("key rotation due", "key_id", keyID, "next_rotation", key.Rotation.NextRotation)
	m.audit(ctx, audit.Entry{
		Type:     models.EventTypeKeyManagement,
		Action:   "rotation_due",
		Outcome:  models.OutcomeSuccess,
		UserID:   "scheduler",
		Resource: keyID,
	})
}

// sweepOverdueRotations is the hourly safety net for lost timers.
func (m *Manager) sweepOverdueRotations() {
	ctx := context.Background()
	all, err := m.store.List(ctx)
	if err != nil {
		m.logger.Error("rotation sweep failed to list keys", "error", err)
		return
	}

	now := m.now().UTC()
	for _, key := range all {
		if key.State != models.KeyStateActive || key.Rotation == nil || !key.Rotation.Enabled {
			continue
		}
		if key.Rotation.NextRotation.Before(now) {
			m.logger.Warn("rotation overdue", "key_id", key.ID, "due", key.Rotation.NextRotation)
			m.onRotationDue(key.ID)
		}
	}
}

func (m *Manager) providerFor(key *models.KeyMetadata) Provider {
	if key.HSMProvider != "" {
		if p, ok := m.providers[key.HSMProvider]; ok {
			return p
		}
	}
	return m.providers[SoftwareProviderName]
}

func (m *Manager) audit(ctx context.Context, entry audit.Entry) {
	if m.auditor == nil {
		return
	}
	if _, err := m.auditor.LogEvent(ctx, entry); err != nil {
		m.logger.Error("failed to audit key operation", "action", entry.Action, "error", err)
	}
}

func (m *Manager) auditFailure(ctx context.Context, userID, keyID, action, reason string) {
	m.audit(ctx, audit.Entry{
		Type:     models.EventTypeKeyManagement,
		Action:   action,
		Outcome:  models.OutcomeDenied,
		Severity: models.SeverityMedium,
		UserID:   userID,
		Resource: keyID,
		Details:  map[string]any{"reason": reason},
	})
	m.observe(action, "denied")
}

func (m *Manager) observe(operation, result string) {
	if m.metrics == nil {
		return
	}
	m.metrics.KeyOperations.WithLabelValues(operation, result).Inc()
}

// trackState moves a key between state gauge buckets. An empty from state
// records a newly created key.
func (m *Manager) trackState(from, to models.KeyState) {
	if m.metrics == nil {
		return
	}
	if from != "" {
		m.metrics.KeysByState.WithLabelValues(string(from)).Dec()
	}
	m.metrics.KeysByState.WithLabelValues(string(to)).Inc()
}

func coversAll(have, required []string) bool {
	return countCovered(have, required) == len(required)
}

func countCovered(have, required []string) int {
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	count := 0
	for _, r := range required {
		if _, ok := set[r]; ok {
			count++
		}
	}
	return count
}
