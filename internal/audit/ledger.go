// Package audit implements the tamper-evident audit ledger: hash-chained,
// HMAC-signed events grouped into bounded chains that seal when full.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castellan-project/castellan/internal/crypto"
	"github.com/castellan-project/castellan/pkg/errors"
	"github.com/castellan-project/castellan/pkg/metrics"
	"github.com/castellan-project/castellan/pkg/models"
)

const (
	// DefaultChainSize is the event cap after which a chain seals.
	DefaultChainSize = 1000
	// SigningKeyID is the crypto-service key used for event signatures.
	SigningKeyID = "audit-signing"
	// genesisHash anchors the first chain.
	genesisHash = "genesis"
)

// sensitiveDetailKeys are redacted from event details before hashing.
var sensitiveDetailKeys = []string{"password", "token", "secret", "key", "ssn", "creditcard"}

// Option configures the ledger.
type Option func(*Ledger)

// WithChainSize overrides the chain seal threshold.
func WithChainSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.chainSize = n
		}
	}
}

// WithChainStore sets the durable store sealed chains are handed to.
func WithChainStore(store ChainStore) Option {
	return func(l *Ledger) { l.store = store }
}

// WithLogger sets the ledger logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMetrics enables the event and chain-seal counters.
func WithMetrics(core *metrics.CoreMetrics) Option {
	return func(l *Ledger) { l.metrics = core }
}

// Ledger is the tamper-evident audit log. Appends are serialized by a single
// mutex to preserve the hash-chain invariant.
type Ledger struct {
	mu        sync.Mutex
	signer    Signer
	store     ChainStore
	chains    []*models.AuditLogChain
	active    *models.AuditLogChain
	chainSize int
	logger    *slog.Logger
	metrics   *metrics.CoreMetrics
	now       func() time.Time
}

// NewLedger creates a ledger signing with the given crypto service. The
// signing key is created on first use when absent.
func NewLedger(cryptoSvc *crypto.Service, opts ...Option) (*Ledger, error) {
	if cryptoSvc == nil {
		return nil, errors.NewValidationError("crypto", "crypto service is required")
	}
	if !cryptoSvc.HasKey(SigningKeyID) {
		if err := cryptoSvc.GenerateSymmetricKey(SigningKeyID); err != nil {
			return nil, fmt.Errorf("create audit signing key: %w", err)
		}
	}

	l := &Ledger{
		signer:    cryptoSvc,
		chainSize: DefaultChainSize,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	l.active = l.newChain(genesisHash)
	l.chains = append(l.chains, l.active)
	return l, nil
}

func (l *Ledger) newChain(startHash string) *models.AuditLogChain {
	return &models.AuditLogChain{
		ID:        uuid.New().String(),
		StartHash: startHash,
		CreatedAt: l.now().UTC(),
	}
}

// LogEvent sanitizes, hashes, signs and appends an event to the active chain.
// An event is fully constructed before append; partial writes cannot occur.
func (l *Ledger) LogEvent(ctx context.Context, entry Entry) (*models.AuditEvent, error) {
	if entry.Action == "" {
		return nil, errors.NewValidationError("action", "action is required")
	}
	if entry.Type == "" {
		return nil, errors.NewValidationError("type", "event type is required")
	}

	event := &models.AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: l.now().UTC(),
		Type:      entry.Type,
		Severity:  entry.Severity,
		UserID:    entry.UserID,
		SessionID: entry.SessionID,
		IPAddress: entry.IPAddress,
		Resource:  entry.Resource,
		Action:    entry.Action,
		Outcome:   entry.Outcome,
		Details:   sanitizeDetails(entry.Details),
	}
	if event.Severity == "" {
		event.Severity = defaultSeverity(entry.Outcome)
	}
	if event.Outcome == "" {
		event.Outcome = models.OutcomeSuccess
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := l.active.StartHash
	if n := len(l.active.Events); n > 0 {
		prevHash = l.active.Events[n-1].Integrity.Hash
	}

	event.Integrity.PreviousHash = prevHash
	hash, err := eventHash(event)
	if err != nil {
		return nil, err
	}
	event.Integrity.Hash = hash

	sig, err := l.signer.HMAC([]byte(hash), SigningKeyID)
	if err != nil {
		return nil, fmt.Errorf("sign audit event: %w", err)
	}
	event.Integrity.Signature = hex.EncodeToString(sig)

	l.active.Events = append(l.active.Events, event)
	if l.metrics != nil {
		l.metrics.AuditEvents.WithLabelValues(string(event.Type), string(event.Severity)).Inc()
	}

	if len(l.active.Events) >= l.chainSize {
		l.sealActiveLocked(ctx)
	}

	return event, nil
}

// sealActiveLocked seals the active chain and opens a successor anchored to
// its end hash. Caller holds l.mu.
func (l *Ledger) sealActiveLocked(ctx context.Context) {
	chain := l.active
	chain.EndHash = chain.Events[len(chain.Events)-1].Integrity.Hash
	chain.Sealed = true
	sealedAt := l.now().UTC()
	chain.SealedAt = &sealedAt

	if l.store != nil {
		if err := l.store.SaveChain(ctx, chain); err != nil {
			l.logger.Error("failed to persist sealed audit chain", "chain_id", chain.ID, "error", err)
		}
	}
	l.logger.Info("audit chain sealed", "chain_id", chain.ID, "events", len(chain.Events))
	if l.metrics != nil {
		l.metrics.ChainSeals.Inc()
	}

	l.active = l.newChain(chain.EndHash)
	l.chains = append(l.chains, l.active)
}

// Chains returns all chains, oldest first. The returned slices share event
// pointers with the ledger; events are never mutated after append.
func (l *Ledger) Chains() []*models.AuditLogChain {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*models.AuditLogChain, len(l.chains))
	copy(out, l.chains)
	return out
}

// QueryEvents filters, sorts and paginates events, then re-verifies the
// integrity of the returned slice. Filtered slices are not necessarily
// chain-adjacent, so per-event hash and signature checks apply; full linkage
// verification is VerifyChain's job.
func (l *Ledger) QueryEvents(filter QueryFilter) (*QueryResult, error) {
	l.mu.Lock()
	var matched []*models.AuditEvent
	for _, chain := range l.chains {
		for _, ev := range chain.Events {
			if filterMatches(filter, ev) {
				matched = append(matched, ev)
			}
		}
	}
	l.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	status, problems := l.verifyEvents(matched, false)
	return &QueryResult{
		Events:    matched,
		Total:     total,
		Integrity: status,
		Problems:  problems,
	}, nil
}

// VerifyIntegrity checks a contiguous sequence of events: previous-hash
// linkage for every adjacent pair, recomputed hash for every event, and the
// HMAC signature of every signed event. Hash or signature mismatch means
// compromised; lesser anomalies mean warning.
func (l *Ledger) VerifyIntegrity(events []*models.AuditEvent) *VerificationResult {
	status, problems := l.verifyEvents(events, true)
	return &VerificationResult{Status: status, Checked: len(events), Problems: problems}
}

// VerifyChain verifies one chain end to end, including its start anchor.
func (l *Ledger) VerifyChain(chain *models.AuditLogChain) *VerificationResult {
	result := l.VerifyIntegrity(chain.Events)
	if len(chain.Events) > 0 && chain.Events[0].Integrity.PreviousHash != chain.StartHash {
		result.Status = models.IntegrityCompromised
		result.Problems = append(result.Problems, fmt.Sprintf("chain %s: first event not anchored to start hash", chain.ID))
	}
	if chain.Sealed && chain.EndHash != chain.Events[len(chain.Events)-1].Integrity.Hash {
		result.Status = models.IntegrityCompromised
		result.Problems = append(result.Problems, fmt.Sprintf("chain %s: end hash does not match final event", chain.ID))
	}
	return result
}

func (l *Ledger) verifyEvents(events []*models.AuditEvent, linkage bool) (models.IntegrityStatus, []string) {
	status := models.IntegrityVerified
	var problems []string

	downgrade := func(to models.IntegrityStatus, format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
		if status == models.IntegrityCompromised {
			return
		}
		if to == models.IntegrityCompromised || status == models.IntegrityVerified {
			status = to
		}
	}

	for i, ev := range events {
		expected, err := eventHash(ev)
		if err != nil {
			downgrade(models.IntegrityWarning, "event %s: hash computation failed: %v", ev.ID, err)
			continue
		}
		if ev.Integrity.Hash == "" {
			downgrade(models.IntegrityWarning, "event %s: missing hash", ev.ID)
		} else if ev.Integrity.Hash != expected {
			downgrade(models.IntegrityCompromised, "event %s: hash mismatch", ev.ID)
		}

		if ev.Integrity.Signature == "" {
			downgrade(models.IntegrityWarning, "event %s: unsigned", ev.ID)
		} else {
			sig, err := hex.DecodeString(ev.Integrity.Signature)
			if err != nil {
				downgrade(models.IntegrityCompromised, "event %s: malformed signature", ev.ID)
			} else {
				ok, err := l.signer.VerifyHMAC([]byte(ev.Integrity.Hash), sig, SigningKeyID)
				if err != nil {
					downgrade(models.IntegrityWarning, "event %s: signature verification failed: %v", ev.ID, err)
				} else if !ok {
					downgrade(models.IntegrityCompromised, "event %s: signature mismatch", ev.ID)
				}
			}
		}

		if linkage && i > 0 {
			if ev.Integrity.PreviousHash != events[i-1].Integrity.Hash {
				downgrade(models.IntegrityCompromised, "event %s: broken chain linkage", ev.ID)
			}
		}
	}

	return status, problems
}

func filterMatches(f QueryFilter, ev *models.AuditEvent) bool {
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	if f.Severity != "" && ev.Severity != f.Severity {
		return false
	}
	if f.Resource != "" && ev.Resource != f.Resource {
		return false
	}
	if f.Outcome != "" && ev.Outcome != f.Outcome {
		return false
	}
	return true
}

// eventHash computes the canonical SHA-256 hash of an event, excluding its
// own hash and signature but including the previous-hash link.
func eventHash(ev *models.AuditEvent) (string, error) {
	shadow := *ev
	shadow.Integrity = models.EventIntegrity{PreviousHash: ev.Integrity.PreviousHash}

	payload, err := json.Marshal(&shadow)
	if err != nil {
		return "", fmt.Errorf("marshal event for hashing: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// sanitizeDetails returns a deep copy of details with sensitive keys redacted.
func sanitizeDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if isSensitiveKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = sanitizeDetails(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(key, "_", ""), "-", ""))
	for _, s := range sensitiveDetailKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func defaultSeverity(outcome models.AuditOutcome) models.AuditSeverity {
	switch outcome {
	case models.OutcomeDenied:
		return models.SeverityMedium
	case models.OutcomeFailure:
		return models.SeverityHigh
	default:
		return models.SeverityLow
	}
}
