// Package classify implements whole-record data classification: rule-based
// detection, derived protection and retention policies, and aggregate
// reporting over classified records.
package classify

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/castellan-project/castellan/internal/audit"
	"github.com/castellan-project/castellan/pkg/errors"
	"github.com/castellan-project/castellan/pkg/metrics"
	"github.com/castellan-project/castellan/pkg/models"
)

const defaultRetention = 365 * 24 * time.Hour

// Retention floors demanded by the standards this core tracks. Years are
// approximated as 365 days; review dates are advisory.
var retentionFloors = map[models.ComplianceStandard]time.Duration{
	models.ComplianceSOX:   7 * 365 * 24 * time.Hour,
	models.ComplianceHIPAA: 6 * 365 * 24 * time.Hour,
}

// AccessChecker authorizes manual classification overrides.
type AccessChecker interface {
	CheckPermission(ctx context.Context, accessCtx *models.AccessContext, permission models.Permission) (*models.AccessDecision, error)
}

// Recorder receives audit events for classification activity.
type Recorder interface {
	LogEvent(ctx context.Context, entry audit.Entry) (*models.AuditEvent, error)
}

// Context carries record metadata that rules may match beyond the content
// itself.
type Context struct {
	Filename string
	Source   string
}

// Option configures the engine.
type Option func(*Engine)

// WithAccessChecker sets the authorizer for manual overrides.
func WithAccessChecker(checker AccessChecker) Option {
	return func(e *Engine) { e.access = checker }
}

// WithRecorder sets the audit recorder.
func WithRecorder(rec Recorder) Option {
	return func(e *Engine) { e.auditor = rec }
}

// WithRules replaces the built-in rule set.
func WithRules(rules []*Rule) Option {
	return func(e *Engine) { e.rules = rules }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithStore sets the classification result store. Defaults to an
// in-memory store.
func WithStore(store Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithMetrics enables the classification outcome counter.
func WithMetrics(core *metrics.CoreMetrics) Option {
	return func(e *Engine) { e.metrics = core }
}

// Engine classifies records and persists results for reporting.
type Engine struct {
	rules   []*Rule
	access  AccessChecker
	auditor Recorder
	store   Store
	logger  *slog.Logger
	metrics *metrics.CoreMetrics
	now     func() time.Time

	// mu serializes read-modify-write cycles against the store.
	mu sync.Mutex
}

// NewEngine creates a classification engine with the built-in rules. Rule
// regexes are compiled here; a malformed pattern is a construction error.
func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		rules:  builtinRules(),
		logger: slog.Default(),
		now:    time.Now,
		store:  NewMemoryStore(),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, rule := range e.rules {
		if rule.Matcher == MatchRegex || rule.Matcher == MatchFilename {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("compile rule %s: %w", rule.ID, err)
			}
			rule.re = re
		}
	}
	return e, nil
}

// ClassifyData evaluates every rule against the record, adopts the
// highest-scoring match, derives protection and retention, and audits the
// result. Records nothing matches default to INTERNAL.
func (e *Engine) ClassifyData(ctx context.Context, subjectID string, data any, recordCtx Context) (*models.ClassifiedData, error) {
	if subjectID == "" {
		return nil, errors.NewValidationError("subjectID", "subject ID is required")
	}

	serialized, err := serializeRecord(data)
	if err != nil {
		return nil, errors.NewValidationError("data", err.Error())
	}

	matches := e.matchRules(serialized, recordCtx)

	result := &models.ClassifiedData{
		SubjectID:      subjectID,
		Classification: models.ClassificationInternal,
		Sensitivity:    models.SensitivityLow,
		ClassifiedAt:   e.now().UTC(),
	}
	for _, rule := range matches {
		result.Patterns = append(result.Patterns, rule.Name)
	}
	if len(matches) > 0 {
		top := matches[0]
		result.Classification = top.Classification
		result.Sensitivity = top.Sensitivity
		result.Compliance = mergeStandards(matches)
		result.Confidence = top.Confidence
	}

	result.Protection = deriveProtection(result.Classification)
	result.Retention = e.deriveRetention(result.Classification, result.Compliance)

	if err := e.store.Save(ctx, result); err != nil {
		return nil, fmt.Errorf("store classification for %s: %w", subjectID, err)
	}
	if e.metrics != nil {
		e.metrics.Classifications.WithLabelValues(string(result.Classification)).Inc()
	}

	e.audit(ctx, audit.Entry{
		Type:     models.EventTypeClassification,
		Action:   "classify_data",
		Outcome:  models.OutcomeSuccess,
		Resource: subjectID,
		Details: map[string]any{
			"classification": string(result.Classification),
			"sensitivity":    string(result.Sensitivity),
			"confidence":     result.Confidence,
			"patterns":       result.Patterns,
		},
	})

	return result, nil
}

// matchRules returns all matching rules sorted by descending score, rule ID
// ascending on ties.
func (e *Engine) matchRules(serialized string, recordCtx Context) []*Rule {
	lowered := strings.ToLower(serialized)

	var matches []*Rule
	for _, rule := range e.rules {
		switch rule.Matcher {
		case MatchRegex:
			if rule.re.MatchString(serialized) {
				matches = append(matches, rule)
			}
		case MatchKeyword:
			if strings.Contains(lowered, strings.ToLower(rule.Pattern)) {
				matches = append(matches, rule)
			}
		case MatchFilename:
			if recordCtx.Filename != "" && rule.re.MatchString(recordCtx.Filename) {
				matches = append(matches, rule)
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score() != matches[j].Score() {
			return matches[i].Score() > matches[j].Score()
		}
		return matches[i].ID < matches[j].ID
	})
	return matches
}

// ManuallyClassifyData overwrites a record's classification. The actor must
// hold SECURITY_CONFIG; the override is audited at HIGH severity with the
// supplied justification.
func (e *Engine) ManuallyClassifyData(ctx context.Context, accessCtx *models.AccessContext, subjectID string, classification models.Classification, sensitivity models.Sensitivity, justification string) (*models.ClassifiedData, error) {
	if justification == "" {
		return nil, errors.NewValidationError("justification", "manual classification requires a justification")
	}
	if e.access == nil {
		return nil, errors.NewAuthorizationError(accessCtx.UserID, subjectID, "manual_classification", "no access checker configured")
	}

	decision, err := e.access.CheckPermission(ctx, accessCtx, models.PermissionSecurityConfig)
	if err != nil {
		return nil, err
	}
	if !decision.Granted {
		e.audit(ctx, audit.Entry{
			Type:     models.EventTypeClassification,
			Action:   "manual_classification",
			Outcome:  models.OutcomeDenied,
			Severity: models.SeverityHigh,
			UserID:   accessCtx.UserID,
			Resource: subjectID,
		})
		return nil, errors.NewAuthorizationError(accessCtx.UserID, subjectID, "manual_classification", "requires SECURITY_CONFIG")
	}

	e.mu.Lock()
	result, err := e.store.Get(ctx, subjectID)
	if err != nil {
		if !stderrors.Is(err, errors.ErrNotFound) {
			e.mu.Unlock()
			return nil, fmt.Errorf("load classification for %s: %w", subjectID, err)
		}
		result = &models.ClassifiedData{SubjectID: subjectID}
	}
	result.Classification = classification
	result.Sensitivity = sensitivity
	result.Confidence = 1
	result.Protection = deriveProtection(classification)
	result.Retention = e.deriveRetention(classification, result.Compliance)
	result.ClassifiedBy = accessCtx.UserID
	result.ClassifiedAt = e.now().UTC()
	result.Justification = justification
	if err := e.store.Save(ctx, result); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("store classification for %s: %w", subjectID, err)
	}
	snapshot := *result
	e.mu.Unlock()

	e.audit(ctx, audit.Entry{
		Type:     models.EventTypeClassification,
		Action:   "manual_classification",
		Outcome:  models.OutcomeSuccess,
		Severity: models.SeverityHigh,
		UserID:   accessCtx.UserID,
		Resource: subjectID,
		Details: map[string]any{
			"classification": string(classification),
			"sensitivity":    string(sensitivity),
			"justification":  justification,
		},
	})

	return &snapshot, nil
}

// Classification returns the stored result for a record.
func (e *Engine) Classification(ctx context.Context, subjectID string) (*models.ClassifiedData, error) {
	return e.store.Get(ctx, subjectID)
}

// Report aggregates all stored classification results.
type Report struct {
	Total             int
	ByClassification  map[models.Classification]int
	BySensitivity     map[models.Sensitivity]int
	ByStandard        map[models.ComplianceStandard]int
	ProtectedRatio    float64
	AverageConfidence float64
	RiskIndicators    []string
	GeneratedAt       time.Time
}

// GenerateClassificationReport aggregates counts, protection coverage, and
// risk indicators across every classified record.
func (e *Engine) GenerateClassificationReport(ctx context.Context) (*Report, error) {
	results, err := e.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list classifications: %w", err)
	}

	report := &Report{
		ByClassification: make(map[models.Classification]int),
		BySensitivity:    make(map[models.Sensitivity]int),
		ByStandard:       make(map[models.ComplianceStandard]int),
		GeneratedAt:      e.now().UTC(),
	}

	protected := 0
	lowConfidence := 0
	unprotectedSensitive := 0
	overRetained := 0
	confidenceSum := 0.0
	now := e.now()

	for _, result := range results {
		report.Total++
		report.ByClassification[result.Classification]++
		report.BySensitivity[result.Sensitivity]++
		for _, standard := range result.Compliance {
			report.ByStandard[standard]++
		}
		confidenceSum += result.Confidence

		if result.Protection.EncryptionRequired {
			protected++
		} else if result.Classification.Rank() >= models.ClassificationConfidential.Rank() {
			unprotectedSensitive++
		}
		if result.Confidence > 0 && result.Confidence < 0.5 {
			lowConfidence++
		}
		if !result.Retention.LegalHold && !result.Retention.ReviewDate.IsZero() && result.Retention.ReviewDate.Before(now) {
			overRetained++
		}
	}

	if report.Total > 0 {
		report.ProtectedRatio = float64(protected) / float64(report.Total)
		report.AverageConfidence = confidenceSum / float64(report.Total)
	}
	if lowConfidence > 0 {
		report.RiskIndicators = append(report.RiskIndicators,
			fmt.Sprintf("%d records classified with confidence below 0.5", lowConfidence))
	}
	if unprotectedSensitive > 0 {
		report.RiskIndicators = append(report.RiskIndicators,
			fmt.Sprintf("%d sensitive records without required encryption", unprotectedSensitive))
	}
	if overRetained > 0 {
		report.RiskIndicators = append(report.RiskIndicators,
			fmt.Sprintf("%d records past review date without legal hold", overRetained))
	}

	return report, nil
}

// deriveProtection maps classification rank to protection requirements.
// Confidential and above require encryption; restricted and above add
// approval, role restriction, and watermarking.
func deriveProtection(classification models.Classification) models.DataProtection {
	protection := models.DataProtection{}
	if classification.Rank() >= models.ClassificationConfidential.Rank() {
		protection.EncryptionRequired = true
	}
	if classification.Rank() >= models.ClassificationRestricted.Rank() {
		protection.RequiresApproval = true
		protection.Watermark = true
		protection.AllowedRoles = []string{"ADMIN", "SECURITY_OFFICER", "SUPER_ADMIN"}
	}
	return protection
}

// deriveRetention takes the longest retention floor among the applicable
// standards, defaulting to one year.
func (e *Engine) deriveRetention(classification models.Classification, standards []models.ComplianceStandard) models.RetentionPolicy {
	period := defaultRetention
	gdpr := false
	for _, standard := range standards {
		if floor, ok := retentionFloors[standard]; ok && floor > period {
			period = floor
		}
		if standard == models.ComplianceGDPR {
			gdpr = true
		}
	}

	disposal := models.DisposalArchive
	switch {
	case gdpr:
		disposal = models.DisposalAnonymize
	case classification.Rank() >= models.ClassificationRestricted.Rank():
		disposal = models.DisposalSecureDelete
	}

	return models.RetentionPolicy{
		Period:     period,
		Disposal:   disposal,
		ReviewDate: e.now().UTC().Add(period),
	}
}

// mergeStandards unions the compliance sets of all matching rules, ordered
// deterministically.
func mergeStandards(rules []*Rule) []models.ComplianceStandard {
	seen := make(map[models.ComplianceStandard]bool)
	var out []models.ComplianceStandard
	for _, rule := range rules {
		for _, standard := range rule.Compliance {
			if !seen[standard] {
				seen[standard] = true
				out = append(out, standard)
			}
		}
	}
	return out
}

func serializeRecord(data any) (string, error) {
	if s, ok := data.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("serialize record: %v", err)
	}
	return string(raw), nil
}

func (e *Engine) audit(ctx context.Context, entry audit.Entry) {
	if e.auditor == nil {
		return
	}
	if _, err := e.auditor.LogEvent(ctx, entry); err != nil {
		e.logger.Error("failed to audit classification", "action", entry.Action, "error", err)
	}
}
