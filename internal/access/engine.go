// Package access implements role and policy based authorization: a fixed
// role inheritance lattice, cached permission resolution, and dynamic
// access-policy evaluation. Every decision is written to the audit ledger.
package access

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/castellan-project/castellan/internal/audit"
	"github.com/castellan-project/castellan/pkg/errors"
	"github.com/castellan-project/castellan/pkg/metrics"
	"github.com/castellan-project/castellan/pkg/models"
)

// DefaultCacheTTL bounds how stale a resolved permission set may be when no
// assignment change invalidates it first.
const DefaultCacheTTL = 5 * time.Minute

// Option configures the engine.
type Option func(*Engine)

// WithAssignmentStore sets the role assignment store.
func WithAssignmentStore(store AssignmentStore) Option {
	return func(e *Engine) { e.assignments = store }
}

// WithPolicyStore sets the access policy store.
func WithPolicyStore(store PolicyStore) Option {
	return func(e *Engine) { e.policies = store }
}

// WithRecorder sets the audit recorder.
func WithRecorder(rec Recorder) Option {
	return func(e *Engine) { e.auditor = rec }
}

// WithCacheTTL overrides the permission cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.cacheTTL = ttl }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics enables the decision counter and latency histogram.
func WithMetrics(core *metrics.CoreMetrics) Option {
	return func(e *Engine) { e.metrics = core }
}

type cachedPermissions struct {
	permissions map[models.Permission]bool
	expires     time.Time
}

// Engine resolves permissions and evaluates access policies.
type Engine struct {
	roles       map[string]*models.RoleDefinition
	assignments AssignmentStore
	policies    PolicyStore
	auditor     Recorder
	evaluator   *ExpressionEvaluator
	validate    *validator.Validate
	logger      *slog.Logger
	metrics     *metrics.CoreMetrics
	now         func() time.Time
	cacheTTL    time.Duration

	mu    sync.Mutex
	cache map[string]cachedPermissions
}

// NewEngine creates an access control engine with the built-in role catalog.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		roles:       builtinRoles(),
		assignments: NewMemoryAssignmentStore(),
		policies:    NewMemoryPolicyStore(),
		evaluator:   NewExpressionEvaluator(),
		validate:    validator.New(),
		logger:      slog.Default(),
		now:         time.Now,
		cacheTTL:    DefaultCacheTTL,
		cache:       make(map[string]cachedPermissions),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Role returns a role definition from the catalog.
func (e *Engine) Role(name string) (*models.RoleDefinition, error) {
	role, ok := e.roles[name]
	if !ok {
		return nil, errors.ErrRoleNotFound
	}
	return role, nil
}

// GetUserPermissions unions the permissions of all effective role
// assignments, following role inheritance transitively. Results are cached
// for the configured TTL and invalidated on assignment changes.
func (e *Engine) GetUserPermissions(ctx context.Context, userID string) (map[models.Permission]bool, error) {
	e.mu.Lock()
	if cached, ok := e.cache[userID]; ok && e.now().Before(cached.expires) {
		e.mu.Unlock()
		return cached.permissions, nil
	}
	e.mu.Unlock()

	assignments, err := e.assignments.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list role assignments: %w", err)
	}

	permissions := make(map[models.Permission]bool)
	now := e.now()
	for _, assignment := range assignments {
		if !assignment.Effective(now) {
			continue
		}
		e.collectRolePermissions(assignment.Role, permissions, make(map[string]bool))
	}

	e.mu.Lock()
	e.cache[userID] = cachedPermissions{permissions: permissions, expires: now.Add(e.cacheTTL)}
	e.mu.Unlock()

	return permissions, nil
}

// collectRolePermissions walks the inheritance lattice depth-first. Seen
// guards against catalog cycles.
func (e *Engine) collectRolePermissions(roleName string, into map[models.Permission]bool, seen map[string]bool) {
	if seen[roleName] {
		return
	}
	seen[roleName] = true

	role, ok := e.roles[roleName]
	if !ok {
		e.logger.Warn("assignment references unknown role", "role", roleName)
		return
	}
	for _, p := range role.Permissions {
		into[p] = true
	}
	for _, parent := range role.Inherits {
		e.collectRolePermissions(parent, into, seen)
	}
}

// CheckPermission decides whether the context's user may exercise the
// permission. Direct role membership grants immediately; otherwise policies
// for the resource type are evaluated in priority order and the first full
// match decides. No match denies.
func (e *Engine) CheckPermission(ctx context.Context, accessCtx *models.AccessContext, permission models.Permission) (*models.AccessDecision, error) {
	if accessCtx == nil || accessCtx.UserID == "" {
		return nil, errors.NewValidationError("context", "user ID is required")
	}
	started := time.Now()

	permissions, err := e.GetUserPermissions(ctx, accessCtx.UserID)
	if err != nil {
		return nil, err
	}

	decision := &models.AccessDecision{
		Permission: string(permission),
		DecidedAt:  e.now().UTC(),
	}

	if permissions[permission] || permissions[models.PermissionSystemAdmin] {
		decision.Granted = true
		decision.Reason = "direct permission granted"
		e.auditDecision(ctx, accessCtx, decision)
		e.observeDecision(decision, started)
		return decision, nil
	}

	matched, evaluated, err := e.evaluatePolicies(ctx, accessCtx)
	if err != nil {
		return nil, err
	}
	decision.PolicyIDs = evaluated

	if matched != nil {
		decision.Granted = matched.Effect == models.PolicyEffectAllow
		decision.Reason = fmt.Sprintf("policy %s (%s)", matched.ID, matched.Effect)
	} else {
		decision.Reason = "no matching permission or policy"
	}

	e.auditDecision(ctx, accessCtx, decision)
	e.observeDecision(decision, started)
	return decision, nil
}

// observeDecision records the decision outcome and wall-clock latency.
func (e *Engine) observeDecision(decision *models.AccessDecision, started time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.AccessDecisions.WithLabelValues(strconv.FormatBool(decision.Granted)).Inc()
	e.metrics.DecisionLatency.Observe(time.Since(started).Seconds())
}

// evaluatePolicies returns the first matching policy in priority-descending,
// ID-ascending order, plus the IDs of all policies evaluated on the way.
func (e *Engine) evaluatePolicies(ctx context.Context, accessCtx *models.AccessContext) (*models.AccessPolicy, []string, error) {
	policies, err := e.policies.ListByResourceType(ctx, accessCtx.ResourceType)
	if err != nil {
		return nil, nil, fmt.Errorf("list policies: %w", err)
	}

	// Equal priorities break on ascending ID so evaluation order never
	// depends on store iteration order.
	sort.Slice(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority > policies[j].Priority
		}
		return policies[i].ID < policies[j].ID
	})

	evaluated := make([]string, 0, len(policies))
	for _, policy := range policies {
		evaluated = append(evaluated, policy.ID)

		match, err := e.policyMatches(ctx, policy, accessCtx)
		if err != nil {
			return nil, nil, err
		}
		if match {
			return policy, evaluated, nil
		}
	}
	return nil, evaluated, nil
}

func (e *Engine) policyMatches(ctx context.Context, policy *models.AccessPolicy, accessCtx *models.AccessContext) (bool, error) {
	for _, condition := range policy.Conditions {
		ok, err := e.conditionMatches(ctx, condition, accessCtx)
		if err != nil {
			return false, fmt.Errorf("policy %s: %w", policy.ID, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) conditionMatches(ctx context.Context, condition models.PolicyCondition, accessCtx *models.AccessContext) (bool, error) {
	switch condition.Operator {
	case models.OperatorEquals:
		return contextAttribute(accessCtx, condition.Attribute) == condition.Value, nil
	case models.OperatorNotEquals:
		return contextAttribute(accessCtx, condition.Attribute) != condition.Value, nil
	case models.OperatorIn:
		actual := contextAttribute(accessCtx, condition.Attribute)
		for _, v := range condition.Values {
			if actual == v {
				return true, nil
			}
		}
		return false, nil
	case models.OperatorOwnerMatch:
		return accessCtx.ResourceOwner != "" && accessCtx.UserID == accessCtx.ResourceOwner, nil
	case models.OperatorExpression:
		return e.evaluator.Evaluate(ctx, condition.Expression, accessCtx)
	default:
		return false, errors.NewValidationError("operator", fmt.Sprintf("unknown condition operator %q", condition.Operator))
	}
}

func contextAttribute(accessCtx *models.AccessContext, attribute string) string {
	switch attribute {
	case "user_id":
		return accessCtx.UserID
	case "resource_type":
		return accessCtx.ResourceType
	case "resource_id":
		return accessCtx.ResourceID
	case "resource_owner":
		return accessCtx.ResourceOwner
	case "project_id":
		return accessCtx.ProjectID
	case "ip_address":
		return accessCtx.IPAddress
	case "session_id":
		return accessCtx.SessionID
	default:
		return ""
	}
}

// AssignRole grants a role to a user. The acting user must hold USER_WRITE.
func (e *Engine) AssignRole(ctx context.Context, actorID, userID, roleName string, expiresAt *time.Time) (*models.UserRoleAssignment, error) {
	if err := e.requirePermission(ctx, actorID, models.PermissionUserWrite, "assign_role", userID, roleName); err != nil {
		return nil, err
	}

	role, ok := e.roles[roleName]
	if !ok {
		return nil, errors.ErrRoleNotFound
	}

	assignment := &models.UserRoleAssignment{
		ID:          uuid.New().String(),
		UserID:      userID,
		Role:        roleName,
		AssignedBy:  actorID,
		AssignedAt:  e.now().UTC(),
		ExpiresAt:   expiresAt,
		Constraints: role.Constraints,
		Active:      true,
	}
	if err := e.assignments.Save(ctx, assignment); err != nil {
		return nil, fmt.Errorf("save role assignment: %w", err)
	}

	e.InvalidateCache(userID)

	e.audit(ctx, audit.Entry{
		Type:     models.EventTypeAuthorization,
		Action:   "assign_role",
		Outcome:  models.OutcomeSuccess,
		Severity: models.SeverityMedium,
		UserID:   actorID,
		Resource: userID,
		Details:  map[string]any{"role": roleName},
	})

	return assignment, nil
}

// RevokeRole deactivates a user's assignments of a role. The acting user
// must hold USER_WRITE.
func (e *Engine) RevokeRole(ctx context.Context, actorID, userID, roleName string) error {
	if err := e.requirePermission(ctx, actorID, models.PermissionUserWrite, "revoke_role", userID, roleName); err != nil {
		return err
	}

	count, err := e.assignments.Deactivate(ctx, userID, roleName)
	if err != nil {
		return fmt.Errorf("deactivate role assignment: %w", err)
	}
	if count == 0 {
		return errors.ErrNotFound
	}

	e.InvalidateCache(userID)

	e.audit(ctx, audit.Entry{
		Type:     models.EventTypeAuthorization,
		Action:   "revoke_role",
		Outcome:  models.OutcomeSuccess,
		Severity: models.SeverityMedium,
		UserID:   actorID,
		Resource: userID,
		Details:  map[string]any{"role": roleName, "deactivated": count},
	})
	return nil
}

// UpsertPolicy validates and stores an access policy.
func (e *Engine) UpsertPolicy(ctx context.Context, policy *models.AccessPolicy) error {
	if err := e.validate.Struct(policy); err != nil {
		return errors.NewValidationError("policy", err.Error())
	}
	for _, condition := range policy.Conditions {
		if condition.Operator == models.OperatorExpression {
			// Surface malformed Rego at write time, not at first check.
			if _, err := e.evaluator.prepare(ctx, condition.Expression); err != nil {
				return errors.NewValidationError("conditions", err.Error())
			}
		}
	}
	return e.policies.Upsert(ctx, policy)
}

// RemovePolicy deletes an access policy.
func (e *Engine) RemovePolicy(ctx context.Context, policyID string) error {
	return e.policies.Remove(ctx, policyID)
}

// InvalidateCache drops the cached permission set for a user.
func (e *Engine) InvalidateCache(userID string) {
	e.mu.Lock()
	delete(e.cache, userID)
	e.mu.Unlock()
}

func (e *Engine) requirePermission(ctx context.Context, actorID string, permission models.Permission, action, targetUser, role string) error {
	permissions, err := e.GetUserPermissions(ctx, actorID)
	if err != nil {
		return err
	}
	if permissions[permission] || permissions[models.PermissionSystemAdmin] {
		return nil
	}

	e.audit(ctx, audit.Entry{
		Type:     models.EventTypeAuthorization,
		Action:   action,
		Outcome:  models.OutcomeDenied,
		Severity: models.SeverityMedium,
		UserID:   actorID,
		Resource: targetUser,
		Details:  map[string]any{"role": role, "missing_permission": string(permission)},
	})
	return errors.NewAuthorizationError(actorID, targetUser, action, fmt.Sprintf("requires %s", permission))
}

func (e *Engine) auditDecision(ctx context.Context, accessCtx *models.AccessContext, decision *models.AccessDecision) {
	outcome := models.OutcomeDenied
	if decision.Granted {
		outcome = models.OutcomeSuccess
	}
	e.audit(ctx, audit.Entry{
		Type:      models.EventTypeAuthorization,
		Action:    "check_permission",
		Outcome:   outcome,
		UserID:    accessCtx.UserID,
		SessionID: accessCtx.SessionID,
		IPAddress: accessCtx.IPAddress,
		Resource:  accessCtx.ResourceID,
		Details: map[string]any{
			"permission":    decision.Permission,
			"reason":        decision.Reason,
			"policy_ids":    decision.PolicyIDs,
			"resource_type": accessCtx.ResourceType,
		},
	})
}

func (e *Engine) audit(ctx context.Context, entry audit.Entry) {
	if e.auditor == nil {
		return
	}
	if _, err := e.auditor.LogEvent(ctx, entry); err != nil {
		e.logger.Error("failed to audit access event", "action", entry.Action, "error", err)
	}
}
