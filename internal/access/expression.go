package access

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/castellan-project/castellan/pkg/models"
)

// ExpressionEvaluator evaluates `expression` policy conditions as Rego
// queries over the access context. Prepared queries are cached per
// expression; preparation dominates evaluation cost.
type ExpressionEvaluator struct {
	mu       sync.Mutex
	prepared map[string]rego.PreparedEvalQuery
}

// NewExpressionEvaluator creates an evaluator with an empty query cache.
func NewExpressionEvaluator() *ExpressionEvaluator {
	return &ExpressionEvaluator{prepared: make(map[string]rego.PreparedEvalQuery)}
}

// Evaluate runs the expression against the context. The context is exposed
// as `input` with its JSON attribute names, e.g.
// `input.user_id == input.resource_owner`.
func (e *ExpressionEvaluator) Evaluate(ctx context.Context, expression string, accessCtx *models.AccessContext) (bool, error) {
	query, err := e.prepare(ctx, expression)
	if err != nil {
		return false, err
	}

	results, err := query.Eval(ctx, rego.EvalInput(contextInput(accessCtx)))
	if err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}
	return results.Allowed(), nil
}

func (e *ExpressionEvaluator) prepare(ctx context.Context, expression string) (rego.PreparedEvalQuery, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if query, ok := e.prepared[expression]; ok {
		return query, nil
	}

	query, err := rego.New(rego.Query(expression)).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("prepare expression %q: %w", expression, err)
	}
	e.prepared[expression] = query
	return query, nil
}

func contextInput(accessCtx *models.AccessContext) map[string]any {
	return map[string]any{
		"user_id":        accessCtx.UserID,
		"user_roles":     accessCtx.UserRoles,
		"resource_type":  accessCtx.ResourceType,
		"resource_id":    accessCtx.ResourceID,
		"resource_owner": accessCtx.ResourceOwner,
		"project_id":     accessCtx.ProjectID,
		"ip_address":     accessCtx.IPAddress,
		"session_id":     accessCtx.SessionID,
	}
}
