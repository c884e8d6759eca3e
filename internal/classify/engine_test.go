package classify

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-project/castellan/internal/access"
	"github.com/castellan-project/castellan/pkg/errors"
	"github.com/castellan-project/castellan/pkg/metrics"
	"github.com/castellan-project/castellan/pkg/models"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	engine, err := NewEngine(opts...)
	require.NoError(t, err)
	return engine
}

func TestClassifyData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("ssn content is restricted", func(t *testing.T) {
		engine := newTestEngine(t)

		result, err := engine.ClassifyData(ctx, "record-1", map[string]any{
			"name": "Alice Smith",
			"ssn":  "123-45-6789",
		}, Context{})
		require.NoError(t, err)

		assert.Equal(t, models.ClassificationRestricted, result.Classification)
		assert.Equal(t, models.SensitivityCritical, result.Sensitivity)
		assert.Contains(t, result.Compliance, models.ComplianceGDPR)
		assert.Contains(t, result.Compliance, models.ComplianceHIPAA)
		assert.Contains(t, result.Patterns, "US social security number")
		assert.True(t, result.Protection.EncryptionRequired)
		assert.True(t, result.Protection.RequiresApproval)
		assert.True(t, result.Protection.Watermark)
	})

	t.Run("unmatched content defaults to internal", func(t *testing.T) {
		engine := newTestEngine(t)

		result, err := engine.ClassifyData(ctx, "record-2", "weekly status update", Context{})
		require.NoError(t, err)

		assert.Equal(t, models.ClassificationInternal, result.Classification)
		assert.Equal(t, models.SensitivityLow, result.Sensitivity)
		assert.Zero(t, result.Confidence)
		assert.False(t, result.Protection.EncryptionRequired)
	})

	t.Run("highest score wins over weaker matches", func(t *testing.T) {
		engine := newTestEngine(t)

		// Matches both the confidential marker and the SSN pattern.
		result, err := engine.ClassifyData(ctx, "record-3", "CONFIDENTIAL: patient 123-45-6789", Context{})
		require.NoError(t, err)

		assert.Equal(t, models.ClassificationRestricted, result.Classification)
		assert.Len(t, result.Patterns, 2)
	})

	t.Run("filename rules apply", func(t *testing.T) {
		engine := newTestEngine(t)

		result, err := engine.ClassifyData(ctx, "record-4", "-----BEGIN PRIVATE", Context{Filename: "server.pem"})
		require.NoError(t, err)
		assert.Equal(t, models.ClassificationTopSecret, result.Classification)
	})

	t.Run("retention follows the strictest standard", func(t *testing.T) {
		engine := newTestEngine(t)

		// SOX via financial keyword: seven-year floor.
		result, err := engine.ClassifyData(ctx, "record-5", "quarterly revenue figures", Context{})
		require.NoError(t, err)
		assert.Equal(t, 7*365*24*time.Hour, result.Retention.Period)

		// No standard: one-year default.
		result, err = engine.ClassifyData(ctx, "record-6", "meeting notes", Context{})
		require.NoError(t, err)
		assert.Equal(t, 365*24*time.Hour, result.Retention.Period)
	})

	t.Run("gdpr data is anonymized at disposal", func(t *testing.T) {
		engine := newTestEngine(t)

		result, err := engine.ClassifyData(ctx, "record-7", "contact alice@example.com", Context{})
		require.NoError(t, err)
		assert.Equal(t, models.DisposalAnonymize, result.Retention.Disposal)
	})

	t.Run("missing subject id", func(t *testing.T) {
		engine := newTestEngine(t)
		_, err := engine.ClassifyData(ctx, "", "data", Context{})
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})
}

func TestManuallyClassifyData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	securityOfficer := func(t *testing.T) *access.Engine {
		t.Helper()
		store := access.NewMemoryAssignmentStore()
		require.NoError(t, store.Save(ctx, &models.UserRoleAssignment{
			ID: "a1", UserID: "officer", Role: access.RoleSecurityOfficer, Active: true,
		}))
		return access.NewEngine(access.WithAssignmentStore(store))
	}

	t.Run("security officer may override", func(t *testing.T) {
		engine := newTestEngine(t, WithAccessChecker(securityOfficer(t)))

		_, err := engine.ClassifyData(ctx, "record-1", "meeting notes", Context{})
		require.NoError(t, err)

		result, err := engine.ManuallyClassifyData(ctx, &models.AccessContext{UserID: "officer"},
			"record-1", models.ClassificationRestricted, models.SensitivityHigh, "contains unreleased financials")
		require.NoError(t, err)

		assert.Equal(t, models.ClassificationRestricted, result.Classification)
		assert.Equal(t, "officer", result.ClassifiedBy)
		assert.Equal(t, "contains unreleased financials", result.Justification)
		assert.True(t, result.Protection.EncryptionRequired)

		stored, err := engine.Classification(ctx, "record-1")
		require.NoError(t, err)
		assert.Equal(t, models.ClassificationRestricted, stored.Classification)
	})

	t.Run("denied without security config", func(t *testing.T) {
		engine := newTestEngine(t, WithAccessChecker(access.NewEngine()))

		_, err := engine.ManuallyClassifyData(ctx, &models.AccessContext{UserID: "intruder"},
			"record-1", models.ClassificationPublic, models.SensitivityLow, "declassify")
		require.Error(t, err)
		assert.True(t, errors.IsAuthorization(err))
	})

	t.Run("requires justification", func(t *testing.T) {
		engine := newTestEngine(t, WithAccessChecker(securityOfficer(t)))

		_, err := engine.ManuallyClassifyData(ctx, &models.AccessContext{UserID: "officer"},
			"record-1", models.ClassificationPublic, models.SensitivityLow, "")
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})
}

func TestGenerateClassificationReport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine := newTestEngine(t)

	_, err := engine.ClassifyData(ctx, "r1", "ssn 123-45-6789", Context{})
	require.NoError(t, err)
	_, err = engine.ClassifyData(ctx, "r2", "contact bob@example.com", Context{})
	require.NoError(t, err)
	_, err = engine.ClassifyData(ctx, "r3", "plain notes", Context{})
	require.NoError(t, err)

	report, err := engine.GenerateClassificationReport(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 1, report.ByClassification[models.ClassificationRestricted])
	assert.Equal(t, 1, report.ByClassification[models.ClassificationConfidential])
	assert.Equal(t, 1, report.ByClassification[models.ClassificationInternal])
	assert.InDelta(t, 2.0/3.0, report.ProtectedRatio, 0.01)
	assert.Equal(t, 2, report.ByStandard[models.ComplianceGDPR])
	assert.Greater(t, report.AverageConfidence, 0.0)
}

func TestClassificationStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewMemoryStore()
	engine := newTestEngine(t, WithStore(store))

	result, err := engine.ClassifyData(ctx, "record-1", "ssn 123-45-6789", Context{})
	require.NoError(t, err)

	// Results reach the configured store, not just the engine.
	persisted, err := store.Get(ctx, "record-1")
	require.NoError(t, err)
	assert.Equal(t, result.Classification, persisted.Classification)
	assert.Equal(t, result.Patterns, persisted.Patterns)

	_, err = store.Get(ctx, "record-2")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestClassificationMetrics(t *testing.T) {
	ctx := context.Background()
	metrics.ResetRegistry()
	core := metrics.NewCoreMetrics()
	engine := newTestEngine(t, WithMetrics(core))

	_, err := engine.ClassifyData(ctx, "r1", "ssn 123-45-6789", Context{})
	require.NoError(t, err)
	_, err = engine.ClassifyData(ctx, "r2", "plain notes", Context{})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(
		core.Classifications.WithLabelValues(string(models.ClassificationRestricted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		core.Classifications.WithLabelValues(string(models.ClassificationInternal))))
}
