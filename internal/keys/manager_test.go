package keys

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-project/castellan/internal/crypto"
	"github.com/castellan-project/castellan/pkg/errors"
	"github.com/castellan-project/castellan/pkg/metrics"
	"github.com/castellan-project/castellan/pkg/models"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *crypto.Service) {
	t.Helper()
	svc := crypto.NewService(nil)
	m := NewManager(NewSoftwareProvider(svc), opts...)
	t.Cleanup(m.Close)
	return m, svc
}

func symmetricRequest() GenerateKeyRequest {
	return GenerateKeyRequest{
		Algorithm:      models.AlgorithmAES256GCM,
		Size:           256,
		Purposes:       []models.KeyPurpose{models.KeyPurposeEncrypt, models.KeyPurposeDecrypt},
		Classification: models.ClassificationConfidential,
	}
}

func TestGenerateKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("creates active key with material", func(t *testing.T) {
		m, svc := newTestManager(t)

		key, err := m.GenerateKey(ctx, symmetricRequest(), "alice")
		require.NoError(t, err)

		assert.Equal(t, models.KeyStateActive, key.State)
		assert.Equal(t, "alice", key.Owner)
		assert.NotEmpty(t, key.ID)
		assert.True(t, svc.HasKey(key.HSMHandle))
	})

	t.Run("rejects invalid request", func(t *testing.T) {
		m, _ := newTestManager(t)

		_, err := m.GenerateKey(ctx, GenerateKeyRequest{Algorithm: models.AlgorithmAES256GCM}, "alice")
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})

	t.Run("high classification requires approvers", func(t *testing.T) {
		m, _ := newTestManager(t)

		req := symmetricRequest()
		req.Classification = models.ClassificationTopSecret
		_, err := m.GenerateKey(ctx, req, "alice")
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))

		req.Approvers = []string{"bob"}
		_, err = m.GenerateKey(ctx, req, "alice")
		require.NoError(t, err)
	})

	t.Run("approval requirement can be disabled", func(t *testing.T) {
		m, _ := newTestManager(t, WithApprovalRequirement(false))

		req := symmetricRequest()
		req.Classification = models.ClassificationTopSecret
		_, err := m.GenerateKey(ctx, req, "alice")
		require.NoError(t, err)
	})

	t.Run("rotation policy seeds next rotation", func(t *testing.T) {
		m, _ := newTestManager(t)

		req := symmetricRequest()
		req.Rotation = &models.RotationPolicy{Enabled: true, Interval: 30 * 24 * time.Hour}
		key, err := m.GenerateKey(ctx, req, "alice")
		require.NoError(t, err)

		require.NotNil(t, key.Rotation)
		assert.Equal(t, key.Rotation.LastRotation.Add(30*24*time.Hour), key.Rotation.NextRotation)
		assert.True(t, m.scheduler.scheduled(key.ID))
	})
}

func TestRotateKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("successor inherits parameters under new id", func(t *testing.T) {
		m, svc := newTestManager(t)

		req := symmetricRequest()
		req.Compliance = []models.ComplianceStandard{models.CompliancePCIDSS}
		req.Rotation = &models.RotationPolicy{Enabled: true, Interval: time.Hour, AutoRotate: true}
		old, err := m.GenerateKey(ctx, req, "alice")
		require.NoError(t, err)

		rotated, err := m.RotateKey(ctx, old.ID, "alice")
		require.NoError(t, err)

		assert.NotEqual(t, old.ID, rotated.ID)
		assert.Equal(t, old.Algorithm, rotated.Algorithm)
		assert.Equal(t, old.Size, rotated.Size)
		assert.Equal(t, old.Purposes, rotated.Purposes)
		assert.Equal(t, old.Classification, rotated.Classification)
		assert.Equal(t, old.Compliance, rotated.Compliance)
		assert.Equal(t, models.KeyStateActive, rotated.State)
		assert.True(t, svc.HasKey(rotated.HSMHandle))

		retired, err := m.GetKey(ctx, old.ID)
		require.NoError(t, err)
		assert.Equal(t, models.KeyStateInactive, retired.State)

		assert.False(t, m.scheduler.scheduled(old.ID))
		assert.True(t, m.scheduler.scheduled(rotated.ID))
	})

	t.Run("only active keys rotate", func(t *testing.T) {
		m, _ := newTestManager(t)

		key, err := m.GenerateKey(ctx, symmetricRequest(), "alice")
		require.NoError(t, err)
		require.NoError(t, m.RevokeKey(ctx, key.ID, "alice", "compromise suspected"))

		_, err = m.RotateKey(ctx, key.ID, "alice")
		require.Error(t, err)
		assert.True(t, errors.IsState(err))
	})

	t.Run("unknown key", func(t *testing.T) {
		m, _ := newTestManager(t)
		_, err := m.RotateKey(ctx, "missing", "alice")
		assert.ErrorIs(t, err, errors.ErrKeyNotFound)
	})
}

func TestRevokeKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("revokes active key and purges material", func(t *testing.T) {
		m, svc := newTestManager(t)

		key, err := m.GenerateKey(ctx, symmetricRequest(), "alice")
		require.NoError(t, err)

		require.NoError(t, m.RevokeKey(ctx, key.ID, "alice", "key compromise"))

		revoked, err := m.GetKey(ctx, key.ID)
		require.NoError(t, err)
		assert.Equal(t, models.KeyStateRevoked, revoked.State)
		assert.Equal(t, "key compromise", revoked.RevokedReason)
		assert.False(t, svc.HasKey(key.HSMHandle))
	})

	t.Run("revoking twice is a state error", func(t *testing.T) {
		m, _ := newTestManager(t)

		key, err := m.GenerateKey(ctx, symmetricRequest(), "alice")
		require.NoError(t, err)
		require.NoError(t, m.RevokeKey(ctx, key.ID, "alice", "first"))

		err = m.RevokeKey(ctx, key.ID, "alice", "second")
		require.Error(t, err)
		assert.True(t, errors.IsState(err))
	})
}

func TestDestroyKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("destroys inactive key", func(t *testing.T) {
		m, _ := newTestManager(t)

		key, err := m.GenerateKey(ctx, symmetricRequest(), "alice")
		require.NoError(t, err)
		_, err = m.RotateKey(ctx, key.ID, "alice")
		require.NoError(t, err)
		require.NoError(t, m.DestroyKey(ctx, key.ID, "alice", nil))

		destroyed, err := m.GetKey(ctx, key.ID)
		require.NoError(t, err)
		assert.Equal(t, models.KeyStateDestroyed, destroyed.State)
	})

	t.Run("revoked key cannot be destroyed", func(t *testing.T) {
		m, _ := newTestManager(t)

		key, err := m.GenerateKey(ctx, symmetricRequest(), "alice")
		require.NoError(t, err)
		require.NoError(t, m.RevokeKey(ctx, key.ID, "alice", "compromise"))

		err = m.DestroyKey(ctx, key.ID, "alice", nil)
		require.Error(t, err)
		assert.True(t, errors.IsState(err))

		still, err := m.GetKey(ctx, key.ID)
		require.NoError(t, err)
		assert.Equal(t, models.KeyStateRevoked, still.State)
	})

	t.Run("destroyed is terminal", func(t *testing.T) {
		m, _ := newTestManager(t)

		key, err := m.GenerateKey(ctx, symmetricRequest(), "alice")
		require.NoError(t, err)
		require.NoError(t, m.DestroyKey(ctx, key.ID, "alice", nil))

		err = m.DestroyKey(ctx, key.ID, "alice", nil)
		require.Error(t, err)
		assert.True(t, errors.IsState(err))

		_, err = m.RotateKey(ctx, key.ID, "alice")
		assert.True(t, errors.IsState(err))
	})

	t.Run("partial approval quorum fails and leaves state unchanged", func(t *testing.T) {
		m, _ := newTestManager(t)

		req := symmetricRequest()
		req.Classification = models.ClassificationRestricted
		req.Approvers = []string{"bob", "carol"}
		key, err := m.GenerateKey(ctx, req, "alice")
		require.NoError(t, err)

		err = m.DestroyKey(ctx, key.ID, "alice", []string{"bob"})
		require.Error(t, err)
		assert.True(t, errors.IsAuthorization(err))

		unchanged, err := m.GetKey(ctx, key.ID)
		require.NoError(t, err)
		assert.Equal(t, models.KeyStateActive, unchanged.State)

		require.NoError(t, m.DestroyKey(ctx, key.ID, "alice", []string{"bob", "carol"}))
	})
}

func TestCheckCompliance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("clean key is compliant", func(t *testing.T) {
		m, _ := newTestManager(t)

		key, err := m.GenerateKey(ctx, symmetricRequest(), "alice")
		require.NoError(t, err)

		result, err := m.CheckCompliance(ctx, key.ID)
		require.NoError(t, err)
		assert.True(t, result.Compliant)
		assert.Empty(t, result.Issues)
	})

	t.Run("expired key", func(t *testing.T) {
		m, _ := newTestManager(t)

		req := symmetricRequest()
		past := time.Now().Add(-time.Hour)
		req.ExpiresAt = &past
		key, err := m.GenerateKey(ctx, req, "alice")
		require.NoError(t, err)

		result, err := m.CheckCompliance(ctx, key.ID)
		require.NoError(t, err)
		assert.False(t, result.Compliant)
		requireIssue(t, result, IssueExpiryOverdue)
	})

	t.Run("rotation overdue and approaching", func(t *testing.T) {
		base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
		clock := base
		m, _ := newTestManager(t, WithClock(func() time.Time { return clock }))

		req := symmetricRequest()
		req.Rotation = &models.RotationPolicy{Enabled: true, Interval: 10 * 24 * time.Hour}
		key, err := m.GenerateKey(ctx, req, "alice")
		require.NoError(t, err)

		// Inside the warning window but not yet due.
		clock = base.Add(5 * 24 * time.Hour)
		result, err := m.CheckCompliance(ctx, key.ID)
		require.NoError(t, err)
		requireIssue(t, result, IssueRotationApproaching)

		clock = base.Add(11 * 24 * time.Hour)
		result, err = m.CheckCompliance(ctx, key.ID)
		require.NoError(t, err)
		requireIssue(t, result, IssueRotationOverdue)
	})

	t.Run("key size below standard minimum", func(t *testing.T) {
		m, _ := newTestManager(t)

		req := symmetricRequest()
		req.Size = 128
		req.Compliance = []models.ComplianceStandard{models.CompliancePCIDSS}
		key, err := m.GenerateKey(ctx, req, "alice")
		require.NoError(t, err)

		result, err := m.CheckCompliance(ctx, key.ID)
		require.NoError(t, err)
		requireIssue(t, result, IssueKeySizeBelowMinimum)
	})

	t.Run("top secret without hsm", func(t *testing.T) {
		m, _ := newTestManager(t)

		req := symmetricRequest()
		req.Classification = models.ClassificationTopSecret
		req.Approvers = []string{"bob"}
		key, err := m.GenerateKey(ctx, req, "alice")
		require.NoError(t, err)

		result, err := m.CheckCompliance(ctx, key.ID)
		require.NoError(t, err)
		requireIssue(t, result, IssueHSMRequired)
	})
}

func TestScheduledRotation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestManager(t)

	req := symmetricRequest()
	req.Rotation = &models.RotationPolicy{Enabled: true, Interval: 10 * time.Millisecond, AutoRotate: true}
	key, err := m.GenerateKey(ctx, req, "alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, err := m.GetKey(ctx, key.ID)
		return err == nil && current.State == models.KeyStateInactive
	}, 2*time.Second, 10*time.Millisecond, "timer-driven rotation should retire the key")

	all, err := m.ListKeys(ctx)
	require.NoError(t, err)

	active := 0
	for _, k := range all {
		if k.State == models.KeyStateActive {
			active++
		}
	}
	assert.GreaterOrEqual(t, active, 1)
}

func TestSweepOverdueRotations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clock := time.Now()
	m, _ := newTestManager(t, WithClock(func() time.Time { return clock }))

	req := symmetricRequest()
	req.Rotation = &models.RotationPolicy{Enabled: true, Interval: time.Hour, AutoRotate: true}
	key, err := m.GenerateKey(ctx, req, "alice")
	require.NoError(t, err)

	// Simulate a lost timer; the sweep is the safety net.
	m.scheduler.cancel(key.ID)
	clock = clock.Add(2 * time.Hour)

	m.sweepOverdueRotations()

	retired, err := m.GetKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KeyStateInactive, retired.State)

	all, err := m.ListKeys(ctx)
	require.NoError(t, err)
	var successor *models.KeyMetadata
	for _, k := range all {
		if k.ID != key.ID && k.State == models.KeyStateActive {
			successor = k
		}
	}
	require.NotNil(t, successor, "sweep should rotate the overdue key")
	assert.True(t, m.scheduler.scheduled(successor.ID))
}

func TestStartSweep(t *testing.T) {
	t.Parallel()

	t.Run("rejects malformed schedule", func(t *testing.T) {
		m, _ := newTestManager(t)
		require.Error(t, m.StartSweep("every blue moon"))
	})

	t.Run("empty schedule defaults to hourly", func(t *testing.T) {
		m, _ := newTestManager(t)
		require.NoError(t, m.StartSweep(""))
	})
}

func TestKeyLifecycleMetrics(t *testing.T) {
	ctx := context.Background()
	metrics.ResetRegistry()
	core := metrics.NewCoreMetrics()
	m, _ := newTestManager(t, WithMetrics(core))

	key, err := m.GenerateKey(ctx, symmetricRequest(), "alice")
	require.NoError(t, err)
	require.NoError(t, m.RevokeKey(ctx, key.ID, "alice", "compromise"))

	assert.Equal(t, 1.0, testutil.ToFloat64(core.KeyOperations.WithLabelValues("generate_key", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.KeyOperations.WithLabelValues("revoke_key", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(core.KeysByState.WithLabelValues(string(models.KeyStateActive))))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.KeysByState.WithLabelValues(string(models.KeyStateRevoked))))

	err = m.DestroyKey(ctx, key.ID, "alice", nil)
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(core.KeyOperations.WithLabelValues("destroy_key", "denied")))
}

func requireIssue(t *testing.T, result *ComplianceResult, code ComplianceIssueCode) {
	t.Helper()
	for _, issue := range result.Issues {
		if issue.Code == code {
			return
		}
	}
	t.Fatalf("expected compliance issue %q, got %v", code, result.Issues)
}
