package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-project/castellan/internal/crypto"
	"github.com/castellan-project/castellan/pkg/metrics"
	"github.com/castellan-project/castellan/pkg/models"
)

func newTestLedger(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	ledger, err := NewLedger(crypto.NewService(nil), opts...)
	require.NoError(t, err)
	return ledger
}

func logN(t *testing.T, ledger *Ledger, n int) []*models.AuditEvent {
	t.Helper()
	events := make([]*models.AuditEvent, 0, n)
	for i := 0; i < n; i++ {
		ev, err := ledger.LogEvent(context.Background(), Entry{
			Type:    models.EventTypeDataAccess,
			Action:  fmt.Sprintf("read-file-%d", i),
			Outcome: models.OutcomeSuccess,
			UserID:  "user-1",
		})
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func TestLogEventChaining(t *testing.T) {
	t.Parallel()
	ledger := newTestLedger(t)
	events := logN(t, ledger, 5)

	assert.Equal(t, genesisHash, events[0].Integrity.PreviousHash)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Integrity.Hash, events[i].Integrity.PreviousHash)
	}
	for _, ev := range events {
		assert.NotEmpty(t, ev.Integrity.Hash)
		assert.NotEmpty(t, ev.Integrity.Signature)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestLogEventValidation(t *testing.T) {
	t.Parallel()
	ledger := newTestLedger(t)

	_, err := ledger.LogEvent(context.Background(), Entry{Type: models.EventTypeDataAccess})
	require.Error(t, err)

	_, err = ledger.LogEvent(context.Background(), Entry{Action: "read"})
	require.Error(t, err)
}

func TestSanitizeDetails(t *testing.T) {
	t.Parallel()
	ledger := newTestLedger(t)

	ev, err := ledger.LogEvent(context.Background(), Entry{
		Type:    models.EventTypeAuthentication,
		Action:  "login",
		Outcome: models.OutcomeSuccess,
		Details: map[string]any{
			"password":    "hunter2",
			"api_token":   "abc",
			"ssn":         "123-45-6789",
			"creditCard":  "4111111111111111",
			"secret_path": "/etc/shadow",
			"username":    "alice",
			"nested": map[string]any{
				"apiKey": "xyz",
				"count":  3,
			},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "[REDACTED]", ev.Details["password"])
	assert.Equal(t, "[REDACTED]", ev.Details["api_token"])
	assert.Equal(t, "[REDACTED]", ev.Details["ssn"])
	assert.Equal(t, "[REDACTED]", ev.Details["creditCard"])
	assert.Equal(t, "[REDACTED]", ev.Details["secret_path"])
	assert.Equal(t, "alice", ev.Details["username"])

	nested, ok := ev.Details["nested"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[REDACTED]", nested["apiKey"])
	assert.Equal(t, 3, nested["count"])
}

func TestVerifyIntegrity(t *testing.T) {
	t.Parallel()

	t.Run("verified for untouched sequence", func(t *testing.T) {
		ledger := newTestLedger(t)
		events := logN(t, ledger, 10)

		result := ledger.VerifyIntegrity(events)
		assert.Equal(t, models.IntegrityVerified, result.Status)
		assert.Empty(t, result.Problems)
	})

	t.Run("mutated field flips to compromised", func(t *testing.T) {
		ledger := newTestLedger(t)
		events := logN(t, ledger, 10)

		events[4].Action = "forged-action"

		result := ledger.VerifyIntegrity(events)
		assert.Equal(t, models.IntegrityCompromised, result.Status)
		assert.NotEmpty(t, result.Problems)
	})

	t.Run("forged hash breaks signature", func(t *testing.T) {
		ledger := newTestLedger(t)
		events := logN(t, ledger, 3)

		// Re-hash after mutation: linkage and signature still expose the forgery.
		events[1].UserID = "intruder"
		forged, err := eventHash(events[1])
		require.NoError(t, err)
		events[1].Integrity.Hash = forged

		result := ledger.VerifyIntegrity(events)
		assert.Equal(t, models.IntegrityCompromised, result.Status)
	})

	t.Run("missing signature is a warning", func(t *testing.T) {
		ledger := newTestLedger(t)
		events := logN(t, ledger, 2)
		events[1].Integrity.Signature = ""

		result := ledger.VerifyIntegrity(events)
		assert.Equal(t, models.IntegrityWarning, result.Status)
	})
}

func TestChainSealing(t *testing.T) {
	t.Parallel()
	store := &memoryChainStore{}
	ledger := newTestLedger(t, WithChainSize(10), WithChainStore(store))

	logN(t, ledger, 25)

	chains := ledger.Chains()
	require.Len(t, chains, 3)

	assert.True(t, chains[0].Sealed)
	assert.True(t, chains[1].Sealed)
	assert.False(t, chains[2].Sealed)

	assert.Len(t, chains[0].Events, 10)
	assert.Len(t, chains[1].Events, 10)
	assert.Len(t, chains[2].Events, 5)

	// Sealed chains carry their end hash and anchor their successor.
	assert.Equal(t, chains[0].Events[9].Integrity.Hash, chains[0].EndHash)
	assert.Equal(t, chains[0].EndHash, chains[1].StartHash)
	assert.Equal(t, chains[1].EndHash, chains[2].StartHash)

	// Both sealed chains reached the durable store.
	assert.Len(t, store.saved, 2)

	for _, chain := range chains[:2] {
		result := ledger.VerifyChain(chain)
		assert.Equal(t, models.IntegrityVerified, result.Status)
	}
}

func TestQueryEvents(t *testing.T) {
	t.Parallel()
	ledger := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.LogEvent(ctx, Entry{Type: models.EventTypeAuthentication, Action: "login", Outcome: models.OutcomeSuccess, UserID: "alice"})
	require.NoError(t, err)
	_, err = ledger.LogEvent(ctx, Entry{Type: models.EventTypeAuthentication, Action: "login", Outcome: models.OutcomeDenied, UserID: "bob"})
	require.NoError(t, err)
	_, err = ledger.LogEvent(ctx, Entry{Type: models.EventTypeDataExport, Action: "export-zip", Outcome: models.OutcomeSuccess, UserID: "alice", Resource: "project-7"})
	require.NoError(t, err)

	t.Run("filter by type", func(t *testing.T) {
		result, err := ledger.QueryEvents(QueryFilter{Type: models.EventTypeAuthentication})
		require.NoError(t, err)
		assert.Len(t, result.Events, 2)
		assert.Equal(t, models.IntegrityVerified, result.Integrity)
	})

	t.Run("filter by user and outcome", func(t *testing.T) {
		result, err := ledger.QueryEvents(QueryFilter{UserID: "bob", Outcome: models.OutcomeDenied})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "login", result.Events[0].Action)
		assert.Equal(t, models.SeverityMedium, result.Events[0].Severity)
	})

	t.Run("pagination", func(t *testing.T) {
		result, err := ledger.QueryEvents(QueryFilter{Offset: 1, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, 3, result.Total)
		assert.Len(t, result.Events, 1)
	})
}

func TestExportFormats(t *testing.T) {
	t.Parallel()
	ledger := newTestLedger(t)
	logN(t, ledger, 3)

	t.Run("json", func(t *testing.T) {
		result, err := ledger.Export(ExportJSON, QueryFilter{})
		require.NoError(t, err)
		assert.Equal(t, 3, result.Count)
		assert.Len(t, result.Checksum, 64)

		var events []*models.AuditEvent
		require.NoError(t, json.Unmarshal(result.Payload, &events))
		assert.Len(t, events, 3)
	})

	t.Run("csv", func(t *testing.T) {
		result, err := ledger.Export(ExportCSV, QueryFilter{})
		require.NoError(t, err)

		lines := strings.Split(strings.TrimSpace(string(result.Payload)), "\n")
		require.Len(t, lines, 4)
		assert.Equal(t, "ID,Timestamp,Event Type,User ID,Action,Outcome,IP Address,Resource", lines[0])
	})

	t.Run("xml", func(t *testing.T) {
		result, err := ledger.Export(ExportXML, QueryFilter{})
		require.NoError(t, err)
		payload := string(result.Payload)
		assert.Contains(t, payload, "<auditLog>")
		assert.Contains(t, payload, "<event>")
	})

	t.Run("unsupported format", func(t *testing.T) {
		_, err := ledger.Export("yaml", QueryFilter{})
		require.Error(t, err)
	})
}

func TestGenerateComplianceReport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("gdpr export imbalance", func(t *testing.T) {
		ledger := newTestLedger(t)
		for i := 0; i < 5; i++ {
			_, err := ledger.LogEvent(ctx, Entry{Type: models.EventTypeDataExport, Action: "export", Outcome: models.OutcomeSuccess})
			require.NoError(t, err)
		}
		_, err := ledger.LogEvent(ctx, Entry{Type: models.EventTypeGDPRRequest, Action: "subject-access-request", Outcome: models.OutcomeSuccess})
		require.NoError(t, err)

		report, err := ledger.GenerateComplianceReport(models.ComplianceGDPR, time.Time{}, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, VerdictWarning, report.Verdict)
		assert.NotEmpty(t, report.Findings)
		assert.NotEmpty(t, report.Remediations)
	})

	t.Run("gdpr balanced is compliant", func(t *testing.T) {
		ledger := newTestLedger(t)
		_, err := ledger.LogEvent(ctx, Entry{Type: models.EventTypeDataExport, Action: "export", Outcome: models.OutcomeSuccess})
		require.NoError(t, err)
		_, err = ledger.LogEvent(ctx, Entry{Type: models.EventTypeGDPRRequest, Action: "subject-access-request", Outcome: models.OutcomeSuccess})
		require.NoError(t, err)

		report, err := ledger.GenerateComplianceReport(models.ComplianceGDPR, time.Time{}, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, VerdictCompliant, report.Verdict)
	})

	t.Run("pci alerts produce warning", func(t *testing.T) {
		ledger := newTestLedger(t)
		_, err := ledger.LogEvent(ctx, Entry{Type: models.EventTypeSecurityAlert, Action: "brute-force-detected", Outcome: models.OutcomeFailure})
		require.NoError(t, err)

		report, err := ledger.GenerateComplianceReport(models.CompliancePCIDSS, time.Time{}, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, VerdictWarning, report.Verdict)
	})

	t.Run("unsupported standard", func(t *testing.T) {
		ledger := newTestLedger(t)
		_, err := ledger.GenerateComplianceReport("ISO27001", time.Time{}, time.Now())
		require.Error(t, err)
	})
}

func TestLedgerMetrics(t *testing.T) {
	metrics.ResetRegistry()
	core := metrics.NewCoreMetrics()
	ledger := newTestLedger(t, WithChainSize(5), WithMetrics(core))

	logN(t, ledger, 12)

	assert.Equal(t, 12.0, testutil.ToFloat64(
		core.AuditEvents.WithLabelValues(string(models.EventTypeDataAccess), string(models.SeverityLow))))
	assert.Equal(t, 2.0, testutil.ToFloat64(core.ChainSeals))
}

type memoryChainStore struct {
	saved []*models.AuditLogChain
}

func (s *memoryChainStore) SaveChain(_ context.Context, chain *models.AuditLogChain) error {
	s.saved = append(s.saved, chain)
	return nil
}
