// Package main implements the castellan-cli command-line tool.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/castellan-project/castellan/internal/access"
	"github.com/castellan-project/castellan/internal/audit"
	"github.com/castellan-project/castellan/internal/classify"
	"github.com/castellan-project/castellan/internal/config"
	"github.com/castellan-project/castellan/internal/crypto"
	"github.com/castellan-project/castellan/internal/fieldcrypt"
	"github.com/castellan-project/castellan/internal/keys"
	"github.com/castellan-project/castellan/pkg/metrics"
	"github.com/castellan-project/castellan/pkg/models"
	"github.com/castellan-project/castellan/pkg/postgres"
	"github.com/castellan-project/castellan/pkg/telemetry"
	"github.com/castellan-project/castellan/pkg/vault"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "castellan-cli",
	Short:   "Castellan CLI - security and compliance core",
	Long:    `Castellan CLI provides command-line access to key lifecycle, audit, access control, field encryption, and data classification operations.`,
	Version: version,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(rolesCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(fieldCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(serveCmd)

	rootCmd.PersistentFlags().String("config", "", "Config file path")
	rootCmd.PersistentFlags().String("actor", "cli-admin", "User ID performing the operation")
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	rootCmd.PersistentFlags().Bool("memory", false, "Use in-memory stores instead of PostgreSQL")
}

// ============================================================================
// Runtime wiring
// ============================================================================

// runtime holds the wired service graph for one CLI invocation.
type runtime struct {
	cfg         *config.Config
	logger      *slog.Logger
	crypto      *crypto.Service
	ledger      *audit.Ledger
	keys        *keys.Manager
	access      *access.Engine
	assignments access.AssignmentStore
	encryptor   *fieldcrypt.Encryptor
	classifier  *classify.Engine
	db          *postgres.DB
	tracer      *telemetry.TracerProvider
	metrics     *metrics.CoreMetrics
}

func newRuntime(cmd *cobra.Command) (*runtime, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	inMemory, _ := cmd.Root().PersistentFlags().GetBool("memory")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg)
	rt := &runtime{cfg: cfg, logger: logger}
	rt.crypto = crypto.NewService(logger)
	rt.metrics = metrics.NewCoreMetrics()

	rt.tracer, err = telemetry.Init(cmd.Context(), telemetry.Config{
		ServiceName:    "castellan-cli",
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	ledgerOpts := []audit.Option{
		audit.WithChainSize(cfg.Audit.ChainSize),
		audit.WithLogger(logger),
		audit.WithMetrics(rt.metrics),
	}
	keyStore := keys.MetadataStore(keys.NewMemoryStore())
	assignments := access.AssignmentStore(access.NewMemoryAssignmentStore())
	policies := access.PolicyStore(access.NewMemoryPolicyStore())
	classifications := classify.Store(classify.NewMemoryStore())

	if !inMemory {
		db, err := postgres.New(&postgres.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.Username,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.Database,
			SSLMode:         cfg.Database.SSLMode,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database (use --memory for standalone mode): %w", err)
		}
		rt.db = db
		ledgerOpts = append(ledgerOpts, audit.WithChainStore(postgres.NewAuditChainRepository(db)))
		keyStore = postgres.NewKeyMetadataRepository(db)
		assignments = postgres.NewRoleAssignmentRepository(db)
		policies = postgres.NewPolicyRepository(db)
		classifications = postgres.NewClassificationRepository(db)
	}

	rt.ledger, err = audit.NewLedger(rt.crypto, ledgerOpts...)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("create audit ledger: %w", err)
	}

	keyOpts := []keys.Option{
		keys.WithStore(keyStore),
		keys.WithRecorder(rt.ledger),
		keys.WithLogger(logger),
		keys.WithMetrics(rt.metrics),
		keys.WithApprovalRequirement(cfg.Keys.RequireApproval),
	}
	if cfg.Vault.Enabled {
		vc, err := vault.New(&vault.Config{
			Address:   cfg.Vault.Address,
			Token:     cfg.Vault.Token,
			Namespace: cfg.Vault.Namespace,
			Timeout:   cfg.Vault.Timeout,
		}, logger)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("create vault client: %w", err)
		}
		provider, err := vault.NewKeyProvider(cmd.Context(), vc, cfg.Vault.TransitMount)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("connect to vault transit: %w", err)
		}
		keyOpts = append(keyOpts, keys.WithProvider(vault.ProviderName, provider))
	}
	rt.keys = keys.NewManager(keys.NewSoftwareProvider(rt.crypto), keyOpts...)

	rt.assignments = assignments
	rt.access = access.NewEngine(
		access.WithAssignmentStore(assignments),
		access.WithPolicyStore(policies),
		access.WithRecorder(rt.ledger),
		access.WithCacheTTL(cfg.Access.CacheTTL),
		access.WithLogger(logger),
		access.WithMetrics(rt.metrics),
	)

	rt.encryptor, err = fieldcrypt.NewEncryptor(rt.crypto,
		fieldcrypt.WithRecorder(rt.ledger),
		fieldcrypt.WithLogger(logger),
		fieldcrypt.WithMetrics(rt.metrics),
	)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("create field encryptor: %w", err)
	}

	rt.classifier, err = classify.NewEngine(
		classify.WithAccessChecker(rt.access),
		classify.WithRecorder(rt.ledger),
		classify.WithLogger(logger),
		classify.WithStore(classifications),
		classify.WithMetrics(rt.metrics),
	)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("create classification engine: %w", err)
	}

	return rt, nil
}

func (rt *runtime) close() {
	if rt.keys != nil {
		rt.keys.Close()
	}
	if rt.db != nil {
		_ = rt.db.Close()
	}
	if rt.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.tracer.Shutdown(ctx)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func actor(cmd *cobra.Command) string {
	a, _ := cmd.Root().PersistentFlags().GetString("actor")
	return a
}

// finishSpan tags the span with the operation outcome and ends it.
func finishSpan(span trace.Span, operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	span.SetAttributes(telemetry.OperationAttrs(operation, result)...)
	span.End()
}

func printResult(cmd *cobra.Command, v any, plain func()) {
	jsonOutput, _ := cmd.Root().PersistentFlags().GetBool("json")
	if jsonOutput {
		data, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(data))
		return
	}
	plain()
}

// ============================================================================
// Key Commands
// ============================================================================

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Key lifecycle management",
	Long:  `Generate, rotate, revoke, and destroy encryption keys, and check their compliance posture.`,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new key",
	RunE:  runKeysGenerate,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List managed keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		list, err := rt.keys.ListKeys(cmd.Context())
		if err != nil {
			return fmt.Errorf("list keys: %w", err)
		}
		printResult(cmd, list, func() {
			for _, k := range list {
				fmt.Printf("%s  %s  %s  %s  %s\n", k.ID, k.Algorithm, k.State, k.Classification, k.Owner)
			}
		})
		return nil
	},
}

var keysGetCmd = &cobra.Command{
	Use:   "get [key-id]",
	Short: "Get key metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		key, err := rt.keys.GetKey(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get key: %w", err)
		}
		printResult(cmd, key, func() {
			fmt.Printf("ID: %s\nAlgorithm: %s\nState: %s\nClassification: %s\nOwner: %s\nCreated: %s\n",
				key.ID, key.Algorithm, key.State, key.Classification, key.Owner, key.CreatedAt.Format(time.RFC3339))
		})
		return nil
	},
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate [key-id]",
	Short: "Rotate a key, deactivating the old version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		ctx, span := rt.tracer.StartSpan(cmd.Context(), "keys.rotate")
		newKey, err := rt.keys.RotateKey(ctx, args[0], actor(cmd))
		finishSpan(span, "rotate_key", err)
		if err != nil {
			return fmt.Errorf("rotate key: %w", err)
		}
		printResult(cmd, newKey, func() {
			fmt.Printf("Key rotated: %s -> %s\n", args[0], newKey.ID)
		})
		return nil
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke [key-id]",
	Short: "Revoke a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		if reason == "" {
			return fmt.Errorf("--reason is required")
		}

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.keys.RevokeKey(cmd.Context(), args[0], actor(cmd), reason); err != nil {
			return fmt.Errorf("revoke key: %w", err)
		}
		fmt.Printf("Key revoked: %s\n", args[0])
		return nil
	},
}

var keysDestroyCmd = &cobra.Command{
	Use:   "destroy [key-id]",
	Short: "Destroy a key permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		approvers, _ := cmd.Flags().GetStringSlice("approvers")

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.keys.DestroyKey(cmd.Context(), args[0], actor(cmd), approvers); err != nil {
			return fmt.Errorf("destroy key: %w", err)
		}
		fmt.Printf("Key destroyed: %s\n", args[0])
		return nil
	},
}

var keysComplianceCmd = &cobra.Command{
	Use:   "compliance [key-id]",
	Short: "Check a key against its compliance requirements",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		result, err := rt.keys.CheckCompliance(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("check compliance: %w", err)
		}
		printResult(cmd, result, func() {
			if result.Compliant {
				fmt.Printf("Key %s is compliant\n", result.KeyID)
				return
			}
			fmt.Printf("Key %s has %d issue(s):\n", result.KeyID, len(result.Issues))
			for _, issue := range result.Issues {
				fmt.Printf("  [%s] %s\n", issue.Code, issue.Message)
			}
		})
		return nil
	},
}

func init() {
	keysGenerateCmd.Flags().String("algorithm", string(models.AlgorithmAES256GCM), "Key algorithm (AES-256-GCM, RSA-2048, RSA-4096, HMAC-SHA256)")
	keysGenerateCmd.Flags().Int("size", 256, "Key size in bits")
	keysGenerateCmd.Flags().StringSlice("purposes", []string{"encrypt", "decrypt"}, "Key purposes")
	keysGenerateCmd.Flags().String("classification", string(models.ClassificationConfidential), "Data classification")
	keysGenerateCmd.Flags().StringSlice("compliance", nil, "Compliance standards (GDPR, HIPAA, SOX, PCI-DSS)")
	keysGenerateCmd.Flags().StringSlice("approvers", nil, "Destruction approvers (required for RESTRICTED and above)")
	keysGenerateCmd.Flags().String("provider", "", "Key provider (software, vault-transit)")
	keysGenerateCmd.Flags().Duration("rotation-interval", 0, "Rotation interval (0 disables scheduled rotation)")
	keysGenerateCmd.Flags().Bool("auto-rotate", false, "Rotate automatically when due")
	keysGenerateCmd.Flags().Duration("expires-in", 0, "Key lifetime (0 for no expiry)")

	keysRevokeCmd.Flags().String("reason", "", "Revocation reason")
	keysDestroyCmd.Flags().StringSlice("approvers", nil, "Approvers present for destruction")

	keysCmd.AddCommand(keysGenerateCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysGetCmd)
	keysCmd.AddCommand(keysRotateCmd)
	keysCmd.AddCommand(keysRevokeCmd)
	keysCmd.AddCommand(keysDestroyCmd)
	keysCmd.AddCommand(keysComplianceCmd)
}

func runKeysGenerate(cmd *cobra.Command, args []string) error {
	algorithm, _ := cmd.Flags().GetString("algorithm")
	size, _ := cmd.Flags().GetInt("size")
	purposes, _ := cmd.Flags().GetStringSlice("purposes")
	classification, _ := cmd.Flags().GetString("classification")
	compliance, _ := cmd.Flags().GetStringSlice("compliance")
	approvers, _ := cmd.Flags().GetStringSlice("approvers")
	provider, _ := cmd.Flags().GetString("provider")
	rotationInterval, _ := cmd.Flags().GetDuration("rotation-interval")
	autoRotate, _ := cmd.Flags().GetBool("auto-rotate")
	expiresIn, _ := cmd.Flags().GetDuration("expires-in")

	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	if !cmd.Flags().Changed("size") {
		size = rt.cfg.Keys.DefaultKeySize
	}

	req := keys.GenerateKeyRequest{
		Algorithm:      models.KeyAlgorithm(algorithm),
		Size:           size,
		Classification: models.Classification(classification),
		Approvers:      approvers,
		Provider:       provider,
	}
	for _, p := range purposes {
		req.Purposes = append(req.Purposes, models.KeyPurpose(p))
	}
	for _, c := range compliance {
		req.Compliance = append(req.Compliance, models.ComplianceStandard(c))
	}
	if rotationInterval > 0 {
		req.Rotation = &models.RotationPolicy{
			Enabled:    true,
			Interval:   rotationInterval,
			AutoRotate: autoRotate,
		}
	}
	if expiresIn > 0 {
		expiry := time.Now().Add(expiresIn)
		req.ExpiresAt = &expiry
	}

	ctx, span := rt.tracer.StartSpan(cmd.Context(), "keys.generate")
	key, err := rt.keys.GenerateKey(ctx, req, actor(cmd))
	finishSpan(span, "generate_key", err)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	printResult(cmd, key, func() {
		fmt.Printf("Key generated: %s (%s, %d bits, %s)\n", key.ID, key.Algorithm, key.Size, key.Classification)
	})
	return nil
}

// ============================================================================
// Audit Commands
// ============================================================================

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit ledger management",
	Long:  `Query, verify, export, and report on the tamper-evident audit ledger.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := auditFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		result, err := rt.ledger.QueryEvents(filter)
		if err != nil {
			return fmt.Errorf("query audit: %w", err)
		}
		printResult(cmd, result, func() {
			for _, ev := range result.Events {
				fmt.Printf("%s  %s  %s  %s  %s\n",
					ev.Timestamp.Format(time.RFC3339), ev.Type, ev.UserID, ev.Action, ev.Outcome)
			}
			fmt.Printf("%d of %d events, integrity: %s\n", len(result.Events), result.Total, result.Integrity)
		})
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify ledger integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		for _, chain := range rt.ledger.Chains() {
			result := rt.ledger.VerifyChain(chain)
			fmt.Printf("chain %s: %s (%d events)\n", chain.ID, result.Status, result.Checked)
			for _, p := range result.Problems {
				fmt.Printf("  %s\n", p)
			}
		}
		return nil
	},
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		filter, err := auditFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		result, err := rt.ledger.Export(audit.ExportFormat(format), filter)
		if err != nil {
			return fmt.Errorf("export audit: %w", err)
		}

		if output != "" {
			if err := os.WriteFile(output, result.Payload, 0600); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			fmt.Printf("Exported %d events to %s (checksum %s)\n", result.Count, output, result.Checksum)
		} else {
			fmt.Println(string(result.Payload))
		}
		return nil
	},
}

var auditReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a compliance report",
	RunE: func(cmd *cobra.Command, args []string) error {
		standard, _ := cmd.Flags().GetString("standard")
		since, until, err := timeWindowFromFlags(cmd)
		if err != nil {
			return err
		}

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		report, err := rt.ledger.GenerateComplianceReport(models.ComplianceStandard(standard), since, until)
		if err != nil {
			return fmt.Errorf("generate report: %w", err)
		}
		printResult(cmd, report, func() {
			fmt.Printf("Standard: %s\nPeriod: %s to %s\nEvents: %d\nVerdict: %s\n",
				report.Standard, report.PeriodStart.Format(time.RFC3339),
				report.PeriodEnd.Format(time.RFC3339), report.TotalEvents, report.Verdict)
			for _, f := range report.Findings {
				fmt.Printf("  finding: %s\n", f)
			}
			for _, r := range report.Remediations {
				fmt.Printf("  remediation: %s\n", r)
			}
		})
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{auditQueryCmd, auditExportCmd} {
		c.Flags().String("since", "", "Start time (RFC3339)")
		c.Flags().String("until", "", "End time (RFC3339)")
		c.Flags().String("event-type", "", "Filter by event type")
		c.Flags().String("user", "", "Filter by user ID")
		c.Flags().Int("limit", 100, "Maximum results")
	}
	auditExportCmd.Flags().String("format", "json", "Export format (json, csv, xml)")
	auditExportCmd.Flags().String("output", "", "Output file")

	auditReportCmd.Flags().String("standard", "GDPR", "Compliance standard (GDPR, HIPAA, SOX, PCI-DSS)")
	auditReportCmd.Flags().String("since", "", "Period start (RFC3339, default 30 days ago)")
	auditReportCmd.Flags().String("until", "", "Period end (RFC3339, default now)")

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditReportCmd)
}

func auditFilterFromFlags(cmd *cobra.Command) (audit.QueryFilter, error) {
	eventType, _ := cmd.Flags().GetString("event-type")
	userID, _ := cmd.Flags().GetString("user")
	limit, _ := cmd.Flags().GetInt("limit")

	since, until, err := timeWindowFromFlags(cmd)
	if err != nil {
		return audit.QueryFilter{}, err
	}
	return audit.QueryFilter{
		Since:  since,
		Until:  until,
		Type:   models.AuditEventType(eventType),
		UserID: userID,
		Limit:  limit,
	}, nil
}

func timeWindowFromFlags(cmd *cobra.Command) (time.Time, time.Time, error) {
	sinceStr, _ := cmd.Flags().GetString("since")
	untilStr, _ := cmd.Flags().GetString("until")

	since := time.Now().AddDate(0, 0, -30)
	until := time.Now()
	if sinceStr != "" {
		t, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse --since: %w", err)
		}
		since = t
	}
	if untilStr != "" {
		t, err := time.Parse(time.RFC3339, untilStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse --until: %w", err)
		}
		until = t
	}
	return since, until, nil
}

// ============================================================================
// Role Commands
// ============================================================================

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "Role assignment management",
	Long:  `Assign and revoke roles from the built-in role hierarchy.`,
}

var rolesAssignCmd = &cobra.Command{
	Use:   "assign [user-id] [role]",
	Short: "Assign a role to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		expiresIn, _ := cmd.Flags().GetDuration("expires-in")

		var expiresAt *time.Time
		if expiresIn > 0 {
			t := time.Now().Add(expiresIn)
			expiresAt = &t
		}

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		assignment, err := rt.access.AssignRole(cmd.Context(), actor(cmd), args[0], args[1], expiresAt)
		if err != nil {
			return fmt.Errorf("assign role: %w", err)
		}
		printResult(cmd, assignment, func() {
			fmt.Printf("Role %s assigned to %s (assignment %s)\n", assignment.Role, assignment.UserID, assignment.ID)
		})
		return nil
	},
}

var rolesRevokeCmd = &cobra.Command{
	Use:   "revoke [user-id] [role]",
	Short: "Revoke a role from a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.access.RevokeRole(cmd.Context(), actor(cmd), args[0], args[1]); err != nil {
			return fmt.Errorf("revoke role: %w", err)
		}
		fmt.Printf("Role %s revoked from %s\n", args[1], args[0])
		return nil
	},
}

var rolesBootstrapCmd = &cobra.Command{
	Use:   "bootstrap [user-id]",
	Short: "Grant SUPER_ADMIN directly, bypassing permission checks",
	Long:  `Writes a SUPER_ADMIN assignment straight to the store. Intended for first-time setup when no administrator exists yet.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		assignment := &models.UserRoleAssignment{
			ID:         uuid.NewString(),
			UserID:     args[0],
			Role:       access.RoleSuperAdmin,
			AssignedBy: "bootstrap",
			AssignedAt: time.Now(),
			Active:     true,
		}
		if err := rt.assignments.Save(cmd.Context(), assignment); err != nil {
			return fmt.Errorf("save assignment: %w", err)
		}
		fmt.Printf("Bootstrapped %s as %s\n", args[0], access.RoleSuperAdmin)
		return nil
	},
}

var rolesPermissionsCmd = &cobra.Command{
	Use:   "permissions [user-id]",
	Short: "Show a user's effective permissions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		perms, err := rt.access.GetUserPermissions(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get permissions: %w", err)
		}
		names := make([]string, 0, len(perms))
		for p := range perms {
			names = append(names, string(p))
		}
		printResult(cmd, names, func() {
			for _, n := range names {
				fmt.Println(n)
			}
		})
		return nil
	},
}

func init() {
	rolesAssignCmd.Flags().Duration("expires-in", 0, "Assignment lifetime (0 for permanent)")

	rolesCmd.AddCommand(rolesAssignCmd)
	rolesCmd.AddCommand(rolesRevokeCmd)
	rolesCmd.AddCommand(rolesBootstrapCmd)
	rolesCmd.AddCommand(rolesPermissionsCmd)
}

// ============================================================================
// Policy Commands
// ============================================================================

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Access policy management",
	Long:  `Manage attribute-based access policies, including Rego expression conditions.`,
}

var policyApplyCmd = &cobra.Command{
	Use:   "apply [policy-file]",
	Short: "Create or update a policy from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read policy file: %w", err)
		}
		var policy models.AccessPolicy
		if err := json.Unmarshal(content, &policy); err != nil {
			return fmt.Errorf("parse policy: %w", err)
		}

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.access.UpsertPolicy(cmd.Context(), &policy); err != nil {
			return fmt.Errorf("apply policy: %w", err)
		}
		fmt.Printf("Policy applied: %s (%s, priority %d)\n", policy.ID, policy.Effect, policy.Priority)
		return nil
	},
}

var policyRemoveCmd = &cobra.Command{
	Use:   "remove [policy-id]",
	Short: "Remove a policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.access.RemovePolicy(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("remove policy: %w", err)
		}
		fmt.Printf("Policy removed: %s\n", args[0])
		return nil
	},
}

func init() {
	policyCmd.AddCommand(policyApplyCmd)
	policyCmd.AddCommand(policyRemoveCmd)
}

// ============================================================================
// Field Encryption Commands
// ============================================================================

var fieldCmd = &cobra.Command{
	Use:   "field",
	Short: "Field-level encryption",
	Long:  `Encrypt and decrypt sensitive fields of JSON records with auto-detection.`,
}

var fieldEncryptCmd = &cobra.Command{
	Use:   "encrypt [record-file]",
	Short: "Encrypt sensitive fields of a JSON record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read record file: %w", err)
		}
		var record map[string]any
		if err := json.Unmarshal(content, &record); err != nil {
			return fmt.Errorf("parse record: %w", err)
		}

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		ctx, span := rt.tracer.StartSpan(cmd.Context(), "field.encrypt")
		encrypted, err := rt.encryptor.EncryptFields(ctx, record, true)
		finishSpan(span, "encrypt_fields", err)
		if err != nil {
			return fmt.Errorf("encrypt fields: %w", err)
		}
		data, _ := json.MarshalIndent(encrypted, "", "  ")
		fmt.Println(string(data))
		return nil
	},
}

var fieldDecryptCmd = &cobra.Command{
	Use:   "decrypt [record-file]",
	Short: "Decrypt an encrypted record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read record file: %w", err)
		}
		var record map[string]models.FieldValue
		if err := json.Unmarshal(content, &record); err != nil {
			return fmt.Errorf("parse record: %w", err)
		}

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		decrypted, err := rt.encryptor.DecryptFields(cmd.Context(), record)
		if err != nil {
			return fmt.Errorf("decrypt fields: %w", err)
		}
		data, _ := json.MarshalIndent(decrypted, "", "  ")
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	fieldCmd.AddCommand(fieldEncryptCmd)
	fieldCmd.AddCommand(fieldDecryptCmd)
}

// ============================================================================
// Classification Commands
// ============================================================================

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Data classification",
	Long:  `Classify records against the built-in rule set and report on classified data.`,
}

var classifyScanCmd = &cobra.Command{
	Use:   "scan [record-file]",
	Short: "Classify a JSON record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		filename, _ := cmd.Flags().GetString("filename")
		if subject == "" {
			subject = strings.TrimSuffix(args[0], ".json")
		}

		content, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read record file: %w", err)
		}
		var record any
		if err := json.Unmarshal(content, &record); err != nil {
			record = string(content)
		}

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		ctx, span := rt.tracer.StartSpan(cmd.Context(), "classify.scan")
		classified, err := rt.classifier.ClassifyData(ctx, subject, record, classify.Context{
			Filename: filename,
			Source:   "cli",
		})
		finishSpan(span, "classify_data", err)
		if err != nil {
			return fmt.Errorf("classify: %w", err)
		}
		printResult(cmd, classified, func() {
			fmt.Printf("Subject: %s\nClassification: %s\nSensitivity: %s\nConfidence: %.2f\n",
				classified.SubjectID, classified.Classification, classified.Sensitivity, classified.Confidence)
			if len(classified.Compliance) > 0 {
				fmt.Printf("Compliance: %v\n", classified.Compliance)
			}
			if len(classified.Patterns) > 0 {
				fmt.Printf("Patterns: %v\n", classified.Patterns)
			}
		})
		return nil
	},
}

var classifyReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a classification report",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		report, err := rt.classifier.GenerateClassificationReport(cmd.Context())
		if err != nil {
			return fmt.Errorf("generate report: %w", err)
		}
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	classifyScanCmd.Flags().String("subject", "", "Subject ID for the record (default: file name)")
	classifyScanCmd.Flags().String("filename", "", "Original filename, used by filename rules")

	classifyCmd.AddCommand(classifyScanCmd)
	classifyCmd.AddCommand(classifyReportCmd)
}

// ============================================================================
// Migrate and Metrics Commands
// ============================================================================

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Root().PersistentFlags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		db, err := postgres.New(&postgres.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.Username,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()

		if err := db.RunMigrations(cmd.Context()); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		fmt.Println("Migrations applied.")
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the long-lived service mode",
	Long:  `Keeps the wired service graph running: scheduled key rotation (timers plus the overdue sweep) and the Prometheus scrape endpoint. Stops on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.keys.StartSweep(rt.cfg.Keys.RotationSweep); err != nil {
			return fmt.Errorf("start rotation sweep: %w", err)
		}
		rt.logger.Info("rotation sweep started", "schedule", rt.cfg.Keys.RotationSweep)

		addr := rt.cfg.Metrics.Addr
		if cmd.Flags().Changed("addr") {
			addr, _ = cmd.Flags().GetString("addr")
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		rt.logger.Info("metrics endpoint listening", "addr", addr)

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-stop:
			rt.logger.Info("shutting down", "signal", sig.String())
		case err := <-errCh:
			return fmt.Errorf("serve metrics: %w", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Metrics listen address (overrides config)")
}
