package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/castellan-project/castellan/pkg/errors"
	"github.com/castellan-project/castellan/pkg/models"
)

// jsonb marshals a value for a JSONB column; nil stays NULL.
func jsonb(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb: %w", err)
	}
	return raw, nil
}

func unjsonb(raw []byte, into any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, into)
}

// =============================================================================
// Key metadata
// =============================================================================

// KeyMetadataRepository implements keys.MetadataStore on PostgreSQL.
type KeyMetadataRepository struct {
	db *DB
}

// NewKeyMetadataRepository creates a key metadata repository.
func NewKeyMetadataRepository(db *DB) *KeyMetadataRepository {
	return &KeyMetadataRepository{db: db}
}

func (r *KeyMetadataRepository) Save(ctx context.Context, key *models.KeyMetadata) error {
	id, err := uuid.Parse(key.ID)
	if err != nil {
		return fmt.Errorf("invalid key ID: %w", err)
	}

	purposes, err := jsonb(key.Purposes)
	if err != nil {
		return err
	}
	compliance, err := jsonb(key.Compliance)
	if err != nil {
		return err
	}
	rotation, err := jsonb(key.Rotation)
	if err != nil {
		return err
	}
	approvers, err := jsonb(key.Approvers)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO key_metadata
		 (id, algorithm, size, purposes, classification, compliance, state,
		  hsm_provider, hsm_handle, rotation, owner, approvers, created_at,
		  expires_at, last_used_at, revoked_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		id, key.Algorithm, key.Size, purposes, key.Classification, compliance, key.State,
		key.HSMProvider, key.HSMHandle, rotation, key.Owner, approvers, key.CreatedAt,
		key.ExpiresAt, key.LastUsedAt, key.RevokedReason,
	)
	if err != nil {
		return fmt.Errorf("insert key metadata: %w", err)
	}
	return nil
}

func (r *KeyMetadataRepository) Get(ctx context.Context, keyID string) (*models.KeyMetadata, error) {
	id, err := uuid.Parse(keyID)
	if err != nil {
		return nil, errors.ErrKeyNotFound
	}

	row := r.db.QueryRowContext(ctx,
		`SELECT id, algorithm, size, purposes, classification, compliance, state,
		        hsm_provider, hsm_handle, rotation, owner, approvers, created_at,
		        expires_at, last_used_at, revoked_reason
		 FROM key_metadata WHERE id = $1`, id)

	key, err := scanKey(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key metadata: %w", err)
	}
	return key, nil
}

func (r *KeyMetadataRepository) Update(ctx context.Context, key *models.KeyMetadata) error {
	id, err := uuid.Parse(key.ID)
	if err != nil {
		return errors.ErrKeyNotFound
	}

	rotation, err := jsonb(key.Rotation)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE key_metadata
		 SET state = $2, rotation = $3, last_used_at = $4, revoked_reason = $5, expires_at = $6
		 WHERE id = $1`,
		id, key.State, rotation, key.LastUsedAt, key.RevokedReason, key.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("update key metadata: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.ErrKeyNotFound
	}
	return nil
}

func (r *KeyMetadataRepository) List(ctx context.Context) ([]*models.KeyMetadata, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, algorithm, size, purposes, classification, compliance, state,
		        hsm_provider, hsm_handle, rotation, owner, approvers, created_at,
		        expires_at, last_used_at, revoked_reason
		 FROM key_metadata ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list key metadata: %w", err)
	}
	defer rows.Close()

	var keys []*models.KeyMetadata
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key metadata: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*models.KeyMetadata, error) {
	key := &models.KeyMetadata{}
	var purposes, compliance, rotation, approvers []byte
	var expiresAt, lastUsedAt sql.NullTime
	var hsmProvider, hsmHandle, revokedReason sql.NullString

	err := row.Scan(&key.ID, &key.Algorithm, &key.Size, &purposes, &key.Classification,
		&compliance, &key.State, &hsmProvider, &hsmHandle, &rotation, &key.Owner,
		&approvers, &key.CreatedAt, &expiresAt, &lastUsedAt, &revokedReason)
	if err != nil {
		return nil, err
	}

	if err := unjsonb(purposes, &key.Purposes); err != nil {
		return nil, err
	}
	if err := unjsonb(compliance, &key.Compliance); err != nil {
		return nil, err
	}
	if err := unjsonb(rotation, &key.Rotation); err != nil {
		return nil, err
	}
	if err := unjsonb(approvers, &key.Approvers); err != nil {
		return nil, err
	}
	key.HSMProvider = hsmProvider.String
	key.HSMHandle = hsmHandle.String
	key.RevokedReason = revokedReason.String
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		key.LastUsedAt = lastUsedAt.Time
	}
	return key, nil
}

// =============================================================================
// Audit chains
// =============================================================================

// AuditChainRepository persists sealed audit chains. Append-only: sealed
// chains are immutable and never updated.
type AuditChainRepository struct {
	db *DB
}

// NewAuditChainRepository creates an audit chain repository.
func NewAuditChainRepository(db *DB) *AuditChainRepository {
	return &AuditChainRepository{db: db}
}

func (r *AuditChainRepository) SaveChain(ctx context.Context, chain *models.AuditLogChain) error {
	id, err := uuid.Parse(chain.ID)
	if err != nil {
		return fmt.Errorf("invalid chain ID: %w", err)
	}

	events, err := jsonb(chain.Events)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO audit_chains (id, start_hash, end_hash, sealed, created_at, sealed_at, events)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, chain.StartHash, chain.EndHash, chain.Sealed, chain.CreatedAt, chain.SealedAt, events,
	)
	if err != nil {
		return fmt.Errorf("insert audit chain: %w", err)
	}
	return nil
}

// GetChain loads a sealed chain by ID.
func (r *AuditChainRepository) GetChain(ctx context.Context, chainID string) (*models.AuditLogChain, error) {
	id, err := uuid.Parse(chainID)
	if err != nil {
		return nil, errors.ErrChainNotFound
	}

	chain := &models.AuditLogChain{}
	var events []byte
	var sealedAt sql.NullTime
	err = r.db.QueryRowContext(ctx,
		`SELECT id, start_hash, end_hash, sealed, created_at, sealed_at, events
		 FROM audit_chains WHERE id = $1`, id,
	).Scan(&chain.ID, &chain.StartHash, &chain.EndHash, &chain.Sealed, &chain.CreatedAt, &sealedAt, &events)
	if err == sql.ErrNoRows {
		return nil, errors.ErrChainNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit chain: %w", err)
	}
	if sealedAt.Valid {
		chain.SealedAt = &sealedAt.Time
	}
	if err := unjsonb(events, &chain.Events); err != nil {
		return nil, err
	}
	return chain, nil
}

// =============================================================================
// Role assignments
// =============================================================================

// RoleAssignmentRepository implements access.AssignmentStore on PostgreSQL.
type RoleAssignmentRepository struct {
	db *DB
}

// NewRoleAssignmentRepository creates a role assignment repository.
func NewRoleAssignmentRepository(db *DB) *RoleAssignmentRepository {
	return &RoleAssignmentRepository{db: db}
}

func (r *RoleAssignmentRepository) Save(ctx context.Context, assignment *models.UserRoleAssignment) error {
	id, err := uuid.Parse(assignment.ID)
	if err != nil {
		return fmt.Errorf("invalid assignment ID: %w", err)
	}

	constraints, err := jsonb(assignment.Constraints)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO role_assignments (id, user_id, role, assigned_by, assigned_at, expires_at, constraints, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, assignment.UserID, assignment.Role, assignment.AssignedBy,
		assignment.AssignedAt, assignment.ExpiresAt, constraints, assignment.Active,
	)
	if err != nil {
		return fmt.Errorf("insert role assignment: %w", err)
	}
	return nil
}

func (r *RoleAssignmentRepository) ListByUser(ctx context.Context, userID string) ([]*models.UserRoleAssignment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, role, assigned_by, assigned_at, expires_at, constraints, active
		 FROM role_assignments WHERE user_id = $1 ORDER BY assigned_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list role assignments: %w", err)
	}
	defer rows.Close()

	var assignments []*models.UserRoleAssignment
	for rows.Next() {
		a := &models.UserRoleAssignment{}
		var constraints []byte
		var expiresAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.UserID, &a.Role, &a.AssignedBy, &a.AssignedAt, &expiresAt, &constraints, &a.Active); err != nil {
			return nil, fmt.Errorf("scan role assignment: %w", err)
		}
		if expiresAt.Valid {
			a.ExpiresAt = &expiresAt.Time
		}
		if err := unjsonb(constraints, &a.Constraints); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func (r *RoleAssignmentRepository) Deactivate(ctx context.Context, userID, role string) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE role_assignments SET active = FALSE WHERE user_id = $1 AND role = $2 AND active`,
		userID, role)
	if err != nil {
		return 0, fmt.Errorf("deactivate role assignments: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// =============================================================================
// Access policies
// =============================================================================

// PolicyRepository implements access.PolicyStore on PostgreSQL.
type PolicyRepository struct {
	db *DB
}

// NewPolicyRepository creates an access policy repository.
func NewPolicyRepository(db *DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

func (r *PolicyRepository) Upsert(ctx context.Context, policy *models.AccessPolicy) error {
	conditions, err := jsonb(policy.Conditions)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO access_policies (id, name, resource_type, conditions, effect, priority)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, resource_type = EXCLUDED.resource_type,
		   conditions = EXCLUDED.conditions, effect = EXCLUDED.effect,
		   priority = EXCLUDED.priority`,
		policy.ID, policy.Name, policy.ResourceType, conditions, policy.Effect, policy.Priority,
	)
	if err != nil {
		return fmt.Errorf("upsert access policy: %w", err)
	}
	return nil
}

func (r *PolicyRepository) Remove(ctx context.Context, policyID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM access_policies WHERE id = $1`, policyID)
	if err != nil {
		return fmt.Errorf("delete access policy: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.ErrPolicyNotFound
	}
	return nil
}

func (r *PolicyRepository) ListByResourceType(ctx context.Context, resourceType string) ([]*models.AccessPolicy, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, resource_type, conditions, effect, priority
		 FROM access_policies WHERE resource_type = $1
		 ORDER BY priority DESC, id`, resourceType)
	if err != nil {
		return nil, fmt.Errorf("list access policies: %w", err)
	}
	defer rows.Close()

	var policies []*models.AccessPolicy
	for rows.Next() {
		p := &models.AccessPolicy{}
		var conditions []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.ResourceType, &conditions, &p.Effect, &p.Priority); err != nil {
			return nil, fmt.Errorf("scan access policy: %w", err)
		}
		if err := unjsonb(conditions, &p.Conditions); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// =============================================================================
// Classifications
// =============================================================================

// ClassificationRepository persists classification results.
type ClassificationRepository struct {
	db *DB
}

// NewClassificationRepository creates a classification repository.
func NewClassificationRepository(db *DB) *ClassificationRepository {
	return &ClassificationRepository{db: db}
}

func (r *ClassificationRepository) Save(ctx context.Context, data *models.ClassifiedData) error {
	compliance, err := jsonb(data.Compliance)
	if err != nil {
		return err
	}
	patterns, err := jsonb(data.Patterns)
	if err != nil {
		return err
	}
	protection, err := jsonb(data.Protection)
	if err != nil {
		return err
	}
	retention, err := jsonb(data.Retention)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO classifications
		 (subject_id, classification, sensitivity, compliance, patterns, confidence,
		  protection, retention, classified_by, classified_at, justification)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (subject_id) DO UPDATE SET
		   classification = EXCLUDED.classification, sensitivity = EXCLUDED.sensitivity,
		   compliance = EXCLUDED.compliance, patterns = EXCLUDED.patterns,
		   confidence = EXCLUDED.confidence, protection = EXCLUDED.protection,
		   retention = EXCLUDED.retention, classified_by = EXCLUDED.classified_by,
		   classified_at = EXCLUDED.classified_at, justification = EXCLUDED.justification`,
		data.SubjectID, data.Classification, data.Sensitivity, compliance, patterns,
		data.Confidence, protection, retention, data.ClassifiedBy, data.ClassifiedAt, data.Justification,
	)
	if err != nil {
		return fmt.Errorf("upsert classification: %w", err)
	}
	return nil
}

const classificationColumns = `subject_id, classification, sensitivity, compliance, patterns, confidence,
        protection, retention, classified_by, classified_at, justification`

func (r *ClassificationRepository) Get(ctx context.Context, subjectID string) (*models.ClassifiedData, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+classificationColumns+` FROM classifications WHERE subject_id = $1`, subjectID)
	data, err := scanClassification(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get classification: %w", err)
	}
	return data, nil
}

func (r *ClassificationRepository) List(ctx context.Context) ([]*models.ClassifiedData, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+classificationColumns+` FROM classifications ORDER BY subject_id`)
	if err != nil {
		return nil, fmt.Errorf("list classifications: %w", err)
	}
	defer rows.Close()

	var results []*models.ClassifiedData
	for rows.Next() {
		data, err := scanClassification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan classification: %w", err)
		}
		results = append(results, data)
	}
	return results, rows.Err()
}

func scanClassification(row rowScanner) (*models.ClassifiedData, error) {
	data := &models.ClassifiedData{}
	var compliance, patterns, protection, retention []byte
	var classifiedBy, justification sql.NullString

	err := row.Scan(&data.SubjectID, &data.Classification, &data.Sensitivity, &compliance, &patterns,
		&data.Confidence, &protection, &retention, &classifiedBy, &data.ClassifiedAt, &justification)
	if err != nil {
		return nil, err
	}

	if err := unjsonb(compliance, &data.Compliance); err != nil {
		return nil, err
	}
	if err := unjsonb(patterns, &data.Patterns); err != nil {
		return nil, err
	}
	if err := unjsonb(protection, &data.Protection); err != nil {
		return nil, err
	}
	if err := unjsonb(retention, &data.Retention); err != nil {
		return nil, err
	}
	data.ClassifiedBy = classifiedBy.String
	data.Justification = justification.String
	return data, nil
}
