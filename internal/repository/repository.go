package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lumavoz/conecta/internal/domain"
)

type Repositories struct {
	db       *pgxpool.Pool
	Instance *InstanceRepository
}

func NewRepositories(db *pgxpool.Pool) *Repositories {
	return &Repositories{
		db:       db,
		Instance: &InstanceRepository{db: db},
	}
}

// DB returns the underlying database pool.
func (r *Repositories) DB() *pgxpool.Pool {
	return r.db
}

// InstanceRepository handles instance registry persistence
type InstanceRepository struct {
	db *pgxpool.Pool
}

func (r *InstanceRepository) Upsert(ctx context.Context, rec *domain.InstanceRecord) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO instances (instance_id, status, created_by_user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (instance_id) DO UPDATE SET
			status = EXCLUDED.status,
			created_by_user_id = COALESCE(EXCLUDED.created_by_user_id, instances.created_by_user_id),
			updated_at = NOW()
		RETURNING created_at, updated_at
	`, rec.InstanceID, rec.Status, rec.CreatedByUserID).Scan(&rec.CreatedAt, &rec.UpdatedAt)
}

func (r *InstanceRepository) GetByID(ctx context.Context, instanceID string) (*domain.InstanceRecord, error) {
	rec := &domain.InstanceRecord{}
	err := r.db.QueryRow(ctx, `
		SELECT instance_id, jid, phone, profile_name, status, created_by_user_id, last_seen_at, created_at, updated_at
		FROM instances WHERE instance_id = $1
	`, instanceID).Scan(
		&rec.InstanceID, &rec.JID, &rec.Phone, &rec.ProfileName, &rec.Status,
		&rec.CreatedByUserID, &rec.LastSeenAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (r *InstanceRepository) GetAll(ctx context.Context) ([]*domain.InstanceRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT instance_id, jid, phone, profile_name, status, created_by_user_id, last_seen_at, created_at, updated_at
		FROM instances ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.InstanceRecord
	for rows.Next() {
		rec := &domain.InstanceRecord{}
		if err := rows.Scan(
			&rec.InstanceID, &rec.JID, &rec.Phone, &rec.ProfileName, &rec.Status,
			&rec.CreatedByUserID, &rec.LastSeenAt, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// GetRecoverable returns instances that were paired before (have a JID) and
// did not end in a terminal state, for boot-time recovery.
func (r *InstanceRepository) GetRecoverable(ctx context.Context) ([]*domain.InstanceRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT instance_id, jid, phone, profile_name, status, created_by_user_id, last_seen_at, created_at, updated_at
		FROM instances
		WHERE jid IS NOT NULL AND jid != '' AND status NOT IN ($1, $2)
		ORDER BY created_at ASC
	`, domain.StatusLoggedOut, domain.StatusError)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.InstanceRecord
	for rows.Next() {
		rec := &domain.InstanceRecord{}
		if err := rows.Scan(
			&rec.InstanceID, &rec.JID, &rec.Phone, &rec.ProfileName, &rec.Status,
			&rec.CreatedByUserID, &rec.LastSeenAt, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *InstanceRepository) UpdateStatus(ctx context.Context, instanceID, status string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE instances SET status = $1, updated_at = NOW() WHERE instance_id = $2
	`, status, instanceID)
	return err
}

// UpdateIdentity records the authenticated identity after a successful pair
// or reconnect.
func (r *InstanceRepository) UpdateIdentity(ctx context.Context, instanceID, jid, phone, profileName string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE instances SET jid = $1, phone = $2, profile_name = $3, status = $4,
			last_seen_at = NOW(), updated_at = NOW()
		WHERE instance_id = $5
	`, jid, phone, profileName, domain.StatusConnected, instanceID)
	return err
}

// ClearIdentity drops the stored JID so the instance pairs fresh next time.
func (r *InstanceRepository) ClearIdentity(ctx context.Context, instanceID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE instances SET jid = NULL, phone = NULL, profile_name = NULL, updated_at = NOW()
		WHERE instance_id = $1
	`, instanceID)
	return err
}

// SetJID stores the paired JID as soon as pairing succeeds, before the
// connection is fully established.
func (r *InstanceRepository) SetJID(ctx context.Context, instanceID, jid string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE instances SET jid = $1, updated_at = NOW() WHERE instance_id = $2
	`, jid, instanceID)
	return err
}

func (r *InstanceRepository) GetJID(ctx context.Context, instanceID string) (string, error) {
	var jid *string
	err := r.db.QueryRow(ctx, `SELECT jid FROM instances WHERE instance_id = $1`, instanceID).Scan(&jid)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if jid == nil {
		return "", nil
	}
	return *jid, nil
}

func (r *InstanceRepository) Delete(ctx context.Context, instanceID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM instances WHERE instance_id = $1`, instanceID)
	return err
}
