package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const cacheTTL = 1 * time.Hour

// RedisClient is the subset of redis.Client the repository uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetEx(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// Repository persists tenant records in the central registry database,
// with an optional redis read-through cache keyed tenant:<id>.
type Repository struct {
	pool  *pgxpool.Pool
	redis RedisClient
}

// NewRepository wires the repository. redis may be nil to disable caching.
func NewRepository(pool *pgxpool.Pool, rdb RedisClient) *Repository {
	return &Repository{pool: pool, redis: rdb}
}

func (r *Repository) Close() error {
	r.pool.Close()
	if r.redis != nil {
		return r.redis.Close()
	}
	return nil
}

const tenantColumns = `id, slug, name, plan, db_host, db_port, db_name, db_username,
	db_password_encrypted, provisioning_status, is_active, created_at, updated_at, deleted_at`

func scanTenant(row pgx.Row) (*Tenant, error) {
	t := &Tenant{}
	err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.Plan, &t.DBHost, &t.DBPort, &t.DBName,
		&t.DBUsername, &t.DBPasswordEncrypted, &t.ProvisioningStatus, &t.IsActive,
		&t.CreatedAt, &t.UpdatedAt, &t.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Create inserts a new tenant record in status pending.
func (r *Repository) Create(ctx context.Context, t *Tenant) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.DBName = DeriveDBName(t.ID)
	t.DBUsername = DeriveDBUsername(t.ID)
	t.ProvisioningStatus = StatusPending
	t.IsActive = false
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt

	query := `INSERT INTO tenants (id, slug, name, plan, db_host, db_port, db_name, db_username,
			db_password_encrypted, provisioning_status, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.pool.Exec(ctx, query, t.ID, t.Slug, t.Name, t.Plan, t.DBHost, t.DBPort,
		t.DBName, t.DBUsername, t.DBPasswordEncrypted, t.ProvisioningStatus, t.IsActive,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	r.invalidate(ctx, t.ID)
	return nil
}

// GetByID retrieves a tenant by id, consulting the cache first.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	key := fmt.Sprintf("tenant:%s", id)
	if r.redis != nil {
		if cached, err := r.redis.Get(ctx, key).Result(); err == nil {
			t := &Tenant{}
			if err := json.Unmarshal([]byte(cached), t); err == nil {
				return t, nil
			}
		}
	}

	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1 AND deleted_at IS NULL`
	t, err := scanTenant(r.pool.QueryRow(ctx, query, id))
	if err != nil || t == nil {
		return t, err
	}

	if r.redis != nil {
		if data, err := json.Marshal(t); err == nil {
			r.redis.SetEx(ctx, key, data, cacheTTL)
		}
	}
	return t, nil
}

// GetBySlug retrieves a tenant by its immutable slug.
func (r *Repository) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE slug = $1 AND deleted_at IS NULL`
	return scanTenant(r.pool.QueryRow(ctx, query, slug))
}

// UpdateStatus moves the tenant to a new provisioning status.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	query := `UPDATE tenants SET provisioning_status = $2, updated_at = now() WHERE id = $1`
	if _, err := r.pool.Exec(ctx, query, id, status); err != nil {
		return err
	}
	r.invalidate(ctx, id)
	return nil
}

// SetCredentials stores the vault ciphertext and connection coordinates
// produced during provisioning.
func (r *Repository) SetCredentials(ctx context.Context, id uuid.UUID, host string, port int, encrypted string) error {
	query := `UPDATE tenants SET db_host = $2, db_port = $3, db_password_encrypted = $4, updated_at = now()
		WHERE id = $1`
	if _, err := r.pool.Exec(ctx, query, id, host, port, encrypted); err != nil {
		return err
	}
	r.invalidate(ctx, id)
	return nil
}

// Activate marks provisioning complete and opens the tenant for routing.
func (r *Repository) Activate(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE tenants SET provisioning_status = $2, is_active = true, updated_at = now() WHERE id = $1`
	if _, err := r.pool.Exec(ctx, query, id, StatusActive); err != nil {
		return err
	}
	r.invalidate(ctx, id)
	return nil
}

// Deactivate closes the tenant for routing without touching its data.
func (r *Repository) Deactivate(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE tenants SET is_active = false, updated_at = now() WHERE id = $1`
	if _, err := r.pool.Exec(ctx, query, id); err != nil {
		return err
	}
	r.invalidate(ctx, id)
	return nil
}

// Delete soft-deletes a tenant. The derived db_name stays reserved by the
// retained row, so it is never reassigned to another tenant.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE tenants SET deleted_at = now(), is_active = false, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tenant not found or already deleted")
	}
	r.invalidate(ctx, id)
	return nil
}

func (r *Repository) invalidate(ctx context.Context, id uuid.UUID) {
	if r.redis != nil {
		r.redis.Del(ctx, fmt.Sprintf("tenant:%s", id))
	}
}
