package directory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateJob records a new provisioning job in status queued. The unique
// index on tenant_id guarantees at most one job per tenant.
func (r *Repository) CreateJob(ctx context.Context, payload JobPayload) (*Job, error) {
	job := &Job{
		ID:        uuid.New(),
		TenantID:  payload.TenantID,
		Payload:   payload,
		Status:    "queued",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	query := `INSERT INTO provisioning_jobs (id, tenant_id, payload, attempts, status, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, $6)`
	if _, err := r.pool.Exec(ctx, query, job.ID, job.TenantID, data, job.Status,
		job.CreatedAt, job.UpdatedAt); err != nil {
		return nil, err
	}
	return job, nil
}

// RecordJobAttempt bumps the attempt counter before a run starts.
func (r *Repository) RecordJobAttempt(ctx context.Context, jobID uuid.UUID) error {
	query := `UPDATE provisioning_jobs SET attempts = attempts + 1, status = 'running', updated_at = now()
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, jobID)
	return err
}

// FinishJob records the terminal outcome of a job. Rows are never deleted.
func (r *Repository) FinishJob(ctx context.Context, jobID uuid.UUID, status, lastError string) error {
	query := `UPDATE provisioning_jobs SET status = $2, last_error = $3, updated_at = now() WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, jobID, status, lastError)
	return err
}

// GetJobByTenant returns the provisioning job for a tenant, or nil.
func (r *Repository) GetJobByTenant(ctx context.Context, tenantID uuid.UUID) (*Job, error) {
	query := `SELECT id, tenant_id, payload, attempts, status, COALESCE(last_error, ''), created_at, updated_at
		FROM provisioning_jobs WHERE tenant_id = $1`
	job := &Job{}
	var data []byte
	err := r.pool.QueryRow(ctx, query, tenantID).Scan(&job.ID, &job.TenantID, &data,
		&job.Attempts, &job.Status, &job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &job.Payload); err != nil {
		return nil, err
	}
	return job, nil
}

// PendingJobs returns jobs still marked queued or running, i.e. jobs a
// previous process accepted but never finished.
func (r *Repository) PendingJobs(ctx context.Context) ([]*Job, error) {
	query := `SELECT id, tenant_id, payload, attempts, status, COALESCE(last_error, ''), created_at, updated_at
		FROM provisioning_jobs WHERE status IN ('queued', 'running') ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job := &Job{}
		var data []byte
		if err := rows.Scan(&job.ID, &job.TenantID, &data, &job.Attempts, &job.Status,
			&job.LastError, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &job.Payload); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CreateProvisioningLog appends one step record for a tenant's run.
func (r *Repository) CreateProvisioningLog(ctx context.Context, tenantID uuid.UUID, step, status string, details interface{}) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}
	query := `INSERT INTO tenant_provisioning_logs (tenant_id, step, status, details, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err = r.pool.Exec(ctx, query, tenantID, step, status, detailsJSON, time.Now())
	return err
}
