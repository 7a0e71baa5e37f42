package provision

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/helix-saas/tenant-control-plane/internal/directory"
	"github.com/helix-saas/tenant-control-plane/internal/monitoring"
)

const maxAttempts = 3

// Delay before retry N. Fixed schedule, not jittered: operators reason
// about these exact values when reading job history.
var retryDelays = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// Runner executes one provisioning sequence. Implemented by Engine.
type Runner interface {
	Run(ctx context.Context, payload directory.JobPayload) error
}

// JobStore persists job rows and the tenant's terminal status.
type JobStore interface {
	CreateJob(ctx context.Context, payload directory.JobPayload) (*directory.Job, error)
	RecordJobAttempt(ctx context.Context, jobID uuid.UUID) error
	FinishJob(ctx context.Context, jobID uuid.UUID, status, lastError string) error
	GetJobByTenant(ctx context.Context, tenantID uuid.UUID) (*directory.Job, error)
	PendingJobs(ctx context.Context) ([]*directory.Job, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status directory.Status) error
}

type queuedJob struct {
	id      uuid.UUID
	payload directory.JobPayload
}

// Queue runs provisioning jobs off the request path. Jobs for different
// tenants run in parallel; the unique job row per tenant plus the
// directory's slug uniqueness guarantee a single run per tenant.
type Queue struct {
	runner Runner
	store  JobStore
	jobs   chan queuedJob
	wg     sync.WaitGroup

	// sleep is replaceable in tests so backoff is observable, not waited on.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewQueue(runner Runner, store JobStore) *Queue {
	return &Queue{
		runner: runner,
		store:  store,
		jobs:   make(chan queuedJob, 100),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches n workers that drain the queue until Stop is called,
// then re-enqueues jobs a previous process left unfinished. Job rows are
// the durable record; the channel is only the hand-off, so anything still
// queued or running in the store gets picked up again after a restart.
func (q *Queue) Start(ctx context.Context, n int) {
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range q.jobs {
				q.process(ctx, job)
			}
		}()
	}
	q.recover(ctx)
}

func (q *Queue) recover(ctx context.Context) {
	pending, err := q.store.PendingJobs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to scan for unfinished provisioning jobs")
		return
	}
	for _, job := range pending {
		select {
		case q.jobs <- queuedJob{id: job.ID, payload: job.Payload}:
			log.Info().
				Str("tenant_id", job.TenantID.String()).
				Int("attempts", job.Attempts).
				Msg("re-enqueued unfinished provisioning job")
		case <-ctx.Done():
			return
		}
	}
}

// Stop drains in-flight jobs and blocks until workers exit.
func (q *Queue) Stop() {
	close(q.jobs)
	q.wg.Wait()
}

// Enqueue records a job row and hands it to the workers. A tenant that
// already has a job gets its existing one back instead of a duplicate.
func (q *Queue) Enqueue(ctx context.Context, payload directory.JobPayload) (*directory.Job, error) {
	if existing, err := q.store.GetJobByTenant(ctx, payload.TenantID); err != nil {
		return nil, err
	} else if existing != nil {
		log.Info().Str("tenant_id", payload.TenantID.String()).Msg("provisioning job already queued")
		return existing, nil
	}

	job, err := q.store.CreateJob(ctx, payload)
	if err != nil {
		return nil, err
	}

	select {
	case q.jobs <- queuedJob{id: job.ID, payload: payload}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return job, nil
}

func (q *Queue) process(ctx context.Context, job queuedJob) {
	tenantID := job.payload.TenantID
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := q.store.RecordJobAttempt(ctx, job.id); err != nil {
			log.Error().Err(err).Str("tenant_id", tenantID.String()).Msg("failed to record job attempt")
		}

		lastErr = q.runner.Run(ctx, job.payload)
		if lastErr == nil {
			if err := q.store.FinishJob(ctx, job.id, "succeeded", ""); err != nil {
				log.Error().Err(err).Str("tenant_id", tenantID.String()).Msg("failed to finish job")
			}
			monitoring.TenantsProvisioned.WithLabelValues("success").Inc()
			monitoring.ProvisioningDuration.Observe(time.Since(start).Seconds())
			return
		}

		log.Error().Err(lastErr).
			Str("tenant_id", tenantID.String()).
			Int("attempt", attempt).
			Msg("provisioning attempt failed")

		if attempt < maxAttempts {
			if err := q.sleep(ctx, retryDelays[attempt-1]); err != nil {
				break
			}
		}
	}

	// Retries exhausted. The job row is kept, the tenant stays failed,
	// and an operator has to look.
	if err := q.store.FinishJob(ctx, job.id, "failed", lastErr.Error()); err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID.String()).Msg("failed to finish job")
	}
	if err := q.store.UpdateStatus(ctx, tenantID, directory.StatusFailed); err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID.String()).Msg("failed to mark tenant failed")
	}
	monitoring.TenantsProvisioned.WithLabelValues("failed").Inc()
	monitoring.ProvisioningDuration.Observe(time.Since(start).Seconds())
	monitoring.Alert("tenant provisioning exhausted retries", map[string]string{
		"tenant_id": tenantID.String(),
		"error":     lastErr.Error(),
	})
}
