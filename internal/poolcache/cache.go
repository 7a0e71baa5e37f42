package poolcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/helix-saas/tenant-control-plane/internal/config"
	"github.com/helix-saas/tenant-control-plane/internal/directory"
	"github.com/helix-saas/tenant-control-plane/internal/monitoring"
	"github.com/helix-saas/tenant-control-plane/internal/vault"
)

// Pool is the opaque pooled client handed to request handlers.
// *pgxpool.Pool satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// DialFunc establishes a pooled client for a tenant connection string.
type DialFunc func(ctx context.Context, connString string) (Pool, error)

type entry struct {
	pool     Pool
	lastUsed time.Time
}

// Cache holds at most one live pooled client per tenant. Concurrent
// misses for the same tenant coalesce into a single dial; a failed dial
// leaves no entry behind, so the next request gets a fresh attempt.
type Cache struct {
	cfg   *config.Config
	vault *vault.Vault
	dial  DialFunc

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	gens    map[uuid.UUID]uint64
	group   singleflight.Group

	stopOnce sync.Once
	stop     chan struct{}
}

func New(cfg *config.Config, v *vault.Vault) *Cache {
	c := &Cache{
		cfg:     cfg,
		vault:   v,
		entries: make(map[uuid.UUID]*entry),
		gens:    make(map[uuid.UUID]uint64),
		stop:    make(chan struct{}),
	}
	c.dial = c.dialPgx
	go c.janitor()
	return c
}

func (c *Cache) dialPgx(ctx context.Context, connString string) (Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse tenant conn string: %w", err)
	}
	poolCfg.MaxConns = c.cfg.TenantMaxConns
	if c.cfg.TenantMinConns > 0 {
		poolCfg.MinConns = c.cfg.TenantMinConns
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create tenant pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping tenant database: %w", err)
	}
	return pool, nil
}

// Get returns the tenant's pooled client, establishing it on first use.
// The stored password is decrypted via the vault on the miss path only;
// a decryption failure is a hard error, never a fallback connection.
func (c *Cache) Get(ctx context.Context, tenant *directory.Tenant) (Pool, error) {
	c.mu.Lock()
	if e, ok := c.entries[tenant.ID]; ok {
		e.lastUsed = time.Now()
		c.mu.Unlock()
		return e.pool, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(tenant.ID.String(), func() (interface{}, error) {
		// Another caller may have finished while we waited on the flight.
		c.mu.Lock()
		if e, ok := c.entries[tenant.ID]; ok {
			e.lastUsed = time.Now()
			c.mu.Unlock()
			return e.pool, nil
		}
		gen := c.gens[tenant.ID]
		c.mu.Unlock()

		password, err := c.vault.Decrypt(tenant.DBPasswordEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt credentials for tenant %s: %w", tenant.ID, err)
		}

		dialCtx := ctx
		if c.cfg.AcquireTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, c.cfg.AcquireTimeout)
			defer cancel()
		}

		pool, err := c.dial(dialCtx, tenant.ConnString(password))
		if err != nil {
			return nil, fmt.Errorf("connect tenant %s database %s: %w", tenant.ID, tenant.DBName, err)
		}

		c.mu.Lock()
		if c.gens[tenant.ID] != gen {
			// Invalidated while dialing. The pool was built with credentials
			// that were just rotated away, so it must not be cached.
			c.mu.Unlock()
			pool.Close()
			return nil, fmt.Errorf("credentials rotated for tenant %s during connect", tenant.ID)
		}
		c.entries[tenant.ID] = &entry{pool: pool, lastUsed: time.Now()}
		size := len(c.entries)
		c.mu.Unlock()
		monitoring.CachedConnections.Set(float64(size))

		log.Info().
			Str("tenant_id", tenant.ID.String()).
			Str("db_name", tenant.DBName).
			Msg("established tenant connection pool")
		return pool, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Pool), nil
}

// Invalidate drops and closes a tenant's pooled client, e.g. after a
// credential rotation. The next request dials fresh.
func (c *Cache) Invalidate(tenantID uuid.UUID) {
	c.mu.Lock()
	// Bump even without an entry: an in-flight dial for this tenant must
	// not land its pre-rotation pool afterwards.
	c.gens[tenantID]++
	e, ok := c.entries[tenantID]
	if ok {
		delete(c.entries, tenantID)
	}
	size := len(c.entries)
	c.mu.Unlock()

	if ok {
		e.pool.Close()
		monitoring.CachedConnections.Set(float64(size))
		log.Info().Str("tenant_id", tenantID.String()).Msg("invalidated tenant connection pool")
	}
}

// Close evicts everything and stops the janitor.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[uuid.UUID]*entry)
	c.mu.Unlock()

	for _, e := range entries {
		e.pool.Close()
	}
	monitoring.CachedConnections.Set(0)
}

func (c *Cache) janitor() {
	idle := c.cfg.PoolIdleEvict
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle / 4)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictIdle(time.Now().Add(-idle))
		}
	}
}

func (c *Cache) evictIdle(cutoff time.Time) {
	var expired []Pool

	c.mu.Lock()
	for id, e := range c.entries {
		if e.lastUsed.Before(cutoff) {
			expired = append(expired, e.pool)
			delete(c.entries, id)
			log.Info().Str("tenant_id", id.String()).Msg("evicting idle tenant connection pool")
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	for _, p := range expired {
		p.Close()
	}
	if len(expired) > 0 {
		monitoring.CachedConnections.Set(float64(size))
	}
}
