package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/helix-saas/tenant-control-plane/internal/directory"
	"github.com/helix-saas/tenant-control-plane/internal/monitoring"
	"github.com/helix-saas/tenant-control-plane/internal/poolcache"
)

// Typed routing errors, surfaced to callers distinct from generic
// failures. Only ErrTenantConnectionFailed is worth a caller-side retry.
var (
	ErrTenantNotFound         = errors.New("tenant not found")
	ErrTenantInactive         = errors.New("tenant not active")
	ErrTenantConnectionFailed = errors.New("tenant connection failed")
)

// Identity carries the tenant-identifying signals resolved upstream from
// the request (token claim, header, host). Precedence: ID > Slug > Host.
type Identity struct {
	TenantID uuid.UUID
	Slug     string
	Host     string
}

// Binding is the resolved tenant routing result attached to the request
// context for downstream consumers.
type Binding struct {
	TenantID uuid.UUID
	DBName   string
	Role     string
}

// Directory is the lookup surface the router consults.
type Directory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*directory.Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*directory.Tenant, error)
}

// ConnCache provides pooled clients, one per tenant.
type ConnCache interface {
	Get(ctx context.Context, tenant *directory.Tenant) (poolcache.Pool, error)
}

// Router resolves a request to the correct tenant's database client.
// It never blocks on provisioning: a tenant that is not yet active is
// reported as unavailable, not waited for.
type Router struct {
	dir   Directory
	cache ConnCache
}

func New(dir Directory, cache ConnCache) *Router {
	return &Router{dir: dir, cache: cache}
}

// Route returns a ready pooled client for the identified tenant, or one
// of the typed errors. The active gate runs before any connection work.
func (r *Router) Route(ctx context.Context, id Identity) (poolcache.Pool, Binding, error) {
	tenant, err := r.resolve(ctx, id)
	if err != nil {
		// A registry outage is not a bad tenant id; keep the reasons apart.
		reason := "lookup_error"
		if errors.Is(err, ErrTenantNotFound) {
			reason = "not_found"
		}
		monitoring.RoutingFailures.WithLabelValues(reason).Inc()
		return nil, Binding{}, err
	}

	if !tenant.IsActive || tenant.ProvisioningStatus != directory.StatusActive {
		monitoring.RoutingFailures.WithLabelValues("inactive").Inc()
		return nil, Binding{}, fmt.Errorf("%w: tenant %s is %s",
			ErrTenantInactive, tenant.Slug, tenant.ProvisioningStatus)
	}

	pool, err := r.cache.Get(ctx, tenant)
	if err != nil {
		monitoring.RoutingFailures.WithLabelValues("connection").Inc()
		log.Error().Err(err).
			Str("tenant_id", tenant.ID.String()).
			Str("db_name", tenant.DBName).
			Msg("failed to acquire tenant connection")
		return nil, Binding{}, fmt.Errorf("%w: %v", ErrTenantConnectionFailed, err)
	}

	return pool, Binding{TenantID: tenant.ID, DBName: tenant.DBName, Role: tenant.DBUsername}, nil
}

func (r *Router) resolve(ctx context.Context, id Identity) (*directory.Tenant, error) {
	switch {
	case id.TenantID != uuid.Nil:
		tenant, err := r.dir.GetByID(ctx, id.TenantID)
		if err != nil {
			return nil, fmt.Errorf("lookup tenant %s: %w", id.TenantID, err)
		}
		if tenant == nil {
			return nil, fmt.Errorf("%w: id %s", ErrTenantNotFound, id.TenantID)
		}
		return tenant, nil
	case id.Slug != "":
		return r.bySlug(ctx, id.Slug)
	case id.Host != "":
		slug := SubdomainFromHost(id.Host)
		if slug == "" {
			return nil, fmt.Errorf("%w: no tenant identifier in host %q", ErrTenantNotFound, id.Host)
		}
		return r.bySlug(ctx, slug)
	default:
		return nil, fmt.Errorf("%w: no tenant identifier on request", ErrTenantNotFound)
	}
}

func (r *Router) bySlug(ctx context.Context, slug string) (*directory.Tenant, error) {
	tenant, err := r.dir.GetBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("lookup tenant %q: %w", slug, err)
	}
	if tenant == nil {
		return nil, fmt.Errorf("%w: slug %q", ErrTenantNotFound, slug)
	}
	return tenant, nil
}

// SubdomainFromHost extracts the leftmost label of a request host,
// ignoring any port. "acme.app.example.com:443" yields "acme"; a bare
// host with no subdomain yields "".
func SubdomainFromHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	parts := strings.Split(host, ".")
	if len(parts) < 3 {
		return ""
	}
	return strings.ToLower(parts[0])
}
