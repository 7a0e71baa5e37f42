package router

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helix-saas/tenant-control-plane/internal/directory"
	"github.com/helix-saas/tenant-control-plane/internal/monitoring"
	"github.com/helix-saas/tenant-control-plane/internal/poolcache"
)

type fakeDir struct {
	byID   map[uuid.UUID]*directory.Tenant
	bySlug map[string]*directory.Tenant
	err    error
}

func newFakeDir(tenants ...*directory.Tenant) *fakeDir {
	d := &fakeDir{
		byID:   make(map[uuid.UUID]*directory.Tenant),
		bySlug: make(map[string]*directory.Tenant),
	}
	for _, t := range tenants {
		d.byID[t.ID] = t
		d.bySlug[t.Slug] = t
	}
	return d
}

func (d *fakeDir) GetByID(ctx context.Context, id uuid.UUID) (*directory.Tenant, error) {
	return d.byID[id], d.err
}

func (d *fakeDir) GetBySlug(ctx context.Context, slug string) (*directory.Tenant, error) {
	return d.bySlug[slug], d.err
}

type fakeCache struct {
	calls  int
	lastID uuid.UUID
	pool   poolcache.Pool
	err    error
}

func (c *fakeCache) Get(ctx context.Context, tenant *directory.Tenant) (poolcache.Pool, error) {
	c.calls++
	c.lastID = tenant.ID
	if c.err != nil {
		return nil, c.err
	}
	return c.pool, nil
}

type nopPool struct{ poolcache.Pool }

func activeTenant(slug string) *directory.Tenant {
	id := uuid.New()
	return &directory.Tenant{
		ID:                 id,
		Slug:               slug,
		DBName:             directory.DeriveDBName(id),
		DBUsername:         directory.DeriveDBUsername(id),
		ProvisioningStatus: directory.StatusActive,
		IsActive:           true,
	}
}

func TestRouter_RouteByID(t *testing.T) {
	tenant := activeTenant("acme")
	cache := &fakeCache{pool: nopPool{}}
	rt := New(newFakeDir(tenant), cache)

	pool, binding, err := rt.Route(context.Background(), Identity{TenantID: tenant.ID})
	require.NoError(t, err)
	assert.NotNil(t, pool)
	assert.Equal(t, tenant.ID, binding.TenantID)
	assert.Equal(t, tenant.DBName, binding.DBName)
	assert.Equal(t, tenant.DBUsername, binding.Role)
}

func TestRouter_RouteUnknownTenant(t *testing.T) {
	cache := &fakeCache{pool: nopPool{}}
	rt := New(newFakeDir(), cache)

	cases := map[string]Identity{
		"by id":      {TenantID: uuid.New()},
		"by slug":    {Slug: "ghost"},
		"by host":    {Host: "ghost.app.example.com"},
		"no signals": {},
	}
	for name, id := range cases {
		_, _, err := rt.Route(context.Background(), id)
		assert.ErrorIs(t, err, ErrTenantNotFound, name)
	}
	assert.Zero(t, cache.calls)
}

func TestRouter_InactiveTenantNeverConnects(t *testing.T) {
	cache := &fakeCache{pool: nopPool{}}

	for _, status := range []directory.Status{
		directory.StatusPending, directory.StatusProvisioning, directory.StatusFailed,
	} {
		tenant := activeTenant("acme")
		tenant.ProvisioningStatus = status
		tenant.IsActive = false
		rt := New(newFakeDir(tenant), cache)

		_, _, err := rt.Route(context.Background(), Identity{TenantID: tenant.ID})
		assert.ErrorIs(t, err, ErrTenantInactive, string(status))
		assert.Contains(t, err.Error(), string(status))
	}

	// Deactivated but fully provisioned is still gated.
	tenant := activeTenant("acme")
	tenant.IsActive = false
	rt := New(newFakeDir(tenant), cache)
	_, _, err := rt.Route(context.Background(), Identity{TenantID: tenant.ID})
	assert.ErrorIs(t, err, ErrTenantInactive)

	assert.Zero(t, cache.calls, "gated requests must not touch the connection cache")
}

func TestRouter_ConnectionFailureIsTyped(t *testing.T) {
	tenant := activeTenant("acme")
	cache := &fakeCache{err: errors.New("dial tcp: connection refused")}
	rt := New(newFakeDir(tenant), cache)

	_, _, err := rt.Route(context.Background(), Identity{TenantID: tenant.ID})
	assert.ErrorIs(t, err, ErrTenantConnectionFailed)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRouter_ResolutionPrecedence(t *testing.T) {
	byID := activeTenant("by-id")
	bySlug := activeTenant("by-slug")
	byHost := activeTenant("by-host")
	cache := &fakeCache{pool: nopPool{}}
	rt := New(newFakeDir(byID, bySlug, byHost), cache)

	// An explicit tenant id wins over slug and host.
	_, binding, err := rt.Route(context.Background(), Identity{
		TenantID: byID.ID,
		Slug:     "by-slug",
		Host:     "by-host.app.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, byID.ID, binding.TenantID)

	// Slug wins over host.
	_, binding, err = rt.Route(context.Background(), Identity{
		Slug: "by-slug",
		Host: "by-host.app.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, bySlug.ID, binding.TenantID)

	// Host alone resolves through its subdomain.
	_, binding, err = rt.Route(context.Background(), Identity{
		Host: "by-host.app.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, byHost.ID, binding.TenantID)
}

func TestRouter_DirectoryErrorIsNotNotFound(t *testing.T) {
	dir := newFakeDir()
	dir.err = errors.New("registry unavailable")
	rt := New(dir, &fakeCache{pool: nopPool{}})

	lookupBefore := testutil.ToFloat64(monitoring.RoutingFailures.WithLabelValues("lookup_error"))
	notFoundBefore := testutil.ToFloat64(monitoring.RoutingFailures.WithLabelValues("not_found"))

	_, _, err := rt.Route(context.Background(), Identity{Slug: "acme"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrTenantNotFound)

	// An outage counts as a lookup failure, not a bad tenant id.
	assert.Equal(t, lookupBefore+1,
		testutil.ToFloat64(monitoring.RoutingFailures.WithLabelValues("lookup_error")))
	assert.Equal(t, notFoundBefore,
		testutil.ToFloat64(monitoring.RoutingFailures.WithLabelValues("not_found")))
}

func TestSubdomainFromHost(t *testing.T) {
	cases := map[string]string{
		"acme.app.example.com":     "acme",
		"acme.app.example.com:443": "acme",
		"ACME.app.example.com":     "acme",
		"app.example.com":          "app",
		"example.com":              "",
		"localhost":                "",
		"localhost:8081":           "",
	}
	for host, want := range cases {
		assert.Equal(t, want, SubdomainFromHost(host), host)
	}
}

func TestBindingContextRoundTrip(t *testing.T) {
	b := Binding{TenantID: uuid.New(), DBName: "tenant_ab_prod", Role: "tenant_ab_user"}
	ctx := WithBinding(context.Background(), b)

	got, ok := BindingFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, b, got)

	_, ok = BindingFromContext(context.Background())
	assert.False(t, ok)
}
