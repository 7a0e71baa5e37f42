package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/helix-saas/tenant-control-plane/internal/directory"
)

type fakeStore struct {
	tenants map[uuid.UUID]*directory.Tenant
	slugs   map[string]*directory.Tenant
	slugErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tenants: make(map[uuid.UUID]*directory.Tenant),
		slugs:   make(map[string]*directory.Tenant),
	}
}

func (s *fakeStore) Create(ctx context.Context, t *directory.Tenant) error {
	t.ID = uuid.New()
	t.DBName = directory.DeriveDBName(t.ID)
	t.DBUsername = directory.DeriveDBUsername(t.ID)
	t.ProvisioningStatus = directory.StatusPending
	s.tenants[t.ID] = t
	s.slugs[t.Slug] = t
	return nil
}

func (s *fakeStore) GetByID(ctx context.Context, id uuid.UUID) (*directory.Tenant, error) {
	return s.tenants[id], nil
}

func (s *fakeStore) GetBySlug(ctx context.Context, slug string) (*directory.Tenant, error) {
	if s.slugErr != nil {
		return nil, s.slugErr
	}
	return s.slugs[slug], nil
}

func (s *fakeStore) Deactivate(ctx context.Context, id uuid.UUID) error {
	t, ok := s.tenants[id]
	if !ok {
		return errors.New("tenant not found")
	}
	t.IsActive = false
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, id uuid.UUID) error {
	if _, ok := s.tenants[id]; !ok {
		return errors.New("tenant not found")
	}
	return nil
}

type fakeEnqueuer struct {
	payloads []directory.JobPayload
	err      error
}

func (q *fakeEnqueuer) Enqueue(ctx context.Context, payload directory.JobPayload) (*directory.Job, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, payload)
	return &directory.Job{ID: uuid.New(), TenantID: payload.TenantID, Payload: payload}, nil
}

func validRequest() RegisterRequest {
	return RegisterRequest{
		Name:              "Acme Inc",
		Slug:              "acme",
		Plan:              "pro",
		AdminEmail:        "admin@acme.com",
		AdminPasswordHash: "$2a$10$abcdefghijklmnopqrstuv",
		AdminFirstName:    "Ada",
		AdminLastName:     "Admin",
		CompanyName:       "Acme Inc",
	}
}

func TestService_Register(t *testing.T) {
	store := newFakeStore()
	queue := &fakeEnqueuer{}
	svc := NewService(store, queue)

	tenant, err := svc.Register(context.Background(), validRequest())
	require.NoError(t, err)
	require.NotNil(t, tenant)

	assert.NotEqual(t, uuid.Nil, tenant.ID)
	assert.Equal(t, directory.StatusPending, tenant.ProvisioningStatus)
	assert.False(t, tenant.IsActive)
	assert.Equal(t, directory.DeriveDBName(tenant.ID), tenant.DBName)

	require.Len(t, queue.payloads, 1)
	payload := queue.payloads[0]
	assert.Equal(t, tenant.ID, payload.TenantID)
	assert.Equal(t, "acme", payload.Slug)
	assert.Equal(t, tenant.DBName, payload.DBName)
	assert.Equal(t, "admin@acme.com", payload.AdminEmail)
}

func TestService_RegisterDuplicateSlug(t *testing.T) {
	store := newFakeStore()
	queue := &fakeEnqueuer{}
	svc := NewService(store, queue)

	_, err := svc.Register(context.Background(), validRequest())
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
	assert.Len(t, queue.payloads, 1)
}

func TestService_RegisterValidation(t *testing.T) {
	svc := NewService(newFakeStore(), &fakeEnqueuer{})

	cases := map[string]func(*RegisterRequest){
		"missing name":      func(r *RegisterRequest) { r.Name = "" },
		"missing slug":      func(r *RegisterRequest) { r.Slug = "" },
		"uppercase slug":    func(r *RegisterRequest) { r.Slug = "Acme" },
		"leading hyphen":    func(r *RegisterRequest) { r.Slug = "-acme" },
		"trailing hyphen":   func(r *RegisterRequest) { r.Slug = "acme-" },
		"slug with dot":     func(r *RegisterRequest) { r.Slug = "ac.me" },
		"missing email":     func(r *RegisterRequest) { r.AdminEmail = "" },
		"email without at":  func(r *RegisterRequest) { r.AdminEmail = "admin.acme.com" },
		"missing pass hash": func(r *RegisterRequest) { r.AdminPasswordHash = "" },
	}
	for name, mutate := range cases {
		req := validRequest()
		mutate(&req)
		_, err := svc.Register(context.Background(), req)
		require.Error(t, err, name)
		assert.Equal(t, codes.InvalidArgument, status.Code(err), name)
	}
}

func TestService_RegisterSlugCheckFailure(t *testing.T) {
	store := newFakeStore()
	store.slugErr = errors.New("registry unavailable")
	svc := NewService(store, &fakeEnqueuer{})

	_, err := svc.Register(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestService_RegisterEnqueueFailure(t *testing.T) {
	store := newFakeStore()
	queue := &fakeEnqueuer{err: errors.New("queue full")}
	svc := NewService(store, queue)

	_, err := svc.Register(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestService_GetNotFound(t *testing.T) {
	svc := NewService(newFakeStore(), &fakeEnqueuer{})

	_, err := svc.Get(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestService_DeactivateAndDelete(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &fakeEnqueuer{})

	tenant, err := svc.Register(context.Background(), validRequest())
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(context.Background(), tenant.ID))
	assert.False(t, store.tenants[tenant.ID].IsActive)

	require.NoError(t, svc.Delete(context.Background(), tenant.ID))

	err = svc.Delete(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}
