package registry

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/helix-saas/tenant-control-plane/internal/directory"
)

// Store is the directory surface the registration service needs.
type Store interface {
	Create(ctx context.Context, t *directory.Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*directory.Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*directory.Tenant, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Enqueuer hands a provisioning job to the background queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload directory.JobPayload) (*directory.Job, error)
}

// Service is the narrow front the transport layer calls: it owns tenant
// registration and the administrative lifecycle operations, and hands
// everything database-shaped to the provisioning queue.
type Service struct {
	store Store
	queue Enqueuer
}

func NewService(store Store, queue Enqueuer) *Service {
	return &Service{store: store, queue: queue}
}

// RegisterRequest carries everything needed to open a tenant account.
type RegisterRequest struct {
	Name              string
	Slug              string
	Plan              string
	AdminEmail        string
	AdminPasswordHash string
	AdminFirstName    string
	AdminLastName     string
	CompanyName       string
}

// Register creates the pending directory record and enqueues exactly one
// provisioning job. The tenant becomes routable only once the job
// completes and flips it active.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*directory.Tenant, error) {
	if err := validateRegisterRequest(req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	existing, err := s.store.GetBySlug(ctx, req.Slug)
	if err != nil {
		log.Error().Err(err).Msg("Failed to check slug uniqueness")
		return nil, status.Error(codes.Internal, "Internal server error")
	}
	if existing != nil {
		return nil, status.Error(codes.AlreadyExists, "Slug already exists")
	}

	tenant := &directory.Tenant{
		Slug: req.Slug,
		Name: req.Name,
		Plan: req.Plan,
	}
	if err := s.store.Create(ctx, tenant); err != nil {
		log.Error().Err(err).Str("slug", req.Slug).Msg("Failed to create tenant record")
		return nil, status.Error(codes.Internal, "Failed to create tenant")
	}

	payload := directory.JobPayload{
		TenantID:          tenant.ID,
		Slug:              tenant.Slug,
		DBName:            tenant.DBName,
		AdminEmail:        req.AdminEmail,
		AdminPasswordHash: req.AdminPasswordHash,
		AdminFirstName:    req.AdminFirstName,
		AdminLastName:     req.AdminLastName,
		CompanyName:       req.CompanyName,
	}
	if _, err := s.queue.Enqueue(ctx, payload); err != nil {
		log.Error().Err(err).Str("tenant_id", tenant.ID.String()).Msg("Failed to enqueue provisioning job")
		return nil, status.Error(codes.Internal, "Failed to queue provisioning")
	}

	log.Info().
		Str("tenant_id", tenant.ID.String()).
		Str("slug", tenant.Slug).
		Str("db_name", tenant.DBName).
		Msg("tenant registered, provisioning queued")
	return tenant, nil
}

// Get retrieves a tenant record by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*directory.Tenant, error) {
	tenant, err := s.store.GetByID(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get tenant")
		return nil, status.Error(codes.Internal, "Internal server error")
	}
	if tenant == nil {
		return nil, status.Error(codes.NotFound, "Tenant not found")
	}
	return tenant, nil
}

// Deactivate closes the tenant for routing without touching its data.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Deactivate(ctx, id); err != nil {
		log.Error().Err(err).Msg("Failed to deactivate tenant")
		return status.Error(codes.Internal, "Failed to deactivate tenant")
	}
	return nil
}

// Delete soft-deletes a tenant. The physical database is left in place
// for operator-driven archival; its name is never reused.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return status.Error(codes.NotFound, "Tenant not found")
	}
	return nil
}

func validateRegisterRequest(req RegisterRequest) error {
	if req.Name == "" {
		return errors.New("name is required")
	}
	if req.Slug == "" {
		return errors.New("slug is required")
	}
	if !isValidSlug(req.Slug) {
		return errors.New("invalid slug format")
	}
	if req.AdminEmail == "" {
		return errors.New("admin email is required")
	}
	if !isValidEmail(req.AdminEmail) {
		return errors.New("invalid email format")
	}
	if req.AdminPasswordHash == "" {
		return errors.New("admin password hash is required")
	}
	return nil
}

// isValidSlug checks the constraint ^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$
func isValidSlug(slug string) bool {
	if len(slug) < 1 || len(slug) > 63 {
		return false
	}
	for i, r := range slug {
		lowerOrDigit := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if i == 0 || i == len(slug)-1 {
			if !lowerOrDigit {
				return false
			}
		} else if !lowerOrDigit && r != '-' {
			return false
		}
	}
	return true
}

// isValidEmail performs a basic shape check; real validation happens at
// the transport layer.
func isValidEmail(email string) bool {
	return len(email) >= 3 && strings.Contains(email, "@") && strings.Contains(email, ".")
}
