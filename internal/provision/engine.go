package provision

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/helix-saas/tenant-control-plane/internal/config"
	"github.com/helix-saas/tenant-control-plane/internal/directory"
	"github.com/helix-saas/tenant-control-plane/internal/vault"
)

// Step labels, recorded in tenant_provisioning_logs and in the tenant's
// status history.
const (
	StepCreateUser        = "creating_user"
	StepCreateDatabase    = "creating_database"
	StepGrantPrivileges   = "granting_privileges"
	StepApplySchema       = "applying_schema"
	StepCreateAdminRecord = "creating_admin_record"
)

// StepResult reports the outcome of one pipeline step. The state machine
// is driven by inspecting these instead of recovering panics.
type StepResult struct {
	Step string
	Err  error
}

func (r StepResult) Failed() bool { return r.Err != nil }

// adminConn is the subset of pgxpool.Pool the engine needs against the
// administrative server.
type adminConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// dbConn is a short-lived connection to a freshly created tenant database.
type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close(ctx context.Context) error
}

// Store is the directory surface the engine mutates.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*directory.Tenant, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status directory.Status) error
	SetCredentials(ctx context.Context, id uuid.UUID, host string, port int, encrypted string) error
	Activate(ctx context.Context, id uuid.UUID) error
	CreateProvisioningLog(ctx context.Context, tenantID uuid.UUID, step, status string, details interface{}) error
}

// Engine drives the tenant through its provisioning state machine. Every
// step is idempotent and re-checks its own effect, because CREATE
// DATABASE and CREATE ROLE cannot run inside a transaction.
type Engine struct {
	cfg   *config.Config
	admin adminConn
	store Store
	vault *vault.Vault

	// Seams for tests; default to real pgx/migrate implementations.
	connect     func(ctx context.Context, dsn string) (dbConn, error)
	applySchema func(ctx context.Context, dsn string) error
}

func NewEngine(cfg *config.Config, admin adminConn, store Store, v *vault.Vault) *Engine {
	return &Engine{
		cfg:         cfg,
		admin:       admin,
		store:       store,
		vault:       v,
		connect:     dialTenantDB,
		applySchema: applyTenantSchema,
	}
}

func dialTenantDB(ctx context.Context, dsn string) (dbConn, error) {
	return pgx.Connect(ctx, dsn)
}

// Run executes the full provisioning sequence for one job payload.
// Safe to re-run after partial failure: every step detects existing state
// and short-circuits.
func (e *Engine) Run(ctx context.Context, payload directory.JobPayload) error {
	tenant, err := e.store.GetByID(ctx, payload.TenantID)
	if err != nil {
		return fmt.Errorf("load tenant %s: %w", payload.TenantID, err)
	}
	if tenant == nil {
		return fmt.Errorf("tenant %s not found in directory", payload.TenantID)
	}
	if tenant.ProvisioningStatus == directory.StatusActive {
		log.Info().Str("tenant_id", tenant.ID.String()).Msg("tenant already active, nothing to do")
		return nil
	}

	admin := e.cfg.Admin()
	logger := log.With().
		Str("tenant_id", tenant.ID.String()).
		Str("db_name", tenant.DBName).
		Str("admin_server", e.cfg.AdminHostPort()).
		Logger()
	logger.Info().Str("slug", tenant.Slug).Msg("provisioning tenant")

	if err := e.store.UpdateStatus(ctx, tenant.ID, directory.StatusProvisioning); err != nil {
		return fmt.Errorf("mark provisioning: %w", err)
	}

	password, err := generatePassword()
	if err != nil {
		return fmt.Errorf("generate password: %w", err)
	}
	tenant.DBHost = admin.Host
	tenant.DBPort = int(admin.Port)

	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{StepCreateUser, func(ctx context.Context) error { return e.createUser(ctx, tenant, password) }},
		{StepCreateDatabase, func(ctx context.Context) error { return e.createDatabase(ctx, tenant) }},
		{StepGrantPrivileges, func(ctx context.Context) error { return e.grantPrivileges(ctx, tenant) }},
		{StepApplySchema, func(ctx context.Context) error { return e.applySchema(ctx, e.adminDSNFor(tenant.DBName)) }},
		{StepCreateAdminRecord, func(ctx context.Context) error { return e.createAdminRecord(ctx, tenant, password, payload) }},
	}

	for _, step := range steps {
		res := e.runStep(ctx, tenant.ID, step.name, step.fn)
		if res.Failed() {
			logger.Error().Err(res.Err).Str("step", res.Step).Msg("provisioning step failed")
			return fmt.Errorf("step %s: %w", res.Step, res.Err)
		}
		logger.Info().Str("step", step.name).Msg("provisioning step done")
	}

	if err := e.store.Activate(ctx, tenant.ID); err != nil {
		return fmt.Errorf("activate tenant: %w", err)
	}
	logger.Info().Msg("tenant active")
	return nil
}

func (e *Engine) runStep(ctx context.Context, tenantID uuid.UUID, name string, fn func(ctx context.Context) error) StepResult {
	stepCtx := ctx
	if e.cfg.ProvisionStepTime > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.cfg.ProvisionStepTime)
		defer cancel()
	}

	err := fn(stepCtx)
	status := "success"
	var details interface{}
	if err != nil {
		status = "failed"
		details = map[string]interface{}{"error": err.Error()}
	}
	if logErr := e.store.CreateProvisioningLog(ctx, tenantID, name, status, details); logErr != nil {
		log.Error().Err(logErr).Str("step", name).Msg("failed to record provisioning log")
	}
	return StepResult{Step: name, Err: err}
}

// createUser creates the tenant role with a fresh password, or resets the
// password if the role already exists. A role that still cannot be found
// afterwards is a server-level problem and aborts the run.
func (e *Engine) createUser(ctx context.Context, tenant *directory.Tenant, password string) error {
	exists, err := e.roleExists(ctx, tenant.DBUsername)
	if err != nil {
		return fmt.Errorf("check role: %w", err)
	}

	stmt := "CREATE ROLE %s LOGIN PASSWORD '%s'"
	if exists {
		stmt = "ALTER ROLE %s WITH LOGIN PASSWORD '%s'"
	}
	// Password is hex, but escape anyway since it lands in a literal.
	if _, err := e.admin.Exec(ctx, fmt.Sprintf(stmt,
		pgx.Identifier{tenant.DBUsername}.Sanitize(), escapeLiteral(password))); err != nil {
		return fmt.Errorf("create role %s: %w", tenant.DBUsername, err)
	}

	exists, err = e.roleExists(ctx, tenant.DBUsername)
	if err != nil {
		return fmt.Errorf("recheck role: %w", err)
	}
	if !exists {
		return fmt.Errorf("role %s missing after create on %s", tenant.DBUsername, e.cfg.AdminHostPort())
	}

	encrypted, err := e.vault.Encrypt(password)
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}
	if err := e.store.SetCredentials(ctx, tenant.ID, tenant.DBHost, tenant.DBPort, encrypted); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	tenant.DBPasswordEncrypted = encrypted
	return nil
}

// createDatabase creates the tenant database if absent. CREATE DATABASE is
// non-transactional, so existence is re-checked after the command; a
// database that is still absent points at a server-level problem
// (insufficient privileges, wrong server) that retrying the step won't fix.
func (e *Engine) createDatabase(ctx context.Context, tenant *directory.Tenant) error {
	exists, err := e.databaseExists(ctx, tenant.DBName)
	if err != nil {
		return fmt.Errorf("check database: %w", err)
	}
	if !exists {
		stmt := fmt.Sprintf("CREATE DATABASE %s OWNER %s",
			pgx.Identifier{tenant.DBName}.Sanitize(), pgx.Identifier{tenant.DBUsername}.Sanitize())
		if _, err := e.admin.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create database %s: %w", tenant.DBName, err)
		}
	}

	exists, err = e.databaseExists(ctx, tenant.DBName)
	if err != nil {
		return fmt.Errorf("recheck database: %w", err)
	}
	if !exists {
		return fmt.Errorf("database %s missing after create on %s", tenant.DBName, e.cfg.AdminHostPort())
	}
	return nil
}

// grantPrivileges grants the tenant role full rights on its database, then
// connects to the new database with administrative credentials to set
// default privileges, so the schema applied later needs no second grant
// pass. The tenant's own user may not have schema-level rights yet.
func (e *Engine) grantPrivileges(ctx context.Context, tenant *directory.Tenant) error {
	grant := fmt.Sprintf("GRANT ALL PRIVILEGES ON DATABASE %s TO %s",
		pgx.Identifier{tenant.DBName}.Sanitize(), pgx.Identifier{tenant.DBUsername}.Sanitize())
	if _, err := e.admin.Exec(ctx, grant); err != nil {
		return fmt.Errorf("grant database privileges: %w", err)
	}

	conn, err := e.connect(ctx, e.adminDSNFor(tenant.DBName))
	if err != nil {
		return fmt.Errorf("connect to %s as admin: %w", tenant.DBName, err)
	}
	defer conn.Close(ctx)

	user := pgx.Identifier{tenant.DBUsername}.Sanitize()
	for _, stmt := range []string{
		fmt.Sprintf("GRANT ALL ON SCHEMA public TO %s", user),
		fmt.Sprintf("ALTER DEFAULT PRIVILEGES IN SCHEMA public GRANT ALL ON TABLES TO %s", user),
		fmt.Sprintf("ALTER DEFAULT PRIVILEGES IN SCHEMA public GRANT ALL ON SEQUENCES TO %s", user),
	} {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("grant defaults: %w", err)
		}
	}
	return nil
}

// createAdminRecord inserts the tenant's first administrative user and the
// initial company settings row over the tenant's own credentials, proving
// the user, database, grants and schema all line up end to end. Existing
// records mean a previous attempt got this far; treat as done.
func (e *Engine) createAdminRecord(ctx context.Context, tenant *directory.Tenant, password string, payload directory.JobPayload) error {
	conn, err := e.connect(ctx, tenant.ConnString(password))
	if err != nil {
		return fmt.Errorf("connect to %s as tenant user: %w", tenant.DBName, err)
	}
	defer conn.Close(ctx)

	var exists bool
	if err := conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)", payload.AdminEmail).Scan(&exists); err != nil {
		return fmt.Errorf("check admin record: %w", err)
	}
	if !exists {
		_, err = conn.Exec(ctx, `INSERT INTO users (id, email, password_hash, first_name, last_name, role)
			VALUES ($1, $2, $3, $4, $5, 'admin')`,
			uuid.New(), payload.AdminEmail, payload.AdminPasswordHash, payload.AdminFirstName, payload.AdminLastName)
		if err != nil {
			return fmt.Errorf("insert admin record: %w", err)
		}
	} else {
		log.Info().Str("tenant_id", tenant.ID.String()).Msg("admin record already present, skipping")
	}

	companyName := payload.CompanyName
	if companyName == "" {
		companyName = tenant.Name
	}
	if err := conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM company_settings)").Scan(&exists); err != nil {
		return fmt.Errorf("check company settings: %w", err)
	}
	if !exists {
		if _, err := conn.Exec(ctx,
			"INSERT INTO company_settings (company_name) VALUES ($1)", companyName); err != nil {
			return fmt.Errorf("insert company settings: %w", err)
		}
	}
	return nil
}

func (e *Engine) roleExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := e.admin.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)", name).Scan(&exists)
	return exists, err
}

func (e *Engine) databaseExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := e.admin.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&exists)
	return exists, err
}

// adminDSNFor builds a connection URL for the administrative user pointed
// at the given database, reusing host/port/credentials from the one parsed
// admin config so no step can target a different server.
func (e *Engine) adminDSNFor(dbName string) string {
	a := e.cfg.Admin()
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s",
		a.User, url.QueryEscape(a.Password), a.Host, a.Port, dbName)
}

func generatePassword() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func escapeLiteral(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(out)
}
