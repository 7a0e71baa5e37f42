package directory

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the provisioning lifecycle state of a tenant.
// Terminal states are StatusActive and StatusFailed.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusFailed       Status = "failed"
)

// Tenant is the durable directory record for one isolated tenant.
// DBPasswordEncrypted holds the vault ciphertext; the plaintext password
// is never persisted or logged.
type Tenant struct {
	ID                  uuid.UUID  `json:"id"`
	Slug                string     `json:"slug"`
	Name                string     `json:"name"`
	Plan                string     `json:"plan"`
	DBHost              string     `json:"db_host"`
	DBPort              int        `json:"db_port"`
	DBName              string     `json:"db_name"`
	DBUsername          string     `json:"db_username"`
	DBPasswordEncrypted string     `json:"-"`
	ProvisioningStatus  Status     `json:"provisioning_status"`
	IsActive            bool       `json:"is_active"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	DeletedAt           *time.Time `json:"deleted_at,omitempty"`
}

// JobPayload is everything a provisioning job needs to run end to end.
type JobPayload struct {
	TenantID          uuid.UUID `json:"tenant_id"`
	Slug              string    `json:"slug"`
	DBName            string    `json:"db_name"`
	AdminEmail        string    `json:"admin_email"`
	AdminPasswordHash string    `json:"admin_password_hash"`
	AdminFirstName    string    `json:"admin_first_name"`
	AdminLastName     string    `json:"admin_last_name"`
	CompanyName       string    `json:"company_name"`
}

// Job is one provisioning run for a tenant. Rows are kept after both
// success and final failure so operators can inspect history.
type Job struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  uuid.UUID  `json:"tenant_id"`
	Payload   JobPayload `json:"payload"`
	Attempts  int        `json:"attempts"`
	Status    string     `json:"status"`
	LastError string     `json:"last_error"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// DeriveDBName returns the globally unique database name for a tenant.
// Derived from the immutable id, so it is never reused even after the
// tenant is deleted.
func DeriveDBName(id uuid.UUID) string {
	return fmt.Sprintf("tenant_%s_prod", shortHex(id))
}

// DeriveDBUsername returns the database role name paired with DeriveDBName.
func DeriveDBUsername(id uuid.UUID) string {
	return fmt.Sprintf("tenant_%s_user", shortHex(id))
}

func shortHex(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}

// ConnString builds the tenant's connection URL from its stored
// coordinates and a decrypted password. The result is never persisted.
func (t *Tenant) ConnString(password string) string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?search_path=public",
		t.DBUsername, url.QueryEscape(password), t.DBHost, t.DBPort, t.DBName)
}
