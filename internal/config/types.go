package config

// MasterConfig is the single source of truth for the whole installation.
// Exactly one document exists per host, persisted as JSON under
// instance/configs/master_config.json and owned exclusively by the
// orchestrator process.
type MasterConfig struct {
	System           SystemConfig         `json:"system"`
	IdentityProvider IdentityProvider     `json:"identity_provider"`
	Databases        Databases            `json:"databases"`
	Apps             map[string]AppConfig `json:"apps"`
}

// SystemConfig holds host identity and global settings.
type SystemConfig struct {
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
	SecretKey   string `json:"secret_key"`
	LogLevel    string `json:"log_level"`
}

// IdentityProvider describes the external OIDC server (Keycloak).
// ClientSecret is empty until the first bootstrap succeeds; clearing it
// forces a full re-bootstrap on the next boot.
type IdentityProvider struct {
	URL           string `json:"url"`
	BackendURL    string `json:"backend_url,omitempty"`
	Realm         string `json:"realm"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret,omitempty"`
	AdminUsername string `json:"admin_username"`
	AdminPassword string `json:"admin_password"`
}

// Databases groups the backing stores shared by the managed services.
type Databases struct {
	Relational RelationalDB `json:"relational"`
	Graph      *GraphDB     `json:"graph,omitempty"`
}

// RelationalDB is the PostgreSQL server every relational app shares.
type RelationalDB struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	AdminUser string `json:"admin_user"`
}

// GraphDB is the optional Neo4j instance.
type GraphDB struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// AppConfig carries the per-service overrides stored in the master document.
type AppConfig struct {
	Port         int                          `json:"port,omitempty"`
	DatabaseKind string                       `json:"database_kind,omitempty"`
	DBName       string                       `json:"db_name,omitempty"`
	DBUser       string                       `json:"db_user,omitempty"`
	DBPassword   string                       `json:"db_password,omitempty"`
	Sections     map[string]map[string]string `json:"custom_sections,omitempty"`
}

// HasRelationalDB reports whether the app carries a relational database spec.
func (a AppConfig) HasRelationalDB() bool {
	return a.DatabaseKind == "relational" || (a.DatabaseKind == "" && a.DBName != "")
}
