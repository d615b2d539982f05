package synth

import (
	"fmt"
	"strings"

	"helm/internal/config"
	"helm/internal/registry"
)

// GenerateEnvFile renders the key=value environment file for one service.
// Line order is fixed and every value is derived from the inputs, keeping
// the output deterministic. Empty values are allowed; there is no quoting
// or line continuation.
func GenerateEnvFile(cfg config.MasterConfig, entry registry.ServiceEntry, thin map[string]registry.ThinEntry) string {
	app := cfg.Apps[entry.Name]
	idp := cfg.IdentityProvider

	var b strings.Builder
	line := func(format string, args ...interface{}) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	line("FLASK_APP=run.py")
	line("FLASK_ENV=%s", cfg.System.Environment)
	line("SECRET_KEY=%s", cfg.System.SecretKey)
	line("SERVICE_NAME=%s", entry.Name)

	line("")
	line("# Identity Provider")
	line("KEYCLOAK_SERVER_URL=%s", idpServerURL(cfg, entry.Name))
	line("KEYCLOAK_BACKEND_URL=%s", idpBackendURL(cfg))
	line("KEYCLOAK_REALM=%s", idp.Realm)
	line("KEYCLOAK_CLIENT_ID=%s", idp.ClientID)
	if idp.ClientSecret != "" {
		line("KEYCLOAK_CLIENT_SECRET=%s", idp.ClientSecret)
	}

	if entry.Name == registry.IdentityService {
		line("")
		line("# JWT Configuration")
		line("JWT_PRIVATE_KEY_FILE=keys/jwt_private.pem")
		line("JWT_PUBLIC_KEY_FILE=keys/jwt_public.pem")
		line("JWT_ISSUER=hivematrix-core")
		line("JWT_ALGORITHM=RS256")
	}

	if app.HasRelationalDB() {
		db := cfg.Databases.Relational
		line("")
		line("# Database Configuration")
		line("DB_HOST=%s", db.Host)
		line("DB_PORT=%d", db.Port)
		if name := dbName(entry.Name, app); name != "" {
			line("DB_NAME=%s", name)
		}
	}

	line("")
	line("# Service URLs")
	for _, peer := range sortedNames(thin) {
		line("%s_SERVICE_URL=%s", strings.ToUpper(peer), peerURL(cfg, peer, thin[peer]))
	}

	// App-specific sections surface as prefixed variables so a service can
	// consume its custom configuration without parsing the conf file.
	for _, section := range sortedNames(app.Sections) {
		values := app.Sections[section]
		line("")
		line("# %s", section)
		for _, key := range sortedNames(values) {
			line("%s_%s=%s", strings.ToUpper(section), strings.ToUpper(key), values[key])
		}
	}

	return b.String()
}

func dbName(serviceName string, app config.AppConfig) string {
	if app.DBName != "" {
		return app.DBName
	}
	if app.HasRelationalDB() {
		return serviceName + "_db"
	}
	return ""
}

func dbUser(serviceName string, app config.AppConfig) string {
	if app.DBUser != "" {
		return app.DBUser
	}
	return serviceName + "_user"
}
