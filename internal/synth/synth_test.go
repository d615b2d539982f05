package synth

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"helm/internal/config"
	"helm/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMasterConfig() config.MasterConfig {
	return config.MasterConfig{
		System: config.SystemConfig{
			Hostname:    "localhost",
			Environment: "development",
			SecretKey:   "deadbeef",
			LogLevel:    "INFO",
		},
		IdentityProvider: config.IdentityProvider{
			URL:           "http://localhost:8080",
			Realm:         "hivematrix",
			ClientID:      "core-client",
			ClientSecret:  "topsecret",
			AdminUsername: "admin",
			AdminPassword: "admin",
		},
		Databases: config.Databases{
			Relational: config.RelationalDB{Host: "localhost", Port: 5432, AdminUser: "postgres"},
		},
		Apps: map[string]config.AppConfig{
			"codex": {
				DatabaseKind: "relational",
				DBName:       "codex_db",
				DBUser:       "codex_user",
				DBPassword:   "p%ss+w=rd/",
			},
		},
	}
}

func testThin() map[string]registry.ThinEntry {
	return map[string]registry.ThinEntry{
		"core":  {URL: "http://localhost:5000", Port: 5000},
		"nexus": {URL: "http://localhost:8000", Port: 8000},
		"helm":  {URL: "http://localhost:5004", Port: 5004},
	}
}

func TestGenerateEnvFileDeterministic(t *testing.T) {
	cfg := testMasterConfig()
	entry := registry.ServiceEntry{Name: "codex", Port: 5010}

	a := GenerateEnvFile(cfg, entry, testThin())
	b := GenerateEnvFile(cfg, entry, testThin())
	assert.Equal(t, a, b)
}

func TestGenerateEnvFileContents(t *testing.T) {
	cfg := testMasterConfig()
	env := GenerateEnvFile(cfg, registry.ServiceEntry{Name: "codex", Port: 5010}, testThin())

	assert.Contains(t, env, "SERVICE_NAME=codex\n")
	assert.Contains(t, env, "SECRET_KEY=deadbeef\n")
	assert.Contains(t, env, "KEYCLOAK_REALM=hivematrix\n")
	assert.Contains(t, env, "KEYCLOAK_CLIENT_SECRET=topsecret\n")
	assert.Contains(t, env, "DB_HOST=localhost\n")
	assert.Contains(t, env, "DB_NAME=codex_db\n")
	assert.Contains(t, env, "CORE_SERVICE_URL=http://localhost:5000\n")
	assert.Contains(t, env, "HELM_SERVICE_URL=http://localhost:5004\n")
}

func TestIDPURLRewriting(t *testing.T) {
	thin := testThin()

	t.Run("identity service gets direct backend URL", func(t *testing.T) {
		cfg := testMasterConfig()
		cfg.System.Hostname = "10.0.0.5"
		env := GenerateEnvFile(cfg, registry.ServiceEntry{Name: "core", Port: 5000}, thin)
		assert.Contains(t, env, "KEYCLOAK_SERVER_URL=http://localhost:8080\n")
	})

	t.Run("other services get proxied URL on real host", func(t *testing.T) {
		cfg := testMasterConfig()
		cfg.System.Hostname = "10.0.0.5"
		env := GenerateEnvFile(cfg, registry.ServiceEntry{Name: "codex", Port: 5010}, thin)
		assert.Contains(t, env, "KEYCLOAK_SERVER_URL=https://10.0.0.5/keycloak\n")
	})

	t.Run("localhost falls back to direct URL", func(t *testing.T) {
		cfg := testMasterConfig()
		env := GenerateEnvFile(cfg, registry.ServiceEntry{Name: "codex", Port: 5010}, thin)
		assert.Contains(t, env, "KEYCLOAK_SERVER_URL=http://localhost:8080\n")
	})

	t.Run("backend URL honors the backend_url override", func(t *testing.T) {
		cfg := testMasterConfig()
		cfg.System.Hostname = "10.0.0.5"
		cfg.IdentityProvider.URL = "https://10.0.0.5/keycloak"
		cfg.IdentityProvider.BackendURL = "http://localhost:8080"
		env := GenerateEnvFile(cfg, registry.ServiceEntry{Name: "codex", Port: 5010}, thin)
		assert.Contains(t, env, "KEYCLOAK_BACKEND_URL=http://localhost:8080\n")
	})

	t.Run("nexus peer URL uses https on real host", func(t *testing.T) {
		cfg := testMasterConfig()
		cfg.System.Hostname = "10.0.0.5"
		env := GenerateEnvFile(cfg, registry.ServiceEntry{Name: "codex", Port: 5010}, thin)
		assert.Contains(t, env, "NEXUS_SERVICE_URL=https://10.0.0.5\n")
	})
}

func TestIdentityServiceJWTBlock(t *testing.T) {
	cfg := testMasterConfig()
	env := GenerateEnvFile(cfg, registry.ServiceEntry{Name: "core", Port: 5000}, testThin())
	assert.Contains(t, env, "JWT_PRIVATE_KEY_FILE=keys/jwt_private.pem\n")
	assert.Contains(t, env, "JWT_ALGORITHM=RS256\n")

	other := GenerateEnvFile(cfg, registry.ServiceEntry{Name: "codex", Port: 5010}, testThin())
	assert.NotContains(t, other, "JWT_PRIVATE_KEY_FILE")
}

func TestConnectionStringRoundTrip(t *testing.T) {
	passwords := []string{"p%ss+w=rd/", "a:b@c", "%%%", "pl+us", "slash/slash", "eq=eq"}
	for _, password := range passwords {
		t.Run(password, func(t *testing.T) {
			cs := ConnectionString("codex_user", password, "localhost", 5432, "codex_db")
			parsed, err := url.Parse(cs)
			require.NoError(t, err)
			got, ok := parsed.User.Password()
			require.True(t, ok)
			assert.Equal(t, password, got)
			assert.Equal(t, "codex_user", parsed.User.Username())
			assert.Equal(t, "/codex_db", parsed.Path)
		})
	}
}

func TestGenerateConnFile(t *testing.T) {
	cfg := testMasterConfig()
	conn, ok := GenerateConnFile(cfg, registry.ServiceEntry{Name: "codex", Port: 5010})
	require.True(t, ok)

	assert.True(t, strings.HasPrefix(conn, "[database]\n"))
	assert.Contains(t, conn, "db_host = localhost\n")
	assert.Contains(t, conn, "db_port = 5432\n")
	assert.Contains(t, conn, "db_name = codex_db\n")
	assert.Contains(t, conn, "db_user = codex_user\n")
	// Password must be URL-encoded inside the connection string.
	assert.NotContains(t, conn, "p%ss+w=rd/")
}

func TestGenerateConnFileCustomSections(t *testing.T) {
	cfg := testMasterConfig()
	cfg.Apps["knowledgetree"] = config.AppConfig{
		Sections: map[string]map[string]string{
			"services": {"codex_url": "http://localhost:5010"},
		},
	}
	conn, ok := GenerateConnFile(cfg, registry.ServiceEntry{Name: "knowledgetree", Port: 5020})
	require.True(t, ok)
	assert.Contains(t, conn, "[services]\n")
	assert.Contains(t, conn, "codex_url = http://localhost:5010\n")
}

func TestGenerateConnFileAbsentWithoutConfig(t *testing.T) {
	cfg := testMasterConfig()
	_, ok := GenerateConnFile(cfg, registry.ServiceEntry{Name: "plain", Port: 5030})
	assert.False(t, ok)
}

func TestWriteServiceConfig(t *testing.T) {
	cfg := testMasterConfig()
	dir := t.TempDir()
	entry := registry.ServiceEntry{Name: "codex", Port: 5010, DirectoryPath: dir}

	s := New(t.TempDir())
	require.NoError(t, s.WriteServiceConfig(cfg, entry, testThin()))

	env, err := os.ReadFile(filepath.Join(dir, EnvFileName))
	require.NoError(t, err)
	assert.Contains(t, string(env), "SERVICE_NAME=codex")

	conn, err := os.ReadFile(filepath.Join(dir, "instance", "codex.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(conn), "[database]")

	// Re-running produces identical bytes.
	require.NoError(t, s.WriteServiceConfig(cfg, entry, testThin()))
	env2, err := os.ReadFile(filepath.Join(dir, EnvFileName))
	require.NoError(t, err)
	assert.Equal(t, env, env2)
}

func TestEnsureJWTKeys(t *testing.T) {
	keysDir := filepath.Join(t.TempDir(), "keys")
	require.NoError(t, EnsureJWTKeys(keysDir))

	priv, err := os.ReadFile(filepath.Join(keysDir, "jwt_private.pem"))
	require.NoError(t, err)
	assert.Contains(t, string(priv), "RSA PRIVATE KEY")

	pub, err := os.ReadFile(filepath.Join(keysDir, "jwt_public.pem"))
	require.NoError(t, err)
	assert.Contains(t, string(pub), "PUBLIC KEY")

	// Second call must not rotate the keypair.
	require.NoError(t, EnsureJWTKeys(keysDir))
	priv2, err := os.ReadFile(filepath.Join(keysDir, "jwt_private.pem"))
	require.NoError(t, err)
	assert.Equal(t, priv, priv2)
}
