package config

import (
	"crypto/rand"
	"encoding/hex"
)

// Default identity-provider constants. They mirror the values the installer
// seeds so that a fresh install converges without manual editing.
const (
	DefaultRealm    = "hivematrix"
	DefaultClientID = "core-client"
	DefaultIDPURL   = "http://localhost:8080"
)

// DefaultMasterConfig constructs the document used when no master_config.json
// exists yet. The secret key is generated once and persisted with the file.
func DefaultMasterConfig() MasterConfig {
	return MasterConfig{
		System: SystemConfig{
			Hostname:    "localhost",
			Environment: "development",
			SecretKey:   newSecretKey(),
			LogLevel:    "INFO",
		},
		IdentityProvider: IdentityProvider{
			URL:           DefaultIDPURL,
			Realm:         DefaultRealm,
			ClientID:      DefaultClientID,
			AdminUsername: "admin",
			AdminPassword: "admin",
		},
		Databases: Databases{
			Relational: RelationalDB{
				Host:      "localhost",
				Port:      5432,
				AdminUser: "postgres",
			},
		},
		Apps: map[string]AppConfig{},
	}
}

func newSecretKey() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken; a fixed key
		// would silently weaken every session, so give up loudly.
		panic(err)
	}
	return hex.EncodeToString(buf)
}
