package synth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"helm/pkg/logging"
)

const jwtKeyBits = 2048

// EnsureJWTKeys generates the RS256 signing keypair for the identity service
// on first boot. Existing keys are never touched: rotating them would
// invalidate every outstanding token.
func EnsureJWTKeys(keysDir string) error {
	privPath := filepath.Join(keysDir, "jwt_private.pem")
	pubPath := filepath.Join(keysDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return err
	}

	key, err := rsa.GenerateKey(rand.Reader, jwtKeyBits)
	if err != nil {
		return fmt.Errorf("generating JWT keypair: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDER,
	})

	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return err
	}

	logging.Info("Synth", "Generated JWT signing keypair in %s", keysDir)
	return nil
}
