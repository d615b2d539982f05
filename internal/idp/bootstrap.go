package idp

import (
	"context"
	"fmt"
	"strings"

	"helm/internal/config"
	"helm/pkg/logging"
)

// Default credentials for the realm administrator created on first install.
// The password is flagged non-temporary only then; on later repairs the user
// must change it at next login.
const (
	DefaultAdminUsername = "admin"
	DefaultAdminPassword = "admin"
)

// Trigger names the condition that made a reconcile pass necessary.
type Trigger int

const (
	// TriggerNone means the installation is converged and no pass runs.
	TriggerNone Trigger = iota
	// TriggerFreshInstall fires when the IDP installation directory was
	// just created and nothing has been provisioned yet.
	TriggerFreshInstall
	// TriggerMissingSecret fires when client_secret is absent from the
	// master config. Clearing the secret is the documented way to force a
	// full re-bootstrap.
	TriggerMissingSecret
	// TriggerHostnameChange fires when the detected hostname differs from
	// the recorded one. Only the realm frontendUrl and the client redirect
	// URIs are refreshed; the client and its secret stay untouched.
	TriggerHostnameChange
)

func (t Trigger) String() string {
	switch t {
	case TriggerFreshInstall:
		return "fresh_install"
	case TriggerMissingSecret:
		return "missing_secret"
	case TriggerHostnameChange:
		return "hostname_change"
	default:
		return "none"
	}
}

// Evaluate decides which reconcile pass, if any, the boot sequence needs.
// idpInstalled reports whether the IDP installation directory existed before
// this boot; detectedHostname is the hostname probed at startup.
func Evaluate(cfg config.MasterConfig, idpInstalled bool, detectedHostname string) Trigger {
	switch {
	case !idpInstalled:
		return TriggerFreshInstall
	case cfg.IdentityProvider.ClientSecret == "":
		return TriggerMissingSecret
	case detectedHostname != "" && detectedHostname != cfg.System.Hostname:
		return TriggerHostnameChange
	default:
		return TriggerNone
	}
}

// Bootstrap drives the reconcile passes against a running identity provider
// and persists the resulting secret into the master config store.
type Bootstrap struct {
	store  *config.Store
	client *Client
}

// NewBootstrap wires the reconciler. The client must point at the IDP's
// direct backend URL; the proxied URL is only for browsers.
func NewBootstrap(store *config.Store, client *Client) *Bootstrap {
	return &Bootstrap{store: store, client: client}
}

// Run executes the pass selected by trigger. TriggerNone is a no-op.
// TriggerHostnameChange refreshes the realm frontendUrl and the client
// redirect URIs only; everything else runs the full sequence.
func (b *Bootstrap) Run(ctx context.Context, trigger Trigger) error {
	if trigger == TriggerNone {
		return nil
	}

	cfg := b.store.Get()
	idp := cfg.IdentityProvider
	frontend := FrontendURL(cfg)
	redirects := RedirectURIs(cfg)

	logging.Info("IDPBootstrap", "Reconciling identity provider (%s), realm=%s frontend=%s", trigger, idp.Realm, frontend)

	if !b.client.Reachable(ctx) {
		return fmt.Errorf("identity provider admin API at %s is not reachable", b.client.baseURL)
	}

	if err := b.client.EnsureRealm(ctx, idp.Realm, frontend); err != nil {
		return fmt.Errorf("ensuring realm %s: %w", idp.Realm, err)
	}
	internalID, err := b.client.EnsureClient(ctx, idp.Realm, idp.ClientID, redirects)
	if err != nil {
		return fmt.Errorf("ensuring client %s: %w", idp.ClientID, err)
	}

	if trigger == TriggerHostnameChange {
		logging.Info("IDPBootstrap", "Hostname change applied, secret unchanged")
		return nil
	}

	secret, err := b.client.ClientSecret(ctx, idp.Realm, internalID)
	if err != nil {
		return fmt.Errorf("fetching client secret: %w", err)
	}
	if err := b.store.SetClientSecret(secret); err != nil {
		return fmt.Errorf("persisting client secret: %w", err)
	}

	if err := b.client.EnsureGroups(ctx, idp.Realm); err != nil {
		return fmt.Errorf("ensuring permission groups: %w", err)
	}
	if err := b.client.EnsureGroupMapper(ctx, idp.Realm, internalID); err != nil {
		return fmt.Errorf("ensuring group mapper: %w", err)
	}

	firstInstall := trigger == TriggerFreshInstall
	if err := b.client.EnsureAdminUser(ctx, idp.Realm, DefaultAdminUsername, DefaultAdminPassword, firstInstall); err != nil {
		return fmt.Errorf("ensuring admin user: %w", err)
	}

	logging.Info("IDPBootstrap", "Identity provider converged")
	return nil
}

// FrontendURL computes the externally facing IDP URL recorded on the realm.
// On localhost there is no reverse proxy, so browsers talk to the backend
// directly; on a real host they go through https://<hostname>/keycloak.
func FrontendURL(cfg config.MasterConfig) string {
	host := cfg.System.Hostname
	if host == "" || host == "localhost" || strings.HasPrefix(host, "127.") {
		return BackendURL(cfg)
	}
	return "https://" + host + "/keycloak"
}

// BackendURL is the direct address of the IDP process on this host.
func BackendURL(cfg config.MasterConfig) string {
	if cfg.IdentityProvider.BackendURL != "" {
		return cfg.IdentityProvider.BackendURL
	}
	return cfg.IdentityProvider.URL
}

// RedirectURIs lists the valid redirect URIs for the authorization-code
// client. Both the localhost and the external hostname forms stay valid so a
// hostname change never locks operators out of a session in flight.
func RedirectURIs(cfg config.MasterConfig) []string {
	uris := []string{
		"http://localhost/*",
		"https://localhost/*",
	}
	host := cfg.System.Hostname
	if host != "" && host != "localhost" {
		uris = append(uris, "https://"+host+"/*")
	}
	return uris
}
