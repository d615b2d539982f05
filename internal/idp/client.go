// Package idp reconciles the external identity provider (Keycloak) with the
// master configuration. We never touch the IDP's database; every mutation
// goes through its admin REST API as a find-then-create-or-update, so a
// converged installation sees no changes on re-run.
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client is a minimal Keycloak admin API client. Calls retry up to three
// times with linear jitter backoff before surfacing the failure.
type Client struct {
	baseURL   string
	adminUser string
	adminPass string
	http      *retryablehttp.Client

	token string
}

// NewClient creates an admin client for the IDP at baseURL (the direct
// backend URL, not the proxied one).
func NewClient(baseURL, adminUser, adminPass string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Backoff = retryablehttp.LinearJitterBackoff
	rc.Logger = nil
	rc.HTTPClient.Timeout = 10 * time.Second

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		adminUser: adminUser,
		adminPass: adminPass,
		http:      rc,
	}
}

// authenticate obtains an admin token via the password grant against the
// master realm's admin-cli client.
func (c *Client) authenticate(ctx context.Context) error {
	form := url.Values{
		"client_id":  {"admin-cli"},
		"username":   {c.adminUser},
		"password":   {c.adminPass},
		"grant_type": {"password"},
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/realms/master/protocol/openid-connect/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("idp admin token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("idp admin token request: status %d", resp.StatusCode)
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("idp admin token response: %w", err)
	}
	if out.AccessToken == "" {
		return fmt.Errorf("idp admin token response: empty token")
	}
	c.token = out.AccessToken
	return nil
}

// do issues an authenticated admin API request and returns the response
// body for 2xx statuses. 404 is reported via errNotFound so ensure steps can
// branch on it.
var errNotFound = fmt.Errorf("not found")

func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	if c.token == "" {
		if err := c.authenticate(ctx); err != nil {
			return nil, err
		}
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("idp admin %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("idp admin %s %s: %w", method, path, errNotFound)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	default:
		return nil, fmt.Errorf("idp admin %s %s: status %d: %s", method, path, resp.StatusCode, truncate(string(data), 200))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Reachable reports whether the admin API answers at all. The bootstrap
// waits for this before running the reconcile steps.
func (c *Client) Reachable(ctx context.Context) bool {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/realms/master", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
