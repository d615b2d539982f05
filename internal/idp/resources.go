package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// PermissionGroups is the fixed group taxonomy every installation carries.
// Group membership maps onto the permission_level claim in user tokens.
var PermissionGroups = []string{"admins", "technicians", "billing", "client"}

// EnsureRealm creates the realm if missing and keeps its frontendUrl
// aligned with the externally facing URL.
func (c *Client) EnsureRealm(ctx context.Context, realm, frontendURL string) error {
	data, err := c.do(ctx, http.MethodGet, "/admin/realms/"+realm, nil)
	if err == nil {
		var current struct {
			Attributes map[string]string `json:"attributes"`
		}
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Attributes["frontendUrl"] == frontendURL {
			return nil
		}
		body := map[string]interface{}{
			"realm":      realm,
			"enabled":    true,
			"attributes": map[string]string{"frontendUrl": frontendURL},
		}
		_, err = c.do(ctx, http.MethodPut, "/admin/realms/"+realm, body)
		return err
	}
	if !isNotFound(err) {
		return err
	}

	body := map[string]interface{}{
		"realm":      realm,
		"enabled":    true,
		"attributes": map[string]string{"frontendUrl": frontendURL},
	}
	_, err = c.do(ctx, http.MethodPost, "/admin/realms", body)
	return err
}

type clientRepresentation struct {
	ID           string   `json:"id"`
	ClientID     string   `json:"clientId"`
	RedirectURIs []string `json:"redirectUris"`
}

// EnsureClient creates or updates the confidential authorization-code
// client and returns its internal id. Existing clients only get their
// redirect URIs refreshed; the secret is never rotated here.
func (c *Client) EnsureClient(ctx context.Context, realm, clientID string, redirectURIs []string) (string, error) {
	existing, err := c.findClient(ctx, realm, clientID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if sameStrings(existing.RedirectURIs, redirectURIs) {
			return existing.ID, nil
		}
		body := map[string]interface{}{
			"clientId":     clientID,
			"redirectUris": redirectURIs,
		}
		if _, err := c.do(ctx, http.MethodPut, "/admin/realms/"+realm+"/clients/"+existing.ID, body); err != nil {
			return "", err
		}
		return existing.ID, nil
	}

	body := map[string]interface{}{
		"clientId":                  clientID,
		"enabled":                   true,
		"protocol":                  "openid-connect",
		"publicClient":              false,
		"standardFlowEnabled":       true,
		"directAccessGrantsEnabled": false,
		"serviceAccountsEnabled":    true,
		"redirectUris":              redirectURIs,
	}
	if _, err := c.do(ctx, http.MethodPost, "/admin/realms/"+realm+"/clients", body); err != nil {
		return "", err
	}
	created, err := c.findClient(ctx, realm, clientID)
	if err != nil {
		return "", err
	}
	if created == nil {
		return "", fmt.Errorf("idp client %s not found after create", clientID)
	}
	return created.ID, nil
}

func (c *Client) findClient(ctx context.Context, realm, clientID string) (*clientRepresentation, error) {
	path := "/admin/realms/" + realm + "/clients?clientId=" + url.QueryEscape(clientID)
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var clients []clientRepresentation
	if err := json.Unmarshal(data, &clients); err != nil {
		return nil, err
	}
	for i := range clients {
		if clients[i].ClientID == clientID {
			return &clients[i], nil
		}
	}
	return nil, nil
}

// ClientSecret fetches the client's current secret.
func (c *Client) ClientSecret(ctx context.Context, realm, internalID string) (string, error) {
	data, err := c.do(ctx, http.MethodGet, "/admin/realms/"+realm+"/clients/"+internalID+"/client-secret", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", err
	}
	if out.Value == "" {
		return "", fmt.Errorf("idp returned empty client secret")
	}
	return out.Value, nil
}

// EnsureGroups creates any missing permission groups.
func (c *Client) EnsureGroups(ctx context.Context, realm string) error {
	data, err := c.do(ctx, http.MethodGet, "/admin/realms/"+realm+"/groups", nil)
	if err != nil {
		return err
	}
	var groups []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &groups); err != nil {
		return err
	}
	have := map[string]bool{}
	for _, g := range groups {
		have[g.Name] = true
	}

	for _, name := range PermissionGroups {
		if have[name] {
			continue
		}
		body := map[string]string{"name": name}
		if _, err := c.do(ctx, http.MethodPost, "/admin/realms/"+realm+"/groups", body); err != nil {
			return fmt.Errorf("creating group %s: %w", name, err)
		}
	}
	return nil
}

// EnsureGroupMapper guarantees the client's tokens carry a groups claim.
func (c *Client) EnsureGroupMapper(ctx context.Context, realm, internalID string) error {
	path := "/admin/realms/" + realm + "/clients/" + internalID + "/protocol-mappers/models"
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	var mappers []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &mappers); err != nil {
		return err
	}
	for _, m := range mappers {
		if m.Name == "groups" {
			return nil
		}
	}

	body := map[string]interface{}{
		"name":           "groups",
		"protocol":       "openid-connect",
		"protocolMapper": "oidc-group-membership-mapper",
		"config": map[string]string{
			"claim.name":           "groups",
			"full.path":            "false",
			"id.token.claim":       "true",
			"access.token.claim":   "true",
			"userinfo.token.claim": "true",
		},
	}
	_, err = c.do(ctx, http.MethodPost, path, body)
	return err
}

// EnsureAdminUser creates the default administrator and puts it in the
// admins group. The default password is flagged non-temporary only on first
// install; an existing user is never touched beyond group membership.
func (c *Client) EnsureAdminUser(ctx context.Context, realm, username, password string, firstInstall bool) error {
	data, err := c.do(ctx, http.MethodGet, "/admin/realms/"+realm+"/users?username="+url.QueryEscape(username)+"&exact=true", nil)
	if err != nil {
		return err
	}
	var users []struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(data, &users); err != nil {
		return err
	}

	var userID string
	for _, u := range users {
		if u.Username == username {
			userID = u.ID
			break
		}
	}

	if userID == "" {
		body := map[string]interface{}{
			"username": username,
			"enabled":  true,
			"credentials": []map[string]interface{}{{
				"type":      "password",
				"value":     password,
				"temporary": !firstInstall,
			}},
		}
		if _, err := c.do(ctx, http.MethodPost, "/admin/realms/"+realm+"/users", body); err != nil {
			return fmt.Errorf("creating admin user: %w", err)
		}
		data, err = c.do(ctx, http.MethodGet, "/admin/realms/"+realm+"/users?username="+url.QueryEscape(username)+"&exact=true", nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &users); err != nil {
			return err
		}
		for _, u := range users {
			if u.Username == username {
				userID = u.ID
				break
			}
		}
		if userID == "" {
			return fmt.Errorf("admin user %s not found after create", username)
		}
	}

	data, err = c.do(ctx, http.MethodGet, "/admin/realms/"+realm+"/users/"+userID+"/groups", nil)
	if err != nil {
		return err
	}
	var memberships []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &memberships); err != nil {
		return err
	}
	for _, m := range memberships {
		if m.Name == "admins" {
			return nil
		}
	}

	adminsGroupID, err := c.groupID(ctx, realm, "admins")
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, "/admin/realms/"+realm+"/users/"+userID+"/groups/"+adminsGroupID, nil)
	return err
}

func (c *Client) groupID(ctx context.Context, realm, name string) (string, error) {
	data, err := c.do(ctx, http.MethodGet, "/admin/realms/"+realm+"/groups", nil)
	if err != nil {
		return "", err
	}
	var groups []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &groups); err != nil {
		return "", err
	}
	for _, g := range groups {
		if g.Name == name {
			return g.ID, nil
		}
	}
	return "", fmt.Errorf("group %s not found", name)
}

func isNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := map[string]int{}
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		if seen[s] == 0 {
			return false
		}
		seen[s]--
	}
	return true
}
