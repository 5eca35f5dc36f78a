package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// ODKConfig is the [central] section of a pyodk-style TOML config file:
//
//	[central]
//	base_url = "https://central.example.org"
//	username = "user@example.org"
//	password = "secret"
//	default_project_id = 1
type ODKConfig struct {
	Central struct {
		BaseURL          string `toml:"base_url"`
		Username         string `toml:"username"`
		Password         string `toml:"password"`
		DefaultProjectID int    `toml:"default_project_id"`
	} `toml:"central"`
}

// LoadODKConfig reads an ODK Central config file.
func LoadODKConfig(path string) (ODKConfig, error) {
	var cfg ODKConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return ODKConfig{}, fmt.Errorf("load odk config %s: %w", path, err)
	}
	return cfg, nil
}

// ODKClient talks to an ODK Central server with session-token auth. The
// token is fetched lazily on first use and reused for the client's
// lifetime.
type ODKClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

// NewODKClient returns a client for the given server. httpClient may be
// nil to use http.DefaultClient.
func NewODKClient(baseURL, username, password string, httpClient *http.Client) *ODKClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ODKClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		username:   username,
		password:   password,
		httpClient: httpClient,
	}
}

func (c *ODKClient) configured() bool {
	return c.baseURL != "" && c.username != "" && c.password != ""
}

// sessionToken logs in via POST /v1/sessions, caching the token.
func (c *ODKClient) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"email":    c.username,
		"password": c.password,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("odk central login: %w", err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return "", err
	}

	var session struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("decode session: %w", err)
	}
	if session.Token == "" {
		return "", fmt.Errorf("platform: odk central returned empty session token")
	}
	c.token = session.Token
	return c.token, nil
}

// get performs an authenticated GET of a /v1-relative path (which may
// include a query string). The caller owns the response body.
func (c *ODKClient) get(ctx context.Context, path string) (*http.Response, error) {
	token, err := c.sessionToken(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/"+strings.TrimPrefix(path, "/"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// getJSON performs a GET and decodes the JSON response into out.
func (c *ODKClient) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
