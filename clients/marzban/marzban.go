package marzban

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	colorfulprint "github.com/Asort97/marzbanBot/clients/colorfulPrint"
	"github.com/rs/zerolog/log"
)

const (
	StatusActive   = "active"
	StatusDisabled = "disabled"

	dataLimitBytes = 15 * 1024 * 1024 * 1024
)

var (
	ErrUserNotFound = errors.New("marzban: user not found")
	ErrUserExists   = errors.New("marzban: user already exists")
	ErrUnauthorized = errors.New("marzban: unauthorized")
)

// APIError carries any other non-2xx answer of the panel.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marzban: status %d: %s", e.StatusCode, e.Body)
}

type MarzbanClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

// User is the subset of the panel's user object the bot relies on.
type User struct {
	Username        string   `json:"username"`
	Status          string   `json:"status"`
	Links           []string `json:"links"`
	SubscriptionURL string   `json:"subscription_url"`
}

type createUserRequest struct {
	Username               string                       `json:"username"`
	Proxies                map[string]map[string]string `json:"proxies"`
	Inbounds               map[string][]string          `json:"inbounds"`
	DataLimit              int64                        `json:"data_limit"`
	DataLimitResetStrategy string                       `json:"data_limit_reset_strategy"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func New(baseURL, username, password string, httpClient *http.Client) *MarzbanClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &MarzbanClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		httpClient: httpClient,
	}
}

func (c *MarzbanClient) authorize(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/admin/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return "", colorfulprint.PrintError("marzban admin authorization failed", &APIError{StatusCode: resp.StatusCode, Body: string(body)})
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", colorfulprint.PrintError("marzban returned an empty access token", ErrUnauthorized)
	}

	c.mu.Lock()
	c.token = tok.AccessToken
	c.mu.Unlock()
	return tok.AccessToken, nil
}

func (c *MarzbanClient) currentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}
	return c.authorize(ctx)
}

// do sends an authorized JSON request, re-authorizing once on 401, and
// decodes the answer into out when out is non-nil.
func (c *MarzbanClient) do(ctx context.Context, method, path string, payload any, out any) error {
	var jsonBody []byte
	if payload != nil {
		var err error
		if jsonBody, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
	}

	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.currentToken(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(jsonBody))
		if err != nil {
			return fmt.Errorf("build %s %s: %w", method, path, err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("read %s %s: %w", method, path, readErr)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && attempt == 0:
			log.Debug().Str("path", path).Msg("marzban token rejected, re-authorizing")
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
			continue
		case resp.StatusCode == http.StatusUnauthorized:
			return ErrUnauthorized
		case resp.StatusCode == http.StatusNotFound:
			return ErrUserNotFound
		case resp.StatusCode == http.StatusConflict:
			return ErrUserExists
		case resp.StatusCode >= 400:
			return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return nil
	}
	return ErrUnauthorized
}

// CreateUser creates a shadowsocks user with a daily-reset traffic limit.
func (c *MarzbanClient) CreateUser(ctx context.Context, name string) (*User, error) {
	payload := createUserRequest{
		Username:               name,
		Proxies:                map[string]map[string]string{"shadowsocks": {"method": "chacha20-ietf-poly1305"}},
		Inbounds:               map[string][]string{"shadowsocks": {"Shadowsocks TCP"}},
		DataLimit:              dataLimitBytes,
		DataLimitResetStrategy: "day",
	}

	var user User
	if err := c.do(ctx, http.MethodPost, "/api/user", payload, &user); err != nil {
		return nil, err
	}
	log.Info().Str("account", name).Int("links", len(user.Links)).Msg("marzban user created")
	return &user, nil
}

func (c *MarzbanClient) GetUser(ctx context.Context, name string) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/api/user/"+url.PathEscape(name), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *MarzbanClient) DisableUser(ctx context.Context, name string) error {
	return c.setStatus(ctx, name, StatusDisabled)
}

func (c *MarzbanClient) EnableUser(ctx context.Context, name string) error {
	return c.setStatus(ctx, name, StatusActive)
}

func (c *MarzbanClient) setStatus(ctx context.Context, name, status string) error {
	var user User
	if err := c.do(ctx, http.MethodPut, "/api/user/"+url.PathEscape(name), statusRequest{Status: status}, &user); err != nil {
		return err
	}
	if user.Status != "" && user.Status != status {
		return fmt.Errorf("marzban: user %s has status %q after setting %q", name, user.Status, status)
	}
	log.Info().Str("account", name).Str("status", status).Msg("marzban user status updated")
	return nil
}
