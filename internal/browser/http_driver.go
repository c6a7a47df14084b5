package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// HTTPDriver implements the Driver interface against an HTTP automation runner service.
type HTTPDriver struct {
	client  *http.Client
	baseURL string
}

// NewHTTPDriver wires an HTTP client to the remote automation runner endpoint.
func NewHTTPDriver(baseURL string, client *http.Client) (*HTTPDriver, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("runner base url must not be empty")
	}
	//1.- Reuse the provided client when available so callers can inject transport tweaks.
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDriver{client: client, baseURL: baseURL}, nil
}

// Launch starts a headless browser inside the runner and returns its handle.
func (d *HTTPDriver) Launch(ctx context.Context) (Handle, error) {
	if d == nil {
		return "", errors.New("driver is nil")
	}
	var decoded struct {
		Handle string `json:"handle"`
	}
	if err := d.post(ctx, "/launch", nil, &decoded); err != nil {
		return "", err
	}
	if decoded.Handle == "" {
		return "", errors.New("runner returned empty handle")
	}
	return Handle(decoded.Handle), nil
}

// Login drives the runner through the world-selection and login flow.
func (d *HTTPDriver) Login(ctx context.Context, handle Handle, creds Credentials) (LoginResult, error) {
	if d == nil {
		return LoginResult{}, errors.New("driver is nil")
	}
	payload := map[string]string{
		"handle":     string(handle),
		"foundryUrl": creds.FoundryURL,
		"worldName":  creds.WorldName,
		"username":   creds.Username,
		"password":   creds.Password,
	}
	var decoded struct {
		UserID string `json:"userId"`
		Error  string `json:"error"`
	}
	if err := d.post(ctx, "/login", payload, &decoded); err != nil {
		//1.- Map the runner's structured failure codes onto the driver sentinels.
		switch decoded.Error {
		case "world_not_found":
			return LoginResult{}, fmt.Errorf("%w: %s", ErrWorldNotFound, creds.WorldName)
		case "login_form_not_found":
			return LoginResult{}, ErrLoginFormNotFound
		}
		return LoginResult{}, err
	}
	if decoded.UserID == "" {
		return LoginResult{}, errors.New("runner returned empty user id")
	}
	return LoginResult{UserID: decoded.UserID}, nil
}

// Close tears down the browser identified by handle.
func (d *HTTPDriver) Close(ctx context.Context, handle Handle) error {
	if d == nil {
		return errors.New("driver is nil")
	}
	payload := map[string]string{"handle": string(handle)}
	return d.post(ctx, "/close", payload, nil)
}

// post issues a JSON request and decodes the response into out when provided.
// Non-2xx responses still decode out so callers can inspect structured errors.
func (d *HTTPDriver) post(ctx context.Context, path string, payload any, out any) error {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("runner request: %w", err)
	}
	defer resp.Body.Close()
	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("runner responded with status %s", resp.Status)
	}
	return nil
}
