// Package backend talks to the Kannamma REST API that owns mothers, call logs and
// the IVR trunk.
package backend

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
	"time"

	"kannamma/internal/domain"
)

// Client is a minimal backend API client. A zero Token is only good for Login.
type Client struct {
	BaseURL string
	Token   string
	// HTTPClient serves the record endpoints and carries the backend timeout.
	HTTPClient *http.Client
	// CallClient serves PlaceCall. It has no timeout of its own; a call rings for as
	// long as the caller's context allows.
	CallClient *http.Client
}

// New creates a client. timeout bounds record requests only, never PlaceCall.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
		CallClient: &http.Client{},
	}
}

// WithToken returns a copy of the client acting for the worker who owns token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.Token = token
	return &cp
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
	}
	return nil
}

type loginResponse struct {
	Token string      `json:"token"`
	ASHA  domain.ASHA `json:"asha"`
}

// Login exchanges an ASHA id and password for a session.
func (c *Client) Login(ctx context.Context, ashaID, password string) (domain.Session, error) {
	body := map[string]string{"asha_id": ashaID, "password": password}
	var resp loginResponse
	err := c.do(ctx, http.MethodPost, "auth/login", body, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
		return domain.Session{}, domain.ErrInvalidCredentials
	}
	if err != nil {
		return domain.Session{}, err
	}
	if resp.Token == "" {
		return domain.Session{}, errors.New("login response missing token")
	}
	return domain.Session{ASHA: resp.ASHA, Token: resp.Token}, nil
}

// All lists the mothers assigned to the token's worker.
func (c *Client) All(ctx context.Context) ([]domain.Patient, error) {
	var resp []domain.Patient
	if err := c.do(ctx, http.MethodGet, "mothers", nil, &resp); err != nil {
		return nil, err
	}
	if resp == nil {
		resp = []domain.Patient{}
	}
	return resp, nil
}

func (c *Client) Get(ctx context.Context, id string) (domain.Patient, error) {
	var resp domain.Patient
	err := c.do(ctx, http.MethodGet, "mothers/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Update sends a partial update and returns the full record.
func (c *Client) Update(ctx context.Context, id string, patch domain.PatientPatch) (domain.Patient, error) {
	if patch.Empty() {
		return domain.Patient{}, fmt.Errorf("empty update for mother %s", id)
	}
	var resp domain.Patient
	err := c.do(ctx, http.MethodPatch, "mothers/"+url.PathEscape(id), patch, &resp)
	return resp, err
}

// Recent lists call logs newest first. The API returns the full history; limit > 0
// truncates it.
func (c *Client) Recent(ctx context.Context, limit int) ([]domain.CallLog, error) {
	var resp []domain.CallLog
	if err := c.do(ctx, http.MethodGet, "ivr/call-logs", nil, &resp); err != nil {
		return nil, err
	}
	if resp == nil {
		resp = []domain.CallLog{}
	}
	if limit > 0 && len(resp) > limit {
		resp = resp[:limit]
	}
	return resp, nil
}

type callResponse struct {
	Outcome string `json:"outcome"`
}

// PlaceCall asks the IVR to dial target and waits for the outcome. Only ctx bounds
// the wait.
func (c *Client) PlaceCall(ctx context.Context, target domain.CallTarget) (domain.Outcome, error) {
	var resp callResponse
	if err := c.send(ctx, c.CallClient, http.MethodPost, "ivr/call", target, &resp); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", domain.ErrTimedOut
		}
		return "", &domain.DispatchError{PatientID: target.PatientID, Err: err}
	}
	return domain.ParseOutcome(resp.Outcome)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	return c.send(ctx, c.HTTPClient, method, endpoint, body, out)
}

func (c *Client) send(ctx context.Context, httpClient *http.Client, method, endpoint string, body any, out any) error {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
