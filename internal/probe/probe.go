// Package probe is the HTTP contract between the supervisor and the agent
// running inside each worker's container.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dgurram/decoy/model"
)

// wireError is the agent's error payload. Kind decides whether the failure
// retries on another worker or pulls this one from rotation.
type wireError struct {
	Error string        `json:"error"`
	Kind  model.ErrKind `json:"kind"`
}

// Client talks to one worker's agent over the configured transport.
type Client struct {
	http    *http.Client
	baseURL string
}

func NewClient(t Transport) *Client {
	base := &http.Transport{
		DialContext:     t.DialContext,
		MaxIdleConns:    10,
		IdleConnTimeout: 60 * time.Second,
	}

	return &Client{
		http: &http.Client{
			Transport: otelhttp.NewTransport(base),
		},
		baseURL: t.BaseURL(),
	}
}

// Health asks the agent for its session state.
func (c *Client) Health(ctx context.Context) (*model.ProbeHealth, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent health returned %d", resp.StatusCode)
	}

	var h model.ProbeHealth
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Validate runs one number check against the agent. The timeout is a hard
// ceiling; expiry comes back as a transient InvokeError so the dispatcher
// fails the attempt over to another worker instead of hanging.
func (c *Client) Validate(ctx context.Context, preq model.ProbeRequest, timeout time.Duration) (*model.ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(preq)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/validate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, model.Transient(fmt.Errorf("agent unreachable: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var res model.ProbeResult
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return nil, model.Transient(fmt.Errorf("malformed agent response: %w", err))
		}
		return &res, nil
	}

	var we wireError
	if err := json.NewDecoder(resp.Body).Decode(&we); err != nil || we.Error == "" {
		return nil, model.Transient(fmt.Errorf("agent returned %d", resp.StatusCode))
	}
	if we.Kind == model.KindTerminal {
		return nil, model.Terminal(errors.New(we.Error))
	}
	return nil, model.Transient(errors.New(we.Error))
}
