// Package broker is the wire side of the brokerage collaborator: an HTTP transport, a typed
// client over it and a websocket feed of fills.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/tradegate/internal/domain"
	"github.com/rs/zerolog"
)

const maxErrorBody = 500

// HTTPTransport implements domain.Transport against the brokerage REST API.
// Every command is a POST to {baseURL}/api/{command} with the params as a JSON body.
type HTTPTransport struct {
	baseURL     string
	credentials domain.CredentialProvider
	httpClient  *http.Client
	now         func() time.Time
	log         zerolog.Logger
}

// NewHTTPTransport creates a transport. A zero timeout leaves deadlines to the caller's context.
func NewHTTPTransport(baseURL string, credentials domain.CredentialProvider, timeout time.Duration, log zerolog.Logger) *HTTPTransport {
	return &HTTPTransport{
		baseURL:     strings.TrimRight(baseURL, "/"),
		credentials: credentials,
		httpClient:  &http.Client{Timeout: timeout},
		now:         time.Now,
		log:         log.With().Str("component", "broker-transport").Logger(),
	}
}

// Execute performs one call. It never retries.
func (t *HTTPTransport) Execute(ctx context.Context, req domain.Request) (*domain.Response, error) {
	if req.Command == "" {
		return nil, errors.New("broker: empty command")
	}

	payload := []byte("{}")
	if len(req.Params) > 0 {
		var err error
		payload, err = json.Marshal(req.Params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode params: %w", err)
		}
	}

	requestURL := fmt.Sprintf("%s/api/%s", t.baseURL, req.Command)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	if t.credentials != nil {
		token, err := t.credentials.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get access token: %w", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", req.Command, ctxErr)
		}
		return nil, &domain.NetworkError{Op: "POST " + req.Command, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", req.Command, ctxErr)
		}
		return nil, &domain.NetworkError{Op: "read " + req.Command, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		terr := &domain.TransportError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), t.now()),
		}
		t.log.Warn().
			Str("command", req.Command).
			Str("scope", string(req.Scope)).
			Int("status_code", resp.StatusCode).
			Str("message", terr.Message).
			Msg("Broker returned non-2xx status")
		return nil, terr
	}

	return &domain.Response{StatusCode: resp.StatusCode, Body: json.RawMessage(body)}, nil
}

// errorMessage pulls a human message out of an error body, falling back to the truncated body.
func errorMessage(body []byte) string {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		ErrMsg  string `json:"errMsg"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		for _, m := range []string{envelope.Error, envelope.Message, envelope.ErrMsg} {
			if m != "" {
				return m
			}
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Unparseable or past values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
