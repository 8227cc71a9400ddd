package inspector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Client submits content envelopes to the external PANW AIRS-compatible
// inspection API and returns verdicts. It is stateless and safe for
// concurrent use by many streams; its http.Client connection pool is
// shared, per design doc Section 3.4.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	profileName string
	appName     string
	appUser     string
}

// Config holds the settings needed to construct a Client.
type Config struct {
	BaseURL     string
	APIKey      string
	ProfileName string
	AppName     string
	AppUser     string
	Timeout     time.Duration
}

// New constructs an inspector Client. The HTTP client's timeout
// governs the bounded inspection timeout required by design doc
// Section 5.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		profileName: cfg.ProfileName,
		appName:     cfg.AppName,
		appUser:     cfg.AppUser,
	}
}

// Inspect submits one envelope for assessment. modelID is propagated
// for audit, userIP is optional. Direction selects which side of the
// conversation is carried; callers must never populate both prompt and
// response fields in the same envelope (design doc Section 3.1).
//
// If every text field is whitespace-only, Inspect returns a synthetic
// benign/allow verdict without contacting the service (P6).
func (c *Client) Inspect(ctx context.Context, env Envelope, modelID, userIP string, direction Direction) (Verdict, error) {
	if env.IsEmpty() {
		return safeVerdict(), nil
	}

	req := scanRequest{
		TrID:      uuid.NewString(),
		AiProfile: aiProfileWire{ProfileName: c.profileName},
		Metadata: metadataWire{
			AppName: c.appName,
			AppUser: c.appUser,
			AIModel: modelID,
			UserIP:  userIP,
		},
		Contents: []contentWire{{
			Prompt:       env.PromptText,
			Response:     env.ResponseText,
			CodePrompt:   env.PromptCode,
			CodeResponse: env.ResponseCode,
			Context:      env.GroundingContext,
		}},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("inspector: marshaling scan request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/scan/sync/request", bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("inspector: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-pan-token", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Verdict{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Verdict{}, &TransportError{Err: err}
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return Verdict{}, ErrUnauthenticated
	case http.StatusForbidden:
		return Verdict{}, ErrForbidden
	case http.StatusTooManyRequests:
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return Verdict{}, &RateLimitedError{RetryAfterSeconds: retryAfter}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Verdict{}, &AssessmentFailedError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var wire scanResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return Verdict{}, &DecodeError{Err: err}
	}

	return wire.toVerdict(), nil
}
