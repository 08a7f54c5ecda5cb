// Package engine provides the HTTP client for the XTTS synthesis engine,
// a sibling process exposing speech generation and liveness endpoints.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/AnasIftikhar/xttsv2-runpod/internal/core"
)

// API endpoints.
const (
	apiSynthesize = "/v1/generate/speech"
	apiHealth     = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

// maxDiagnosticBytes caps the engine error body carried in failures so a
// misbehaving engine cannot produce unbounded error payloads.
const maxDiagnosticBytes = 500

// Static errors.
var (
	ErrTextEmpty          = errors.New("text cannot be empty")
	ErrEmptyAudio         = errors.New("engine returned empty audio data")
	ErrSynthesisTimeout   = errors.New("synthesis request timed out")
	ErrEngineNotReachable = errors.New("engine not reachable")
)

// StatusError is the typed failure for a non-success engine response. It
// carries the HTTP status and a truncated diagnostic body.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine returned %s: %s", e.Status, e.Body)
}

// synthesisPayload is the JSON body of a synthesis request. Field names
// follow the engine's API contract.
type synthesisPayload struct {
	Text              string  `json:"text"`
	SpeakerRefPath    string  `json:"speaker_ref_path,omitempty"`
	Language          string  `json:"language"`
	Temperature       float64 `json:"temperature"`
	LengthPenalty     float64 `json:"length_penalty"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
	TopK              int     `json:"top_k"`
	TopP              float64 `json:"top_p"`
	Speed             float64 `json:"speed"`
}

// Client is an HTTP client for the synthesis engine. All requests share a
// single bounded timeout sized for worst-case text length.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a Client for the engine at baseURL (protocol and port
// included, e.g. "http://127.0.0.1:8020"). The timeout applies to every
// synthesis request made through this client.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Synthesize sends one synthesis request and returns the raw audio bytes
// exactly as produced by the engine, with the content type reported in
// the response header (audio/wav when the engine omits it).
//
// A timeout or deadline expiry is reported as ErrSynthesisTimeout so
// callers can distinguish it from other engine failures. A non-200
// response yields a *StatusError with the diagnostic body truncated.
func (c *Client) Synthesize(
	ctx context.Context,
	req core.SynthesisRequest,
) (*core.SynthesisResult, error) {
	if req.Text == "" {
		return nil, ErrTextEmpty
	}

	body, err := json.Marshal(synthesisPayload{
		Text:              req.Text,
		SpeakerRefPath:    req.SpeakerRefPath,
		Language:          req.Language,
		Temperature:       req.Params.Temperature,
		LengthPenalty:     req.Params.LengthPenalty,
		RepetitionPenalty: req.Params.RepetitionPenalty,
		TopK:              req.Params.TopK,
		TopP:              req.Params.TopP,
		Speed:             req.Params.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+apiSynthesize,
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesis request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, fmt.Errorf("%w after %v: %w",
				ErrSynthesisTimeout, c.httpClient.Timeout, err)
		}

		return nil, fmt.Errorf("failed to send synthesis request to %s: %w",
			c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, fmt.Errorf("%w while reading audio: %w",
				ErrSynthesisTimeout, err)
		}

		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}

	contentType := resp.Header.Get(headerContentType)
	if contentType == "" {
		contentType = contentTypeWAV
	}

	return &core.SynthesisResult{
		Audio:       audio,
		ContentType: contentType,
	}, nil
}

// Health probes the engine liveness endpoint. A 200 response means the
// engine has finished loading its model and can accept synthesis
// requests.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.baseURL+apiHealth,
		http.NoBody,
	)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w at %s: %w", ErrEngineNotReachable, c.baseURL, err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health probe returned %s",
			ErrEngineNotReachable, resp.Status)
	}

	return nil
}

// statusError builds a *StatusError from a non-200 response, capping the
// diagnostic body at maxDiagnosticBytes.
func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxDiagnosticBytes))

	return &StatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
	}
}

// isTimeout reports whether err represents an expired request deadline,
// either from the per-client timeout or the caller's context.
func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}
