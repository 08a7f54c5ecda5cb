// Package engine_test tests the HTTP client for the synthesis engine.
package engine_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnasIftikhar/xttsv2-runpod/internal/core"
	"github.com/AnasIftikhar/xttsv2-runpod/internal/engine"
)

const testText = "Hello, world!"

func defaultRequest() core.SynthesisRequest {
	return core.SynthesisRequest{
		Text:           testText,
		SpeakerRefPath: "",
		Language:       "en",
		Params:         core.DefaultGenerationParams(),
	}
}

func TestSynthesize_Success(t *testing.T) {
	t.Parallel()

	wav := []byte("RIFF....WAVE")

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/generate/speech", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "audio/wav", r.Header.Get("Accept"))

			var body map[string]any

			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, testText, body["text"])
			assert.Equal(t, "en", body["language"])
			assert.InEpsilon(t, core.DefaultTemperature, body["temperature"], 0.001)
			assert.InEpsilon(t, core.DefaultRepetitionPenalty, body["repetition_penalty"], 0.001)
			assert.InEpsilon(t, float64(core.DefaultTopK), body["top_k"], 0.001)
			assert.NotContains(t, body, "speaker_ref_path")

			w.Header().Set("Content-Type", "audio/wav")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(wav)
		}),
	)
	defer server.Close()

	client := engine.New(server.URL, 10*time.Second)

	result, err := client.Synthesize(context.Background(), defaultRequest())
	require.NoError(t, err)
	assert.Equal(t, wav, result.Audio)
	assert.Equal(t, "audio/wav", result.ContentType)
}

func TestSynthesize_CloningModeSendsSpeakerPath(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any

			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "/tmp/speaker-ref-1.wav", body["speaker_ref_path"])
			assert.Equal(t, "fr", body["language"])

			w.Header()["Content-Type"] = nil
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("RIFF"))
		}),
	)
	defer server.Close()

	client := engine.New(server.URL, 10*time.Second)

	req := defaultRequest()
	req.SpeakerRefPath = "/tmp/speaker-ref-1.wav"
	req.Language = "fr"

	result, err := client.Synthesize(context.Background(), req)
	require.NoError(t, err)
	// Missing content type defaults to audio/wav.
	assert.Equal(t, "audio/wav", result.ContentType)
}

func TestSynthesize_EmptyText(t *testing.T) {
	t.Parallel()

	client := engine.New("http://127.0.0.1:1", 10*time.Second)

	req := defaultRequest()
	req.Text = ""

	_, err := client.Synthesize(context.Background(), req)
	require.ErrorIs(t, err, engine.ErrTextEmpty)
}

func TestSynthesize_EmptyAudio(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)
	defer server.Close()

	client := engine.New(server.URL, 10*time.Second)

	_, err := client.Synthesize(context.Background(), defaultRequest())
	require.ErrorIs(t, err, engine.ErrEmptyAudio)
}

func TestSynthesize_EngineErrorTruncatesDiagnostic(t *testing.T) {
	t.Parallel()

	longBody := strings.Repeat("x", 5000)

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(longBody))
		}),
	)
	defer server.Close()

	client := engine.New(server.URL, 10*time.Second)

	_, err := client.Synthesize(context.Background(), defaultRequest())
	require.Error(t, err)

	var statusErr *engine.StatusError

	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.LessOrEqual(t, len(statusErr.Body), 500)
	assert.NotErrorIs(t, err, engine.ErrSynthesisTimeout)
}

func TestSynthesize_TimeoutIsDistinct(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(2 * time.Second)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("RIFF"))
		}),
	)
	defer server.Close()

	client := engine.New(server.URL, 100*time.Millisecond)

	_, err := client.Synthesize(context.Background(), defaultRequest())
	require.ErrorIs(t, err, engine.ErrSynthesisTimeout)
}

func TestSynthesize_ContextDeadlineIsTimeout(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(2 * time.Second)
			w.WriteHeader(http.StatusOK)
		}),
	)
	defer server.Close()

	client := engine.New(server.URL, 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.Synthesize(ctx, defaultRequest())
	require.ErrorIs(t, err, engine.ErrSynthesisTimeout)
}

func TestHealth_Ready(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/health", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}),
	)
	defer server.Close()

	client := engine.New(server.URL, 10*time.Second)

	require.NoError(t, client.Health(context.Background()))
}

func TestHealth_NotReadyStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}),
	)
	defer server.Close()

	client := engine.New(server.URL, 10*time.Second)

	err := client.Health(context.Background())
	require.ErrorIs(t, err, engine.ErrEngineNotReachable)
}

func TestHealth_Unreachable(t *testing.T) {
	t.Parallel()

	client := engine.New("http://127.0.0.1:1", 500*time.Millisecond)

	err := client.Health(context.Background())
	require.ErrorIs(t, err, engine.ErrEngineNotReachable)
}
