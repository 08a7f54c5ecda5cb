// Package handler implements the per-request pipeline: gate on engine
// readiness, validate the job, decode the optional speaker reference,
// call the synthesis engine, and shape the success or error envelope
// returned to the invocation transport.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/AnasIftikhar/xttsv2-runpod/internal/audiocodec"
	"github.com/AnasIftikhar/xttsv2-runpod/internal/core"
	"github.com/AnasIftikhar/xttsv2-runpod/internal/engine"
)

// Machine-readable status codes carried in the response envelope.
const (
	StatusSuccess             = "success"
	StatusModelNotReady       = "model_not_ready"
	StatusInvalidInput        = "invalid_input"
	StatusInvalidSpeakerAudio = "invalid_speaker_audio"
	StatusGenerationFailed    = "generation_failed"
	StatusReadFailed          = "read_failed"
	StatusHandlerError        = "handler_error"
)

// Job is the inbound payload from the invocation transport.
type Job struct {
	Input JobInput `json:"input"`
}

// JobInput carries the synthesis parameters of one job. SpeakerWAV and
// SpeakerReference are aliases for the same field; SpeakerWAV wins when
// both are set. The numeric knobs are pointers so each one defaults
// independently when absent.
type JobInput struct {
	Text              string   `json:"text"`
	SpeakerWAV        string   `json:"speaker_wav"`
	SpeakerReference  string   `json:"speaker_reference"`
	Language          string   `json:"language"`
	Temperature       *float64 `json:"temperature"`
	LengthPenalty     *float64 `json:"length_penalty"`
	RepetitionPenalty *float64 `json:"repetition_penalty"`
	TopK              *int     `json:"top_k"`
	TopP              *float64 `json:"top_p"`
	Speed             *float64 `json:"speed"`
}

// speakerPayload returns the speaker reference payload, preferring the
// speaker_wav key over speaker_reference.
func (in JobInput) speakerPayload() string {
	if in.SpeakerWAV != "" {
		return in.SpeakerWAV
	}

	return in.SpeakerReference
}

// SuccessResponse is the envelope for a completed synthesis. Exactly one
// of Audio (inline base64) and AudioKey (object-store key) is populated.
type SuccessResponse struct {
	Audio       string `json:"audio,omitempty"`
	AudioKey    string `json:"audio_key,omitempty"`
	ContentType string `json:"content_type"`
	SizeBytes   int    `json:"size_bytes"`
	TextLength  int    `json:"text_length"`
	Language    string `json:"language"`
	VoiceCloned bool   `json:"voice_cloned"`
	Status      string `json:"status"`
}

// ErrorResponse is the envelope for any failed job.
type ErrorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}

// failure is the typed outcome of a pipeline step. Steps return a nil
// failure on success, so the pipeline composes without exceptions.
type failure struct {
	status  string
	message string
}

func failf(status, format string, args ...any) *failure {
	return &failure{status: status, message: fmt.Sprintf(format, args...)}
}

// Options tunes handler behavior.
type Options struct {
	// InlineAudioLimit is the largest audio payload, in bytes, returned
	// inline as base64. Larger results are uploaded to the audio store
	// and referenced by key. Zero means no limit (always inline).
	InlineAudioLimit int
	// DefaultLanguage is used when the job omits a language code.
	DefaultLanguage string
}

// Handler orchestrates one synthesis job at a time. It holds no
// per-request state; the readiness cell is its only shared read.
type Handler struct {
	readiness core.Readiness
	synth     core.Synthesizer
	store     core.AudioStore
	opts      Options
	log       *logger.Logger
}

// New creates a Handler. store may be nil when no object store is
// available; large results are then returned inline regardless of the
// configured limit.
func New(
	readiness core.Readiness,
	synth core.Synthesizer,
	store core.AudioStore,
	opts Options,
	log *logger.Logger,
) *Handler {
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = core.DefaultLanguage
	}

	return &Handler{
		readiness: readiness,
		synth:     synth,
		store:     store,
		opts:      opts,
		log:       log,
	}
}

// Handle processes one raw job payload and always returns a marshaled
// envelope: either a SuccessResponse or an ErrorResponse, never both and
// never a raw fault. Panics in any step are converted to a handler_error
// envelope.
func (h *Handler) Handle(ctx context.Context, raw []byte) []byte {
	jobID := uuid.NewString()

	var (
		resp *SuccessResponse
		fail *failure
	)

	func() {
		defer func() {
			recovered := recover()
			if recovered != nil {
				h.log.Error("Job %s: panic in handler: %v", jobID, recovered)

				resp = nil
				fail = failf(StatusHandlerError, "handler error: %v", recovered)
			}
		}()

		resp, fail = h.process(ctx, jobID, raw)
	}()

	if fail != nil {
		h.log.Error("Job %s failed (%s): %s", jobID, fail.status, fail.message)

		return mustMarshal(&ErrorResponse{Error: fail.message, Status: fail.status})
	}

	return mustMarshal(resp)
}

// process runs the pipeline for one job. It returns exactly one of a
// success envelope or a typed failure.
func (h *Handler) process(
	ctx context.Context,
	jobID string,
	raw []byte,
) (*SuccessResponse, *failure) {
	if state := h.readiness.State(); state != core.Ready {
		return nil, failf(StatusModelNotReady,
			"server not ready: engine state is %s", state)
	}

	input, fail := parseJob(raw)
	if fail != nil {
		return nil, fail
	}

	text := strings.TrimSpace(input.Text)
	if text == "" {
		return nil, failf(StatusInvalidInput, "missing required parameter: 'text'")
	}

	language := input.Language
	if language == "" {
		language = h.opts.DefaultLanguage
	}

	speakerPayload := input.speakerPayload()

	h.log.Info("Job %s: text length %d, language %s, voice cloning: %t",
		jobID, len(text), language, speakerPayload != "")

	speakerPath, cleanup, fail := h.prepareSpeakerFile(speakerPayload)
	if fail != nil {
		return nil, fail
	}

	if cleanup != nil {
		defer func() {
			cleanupErr := cleanup()
			if cleanupErr != nil {
				h.log.Warn("Job %s: %v", jobID, cleanupErr)
			}
		}()
	}

	result, fail := h.synthesize(ctx, core.SynthesisRequest{
		Text:           text,
		SpeakerRefPath: speakerPath,
		Language:       language,
		Params:         resolveParams(input),
	})
	if fail != nil {
		return nil, fail
	}

	return h.buildSuccess(ctx, jobID, result, text, language, speakerPayload != "")
}

// prepareSpeakerFile decodes the optional speaker reference and stores it
// in a scoped temporary WAV file for the engine. The returned cleanup
// function is non-nil exactly when a file was created.
func (h *Handler) prepareSpeakerFile(
	payload string,
) (string, func() error, *failure) {
	if payload == "" {
		return "", nil, nil
	}

	speakerBytes, decodeErr := audiocodec.DecodeReference(payload)
	if decodeErr != nil {
		return "", nil, failf(StatusInvalidSpeakerAudio,
			"invalid speaker_wav: %v", decodeErr)
	}

	path, cleanup, writeErr := audiocodec.WriteTempWAV(speakerBytes)
	if writeErr != nil {
		return "", nil, failf(StatusInvalidSpeakerAudio,
			"failed to stage speaker audio: %v", writeErr)
	}

	return path, cleanup, nil
}

// synthesize calls the engine and maps its failure modes onto the
// envelope taxonomy. A timeout keeps the generation_failed status but
// carries a timeout-specific message.
func (h *Handler) synthesize(
	ctx context.Context,
	req core.SynthesisRequest,
) (*core.SynthesisResult, *failure) {
	result, err := h.synth.Synthesize(ctx, req)
	if err != nil {
		if errors.Is(err, engine.ErrSynthesisTimeout) {
			return nil, failf(StatusGenerationFailed,
				"speech generation timed out: %v", err)
		}

		return nil, failf(StatusGenerationFailed,
			"speech generation failed: %v", err)
	}

	return result, nil
}

// buildSuccess encodes or stores the audio and fills the success
// envelope. A store failure after successful synthesis is a read_failed,
// not a generation_failed: the model did its job.
func (h *Handler) buildSuccess(
	ctx context.Context,
	jobID string,
	result *core.SynthesisResult,
	text, language string,
	voiceCloned bool,
) (*SuccessResponse, *failure) {
	resp := &SuccessResponse{
		Audio:       "",
		AudioKey:    "",
		ContentType: result.ContentType,
		SizeBytes:   len(result.Audio),
		TextLength:  utf8.RuneCountInString(text),
		Language:    language,
		VoiceCloned: voiceCloned,
		Status:      StatusSuccess,
	}

	if h.store != nil && h.opts.InlineAudioLimit > 0 &&
		len(result.Audio) > h.opts.InlineAudioLimit {
		key := jobID + ".wav"

		uploadErr := h.store.Upload(ctx, key, result.Audio)
		if uploadErr != nil {
			return nil, failf(StatusReadFailed,
				"failed to store output audio: %v", uploadErr)
		}

		resp.AudioKey = key
		h.log.Info("Job %s: stored %d bytes under key %s", jobID, len(result.Audio), key)

		return resp, nil
	}

	resp.Audio = audiocodec.EncodeAudio(result.Audio)
	h.log.Info("Job %s: returning %d bytes inline", jobID, len(result.Audio))

	return resp, nil
}

// parseJob unmarshals the raw job payload.
func parseJob(raw []byte) (*JobInput, *failure) {
	var job Job

	err := json.Unmarshal(raw, &job)
	if err != nil {
		return nil, failf(StatusInvalidInput, "malformed job payload: %v", err)
	}

	return &job.Input, nil
}

// resolveParams applies the per-knob defaults for absent values.
func resolveParams(input *JobInput) core.GenerationParams {
	params := core.DefaultGenerationParams()

	if input.Temperature != nil {
		params.Temperature = *input.Temperature
	}

	if input.LengthPenalty != nil {
		params.LengthPenalty = *input.LengthPenalty
	}

	if input.RepetitionPenalty != nil {
		params.RepetitionPenalty = *input.RepetitionPenalty
	}

	if input.TopK != nil {
		params.TopK = *input.TopK
	}

	if input.TopP != nil {
		params.TopP = *input.TopP
	}

	if input.Speed != nil {
		params.Speed = *input.Speed
	}

	return params
}

// mustMarshal marshals an envelope. The envelope types contain only
// plain fields, so marshaling cannot fail; a failure here is a bug.
func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(&ErrorResponse{
			Error:  "failed to encode response envelope",
			Status: StatusHandlerError,
		})
	}

	return data
}
