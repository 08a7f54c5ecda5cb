// Package core defines the shared types and interfaces for the XTTS handler service.
package core

import "context"

// GenerationParams holds the per-request synthesis knobs. Zero values are
// replaced by the XTTS v2 defaults before the request reaches the engine.
type GenerationParams struct {
	Temperature       float64 `json:"temperature"`
	LengthPenalty     float64 `json:"length_penalty"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
	TopK              int     `json:"top_k"`
	TopP              float64 `json:"top_p"`
	Speed             float64 `json:"speed"`
}

// Default generation parameter values for the XTTS v2 model.
const (
	DefaultTemperature       = 0.75
	DefaultLengthPenalty     = 1.0
	DefaultRepetitionPenalty = 5.0
	DefaultTopK              = 50
	DefaultTopP              = 0.85
	DefaultSpeed             = 1.0
	DefaultLanguage          = "en"
)

// DefaultGenerationParams returns the XTTS v2 defaults for every knob.
func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		Temperature:       DefaultTemperature,
		LengthPenalty:     DefaultLengthPenalty,
		RepetitionPenalty: DefaultRepetitionPenalty,
		TopK:              DefaultTopK,
		TopP:              DefaultTopP,
		Speed:             DefaultSpeed,
	}
}

// SynthesisRequest describes one synthesis call to the engine.
// SpeakerRefPath, when non-empty, points at a WAV file on the host
// filesystem shared with the engine process and selects voice-cloning
// mode; when empty the engine uses its default voice.
type SynthesisRequest struct {
	Text           string
	SpeakerRefPath string
	Language       string
	Params         GenerationParams
}

// SynthesisResult carries the raw audio produced by one synthesis call.
// It exists only for the duration of a single request.
type SynthesisResult struct {
	Audio       []byte
	ContentType string
}

// Synthesizer is the engine-facing contract: text in, waveform bytes out.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error)
}

// ReadinessState is the engine lifecycle state published by the supervisor.
type ReadinessState int32

// Readiness states. Transitions are monotonic:
// NotStarted -> Starting -> Ready or Failed. Ready is terminal for the
// process lifetime.
const (
	NotStarted ReadinessState = iota
	Starting
	Ready
	Failed
)

// String returns the lowercase name of the state.
func (s ReadinessState) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Readiness is the read side of the supervisor's state cell. The request
// handler consumes it; only the supervisor writes.
type Readiness interface {
	State() ReadinessState
}

// AudioStore is a key-value blob store for synthesized audio that is too
// large to return inline.
type AudioStore interface {
	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
}
