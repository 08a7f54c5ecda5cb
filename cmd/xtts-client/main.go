// main package for the xtts-client, a small CLI that submits one
// synthesis job over NATS and writes the resulting WAV file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/AnasIftikhar/xttsv2-runpod/internal/audiocodec"
	"github.com/AnasIftikhar/xttsv2-runpod/internal/config"
	"github.com/AnasIftikhar/xttsv2-runpod/internal/engine"
	"github.com/AnasIftikhar/xttsv2-runpod/internal/handler"
	"github.com/AnasIftikhar/xttsv2-runpod/internal/objectstore"
)

const (
	flagTextDesc     = "Text to convert to speech"
	flagSpeakerDesc  = "Path to a WAV file used as the voice-cloning reference"
	flagLanguageDesc = "Language code (default en)"
	flagOutputDesc   = "Output file path (.wav)"
	flagHealthDesc   = "Check engine health and exit"
	flagTimeoutDesc  = "Seconds to wait for the reply envelope"
)

const (
	defaultOutputFile    = "output.wav"
	defaultReplyTimeout  = 180
	outputPermissions    = 0o600
	healthProbeTimeout   = 10 * time.Second
	errFmtJobFailed      = "job failed with status %s: %s"
	errFmtEnvelopeDecode = "failed to decode reply envelope: %w"
)

var errEmptyEnvelope = errors.New("reply envelope carried neither audio nor an audio key")

type appFlags struct {
	text     string
	speaker  string
	language string
	output   string
	health   bool
	timeout  int
}

func main() {
	err := run()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	flags := parseFlags()

	bootstrapLog, err := logger.New(os.TempDir(), "xtts-client.log")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer bootstrapLog.Close()

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if flags.health {
		return checkHealth(cfg)
	}

	if flags.text == "" {
		flag.Usage()

		return errors.New("--text must be provided")
	}

	return submitJob(cfg, flags)
}

func parseFlags() appFlags {
	var flags appFlags
	flag.StringVar(&flags.text, "text", "", flagTextDesc)
	flag.StringVar(&flags.speaker, "speaker", "", flagSpeakerDesc)
	flag.StringVar(&flags.language, "language", "", flagLanguageDesc)
	flag.StringVar(&flags.output, "output", defaultOutputFile, flagOutputDesc)
	flag.BoolVar(&flags.health, "health", false, flagHealthDesc)
	flag.IntVar(&flags.timeout, "timeout", defaultReplyTimeout, flagTimeoutDesc)
	flag.Parse()

	return flags
}

func checkHealth(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
	defer cancel()

	client := engine.New(cfg.Engine.GetServiceURL(), healthProbeTimeout)

	err := client.Health(ctx)
	if err != nil {
		fmt.Printf("Engine is not healthy: %v\n", err)

		return err
	}

	fmt.Println("Engine is healthy")

	return nil
}

// submitJob sends one job over NATS request/reply and writes the audio
// from the envelope, downloading it from the object store when the
// handler returned a key instead of inline bytes.
func submitJob(cfg *config.Config, flags appFlags) error {
	payload, err := buildJobPayload(flags)
	if err != nil {
		return err
	}

	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	replyTimeout := time.Duration(flags.timeout) * time.Second

	replyMsg, err := natsConnection.Request(cfg.NATS.JobsSubject, payload, replyTimeout)
	if err != nil {
		return fmt.Errorf("failed to receive reply envelope: %w", err)
	}

	audio, err := extractAudio(natsConnection, cfg, replyMsg.Data)
	if err != nil {
		return err
	}

	writeErr := os.WriteFile(flags.output, audio, outputPermissions)
	if writeErr != nil {
		return fmt.Errorf("failed to write output file: %w", writeErr)
	}

	fmt.Printf("Generated: %s (%d bytes)\n", flags.output, len(audio))

	return nil
}

func buildJobPayload(flags appFlags) ([]byte, error) {
	input := handler.JobInput{
		Text:              flags.text,
		SpeakerWAV:        "",
		SpeakerReference:  "",
		Language:          flags.language,
		Temperature:       nil,
		LengthPenalty:     nil,
		RepetitionPenalty: nil,
		TopK:              nil,
		TopP:              nil,
		Speed:             nil,
	}

	if flags.speaker != "" {
		speakerBytes, readErr := os.ReadFile(flags.speaker)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read speaker file: %w", readErr)
		}

		input.SpeakerWAV = audiocodec.EncodeAudio(speakerBytes)
	}

	payload, err := json.Marshal(handler.Job{Input: input})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	return payload, nil
}

// extractAudio decodes the reply envelope into raw audio bytes.
func extractAudio(
	natsConnection *nats.Conn,
	cfg *config.Config,
	envelope []byte,
) ([]byte, error) {
	var errResp handler.ErrorResponse

	err := json.Unmarshal(envelope, &errResp)
	if err != nil {
		return nil, fmt.Errorf(errFmtEnvelopeDecode, err)
	}

	if errResp.Status != handler.StatusSuccess {
		return nil, fmt.Errorf(errFmtJobFailed, errResp.Status, errResp.Error)
	}

	var resp handler.SuccessResponse

	err = json.Unmarshal(envelope, &resp)
	if err != nil {
		return nil, fmt.Errorf(errFmtEnvelopeDecode, err)
	}

	if resp.Audio != "" {
		audio, decodeErr := audiocodec.DecodeReference(resp.Audio)
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode inline audio: %w", decodeErr)
		}

		return audio, nil
	}

	if resp.AudioKey == "" {
		return nil, errEmptyEnvelope
	}

	return downloadAudio(natsConnection, cfg.NATS.AudioStoreBucket, resp.AudioKey)
}

func downloadAudio(natsConnection *nats.Conn, bucket, key string) ([]byte, error) {
	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio store: %w", err)
	}

	audio, err := store.Download(context.Background(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to download audio '%s': %w", key, err)
	}

	return audio, nil
}
