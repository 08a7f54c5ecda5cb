// Package supervisor launches the synthesis engine as a child process and
// gates traffic on its readiness. The engine loads model weights at boot
// and may take tens of seconds before it answers health probes, so
// readiness is confirmed by a repeated, time-bounded probe rather than a
// one-shot check.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/mattn/go-shellwords"

	"github.com/AnasIftikhar/xttsv2-runpod/internal/core"
)

// Static errors.
var (
	ErrAlreadyStarted = errors.New("supervisor already started")
	ErrCommandEmpty   = errors.New("engine command cannot be empty")
	ErrEngineNotReady = errors.New("engine did not become ready before the deadline")
)

// Default probe policy values.
const (
	DefaultProbeInterval = 3 * time.Second
	DefaultProbeTimeout  = 120 * time.Second
	DefaultProgressEvery = 15 * time.Second
)

// Probe checks the engine liveness surface once. A nil return means the
// engine can accept synthesis requests.
type Probe func(ctx context.Context) error

// Policy bounds the readiness probing loop.
type Policy struct {
	// Interval is the pause between consecutive probes.
	Interval time.Duration
	// Timeout is the total wait before the engine is declared failed.
	Timeout time.Duration
	// ProgressEvery throttles progress reporting to coarse intervals.
	ProgressEvery time.Duration
}

// withDefaults fills zero policy fields with the package defaults.
func (p Policy) withDefaults() Policy {
	if p.Interval <= 0 {
		p.Interval = DefaultProbeInterval
	}

	if p.Timeout <= 0 {
		p.Timeout = DefaultProbeTimeout
	}

	if p.ProgressEvery <= 0 {
		p.ProgressEvery = DefaultProgressEvery
	}

	return p
}

// Outcome is the result of a readiness probing run.
type Outcome struct {
	// Ready is true when a probe succeeded before the deadline.
	Ready bool
	// Elapsed is the total time spent probing.
	Elapsed time.Duration
	// Attempts is the number of probes issued.
	Attempts int
	// LastErr is the error from the final probe when Ready is false.
	LastErr error
}

// ProbeUntilReady runs probe on a fixed interval until it succeeds, the
// policy timeout elapses, or ctx is cancelled. Progress is reported
// through onProgress at the policy's coarse interval; the function itself
// performs no logging, so the retry policy is testable in isolation.
func ProbeUntilReady(
	ctx context.Context,
	probe Probe,
	policy Policy,
	onProgress func(elapsed time.Duration, lastErr error),
) Outcome {
	policy = policy.withDefaults()
	start := time.Now()
	deadline := start.Add(policy.Timeout)
	nextProgress := start.Add(policy.ProgressEvery)

	outcome := Outcome{Ready: false, Elapsed: 0, Attempts: 0, LastErr: nil}

	for {
		probeCtx, cancel := context.WithTimeout(ctx, policy.Interval)
		err := probe(probeCtx)

		cancel()

		outcome.Attempts++
		outcome.Elapsed = time.Since(start)
		outcome.LastErr = err

		if err == nil {
			outcome.Ready = true

			return outcome
		}

		if time.Now().After(deadline) || ctx.Err() != nil {
			return outcome
		}

		if onProgress != nil && time.Now().After(nextProgress) {
			onProgress(outcome.Elapsed, err)

			nextProgress = time.Now().Add(policy.ProgressEvery)
		}

		select {
		case <-ctx.Done():
			outcome.Elapsed = time.Since(start)

			return outcome
		case <-time.After(policy.Interval):
		}
	}
}

// Supervisor owns the engine child process and the single-writer
// readiness cell read by the request handler. State transitions are
// published atomically, so readers need no locking.
type Supervisor struct {
	command string
	probe   Probe
	policy  Policy
	log     *logger.Logger

	state   atomic.Int32
	process *exec.Cmd
}

// New creates a Supervisor that launches the engine with the given shell
// command line and confirms readiness through probe. An empty command
// means the engine is managed externally and only probing is performed.
func New(command string, probe Probe, policy Policy, log *logger.Logger) *Supervisor {
	sup := &Supervisor{
		command: command,
		probe:   probe,
		policy:  policy.withDefaults(),
		log:     log,
		state:   atomic.Int32{},
		process: nil,
	}
	sup.state.Store(int32(core.NotStarted))

	return sup
}

// State returns the current readiness state. Implements core.Readiness.
func (s *Supervisor) State() core.ReadinessState {
	return core.ReadinessState(s.state.Load())
}

// Start launches the engine (when a command is configured) and blocks
// until the engine is confirmed ready or the probe policy's timeout
// elapses. On timeout the state becomes Failed and an error wrapping
// ErrEngineNotReady is returned; the caller must treat this as fatal and
// never register the request handler.
//
// Duplicate starts are rejected with ErrAlreadyStarted.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(core.NotStarted), int32(core.Starting)) {
		return ErrAlreadyStarted
	}

	launchErr := s.launch(ctx)
	if launchErr != nil {
		s.state.Store(int32(core.Failed))

		return launchErr
	}

	s.log.Info("Waiting for engine readiness (interval %v, timeout %v)",
		s.policy.Interval, s.policy.Timeout)

	outcome := ProbeUntilReady(ctx, s.probe, s.policy,
		func(elapsed time.Duration, lastErr error) {
			s.log.Info("Engine still warming up after %v: %v", elapsed.Round(time.Second), lastErr)
		})

	if !outcome.Ready {
		s.state.Store(int32(core.Failed))
		s.Stop()

		return fmt.Errorf("%w: %d probes over %v, last error: %w",
			ErrEngineNotReady, outcome.Attempts,
			outcome.Elapsed.Round(time.Second), outcome.LastErr)
	}

	s.state.Store(int32(core.Ready))
	s.log.System("Engine ready after %v (%d probes)",
		outcome.Elapsed.Round(time.Second), outcome.Attempts)

	return nil
}

// Stop terminates the engine child process when the supervisor launched
// one. Safe to call multiple times and after a failed start.
func (s *Supervisor) Stop() {
	if s.process == nil || s.process.Process == nil {
		return
	}

	killErr := s.process.Process.Kill()
	if killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		s.log.Warn("Failed to kill engine process: %v", killErr)
	}

	_ = s.process.Wait()
	s.process = nil
}

// launch starts the engine child process. The configured command line is
// split with shell-style word rules, so quoted arguments survive.
func (s *Supervisor) launch(ctx context.Context) error {
	if s.command == "" {
		return nil
	}

	args, err := shellwords.NewParser().Parse(s.command)
	if err != nil {
		return fmt.Errorf("failed to parse engine command: %w", err)
	}

	if len(args) == 0 {
		return ErrCommandEmpty
	}

	// #nosec G204 -- the command comes from the operator's own config.
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	startErr := cmd.Start()
	if startErr != nil {
		return fmt.Errorf("failed to launch engine process: %w", startErr)
	}

	s.process = cmd
	s.log.Info("Launched engine process (pid %d): %s", cmd.Process.Pid, s.command)

	return nil
}
