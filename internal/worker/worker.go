// Package worker binds the request handler to the NATS invocation
// transport: one job per message, one envelope per reply.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
)

const defaultJobTimeout = 150 * time.Second

// JobHandler processes one raw job payload and returns the reply
// envelope. It must never fail; failures are encoded in the envelope.
type JobHandler interface {
	Handle(ctx context.Context, raw []byte) []byte
}

// Worker subscribes to the jobs subject and replies with the handler's
// envelope. Concurrency across jobs is the transport's concern; the
// worker itself processes whatever NATS delivers.
type Worker struct {
	conn       *nats.Conn
	subject    string
	handler    JobHandler
	jobTimeout time.Duration
	log        *logger.Logger
}

// New creates a Worker for the given subject. jobTimeout bounds the
// handling of a single message; zero selects a default sized above the
// engine's synthesis timeout.
func New(
	conn *nats.Conn,
	subject string,
	handler JobHandler,
	jobTimeout time.Duration,
	log *logger.Logger,
) *Worker {
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}

	return &Worker{
		conn:       conn,
		subject:    subject,
		handler:    handler,
		jobTimeout: jobTimeout,
		log:        log,
	}
}

// Run subscribes and blocks until ctx is cancelled, then drains the
// subscription so in-flight jobs finish before shutdown.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.conn.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.System("Listening for synthesis jobs on subject: %s", w.subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *Worker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.jobTimeout)
	defer cancel()

	envelope := w.handler.Handle(ctx, msg.Data)

	if msg.Reply == "" {
		w.log.Warn("Dropping envelope: job arrived without a reply subject")

		return
	}

	respondErr := msg.Respond(envelope)
	if respondErr != nil {
		w.log.Error("Failed to publish reply envelope: %v", respondErr)
	}
}
