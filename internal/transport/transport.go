// Package transport is the boundary to the message delivery collaborator.
// The core only needs a globally unique external id back from every send so
// replies can be correlated later; actual mail delivery lives outside.
package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

type Outbound struct {
	Recipient      string
	Subject        string
	Body           string
	CorrelationKey string
}

type Sender interface {
	// Send delivers one message and returns its globally unique external id.
	Send(ctx context.Context, msg Outbound) (string, error)
}

// LogSender logs sends instead of delivering them. It stands in for the real
// transport in local runs.
type LogSender struct {
	Logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{Logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Outbound) (string, error) {
	id := "out-" + uuid.New().String()
	s.Logger.InfoContext(ctx, "outbound message",
		"external_id", id,
		"recipient", msg.Recipient,
		"subject", msg.Subject,
		"correlation_key", msg.CorrelationKey,
	)
	return id, nil
}

// Recorder captures sends in memory for tests.
type Recorder struct {
	mu   sync.Mutex
	Sent []Outbound
}

func (r *Recorder) Send(_ context.Context, msg Outbound) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Sent = append(r.Sent, msg)
	return "out-" + uuid.New().String(), nil
}

// Last returns the most recent send, or false when nothing was sent.
func (r *Recorder) Last() (Outbound, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Sent) == 0 {
		return Outbound{}, false
	}
	return r.Sent[len(r.Sent)-1], true
}
