package surface

import (
	"context"
	"log/slog"
	"sync"
)

// Simulator is the dry-run surface. It accepts every send without any
// external effect and records what it saw.
type Simulator struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []SimulatedMessage
}

// SimulatedMessage records one dry-run delivery.
type SimulatedMessage struct {
	Phone string
	Text  string
}

// NewSimulator creates a dry-run surface.
func NewSimulator(logger *slog.Logger) *Simulator {
	return &Simulator{
		logger: logger.With("component", "surface-sim"),
	}
}

// Live always reports true, a simulated channel never disconnects.
func (s *Simulator) Live(ctx context.Context) bool {
	return true
}

// Send records the message instead of delivering it.
func (s *Simulator) Send(ctx context.Context, phone, text string) error {
	s.mu.Lock()
	s.sent = append(s.sent, SimulatedMessage{Phone: phone, Text: text})
	n := len(s.sent)
	s.mu.Unlock()

	s.logger.Info("simulated send", "phone", phone, "total", n)
	return nil
}

// Sent returns a copy of the recorded deliveries.
func (s *Simulator) Sent() []SimulatedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimulatedMessage, len(s.sent))
	copy(out, s.sent)
	return out
}
