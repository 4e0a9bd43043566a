package surface

import (
	"context"
)

// Surface is the outbound messaging boundary. The dispatch loop treats
// it as opaque: it can check liveness and send one message at a time.
type Surface interface {
	// Live reports whether the underlying channel is connected and
	// ready to send.
	Live(ctx context.Context) bool

	// Send delivers one message to a normalized phone number.
	Send(ctx context.Context, phone, text string) error
}
