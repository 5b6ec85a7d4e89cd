package proxy

import (
	"context"
	"fmt"
	"net"
	"net/textproto"
	"time"

	"github.com/cretz/bine/control"
)

// A Rotator changes the exit identity of every route.
type Rotator interface {
	NewIdentity(ctx context.Context) error
}

// TorController rotates identities through the control port of a Tor daemon that serves all the routes.
type TorController struct {
	Addr     string
	Password string
	// DialTimeout defaults to 10s.
	DialTimeout time.Duration
}

// NewIdentity authenticates on the control port and sends SIGNAL NEWNYM, so new circuits get new exit nodes. Tor
// itself rate-limits NEWNYM, which is why the pool waits a cooldown afterwards.
func (c *TorController) NewIdentity(ctx context.Context) error {
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("failed to connect to tor control port: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	ctl := control.NewConn(textproto.NewConn(conn))
	defer ctl.Close()

	if err := ctl.Authenticate(c.Password); err != nil {
		return fmt.Errorf("tor control authentication failed: %w", err)
	}
	if err := ctl.Signal("NEWNYM"); err != nil {
		return fmt.Errorf("tor NEWNYM failed: %w", err)
	}
	return nil
}

// RotatorFunc adapts a function to the Rotator interface.
type RotatorFunc func(ctx context.Context) error

func (f RotatorFunc) NewIdentity(ctx context.Context) error {
	return f(ctx)
}
