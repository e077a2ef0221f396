package brain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ErrPortBusy is returned when the gateway port is still occupied after a
// reclaim attempt.
var ErrPortBusy = errors.New("gateway port still in use")

// PortReclaimer frees a TCP port held by a stale brain instance.
type PortReclaimer interface {
	Reclaim(ctx context.Context, port int) error
}

// PortReclaimerFunc adapts a function to PortReclaimer.
type PortReclaimerFunc func(ctx context.Context, port int) error

func (f PortReclaimerFunc) Reclaim(ctx context.Context, port int) error { return f(ctx, port) }

// portInUse reports whether something accepts connections on the loopback port.
func portInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// clearPort reclaims port if busy and verifies it is free afterwards.
// Best effort: there is no negotiation with the occupant.
func (s *Supervisor) clearPort(ctx context.Context) error {
	if !s.inUse(s.opts.Port) {
		return nil
	}
	s.logger.Warn("gateway port busy, reclaiming", "port", s.opts.Port)
	if err := s.opts.Reclaimer.Reclaim(ctx, s.opts.Port); err != nil {
		s.logger.Warn("port reclaim failed", "port", s.opts.Port, "error", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.opts.ReclaimGrace):
	}
	if s.inUse(s.opts.Port) {
		return fmt.Errorf("%w: %d", ErrPortBusy, s.opts.Port)
	}
	return nil
}
