package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/wakegate/wakegate/internal/metrics"
)

// ── TCP Session ─────────────────────────────────────────────────────────
//
// One session per accepted connection. Lifecycle:
//
//	ACCEPTED ── target reachable ──────────────▶ BRIDGING
//	ACCEPTED ── target unreachable ─▶ WAKING (wake signal + hold loop)
//	WAKING ──── target reachable ──▶ BRIDGING (flush buffer first)
//	WAKING ──── hold timeout ──────▶ CLOSED (buffer dropped)
//	BRIDGING ── either half closes ▶ CLOSED
//
// During WAKING the client may keep sending; those bytes are buffered
// (bounded) and flushed to the target before full-duplex relay starts.
// TCP does not preserve packet boundaries, so flushing the raw byte
// sequence is semantically equivalent to the client having sent it
// directly.

type session struct {
	id   uint64
	conn net.Conn
	srv  *Server

	startedAt time.Time
}

func newSession(id uint64, conn net.Conn, srv *Server) *session {
	return &session{
		id:        id,
		conn:      conn,
		srv:       srv,
		startedAt: time.Now(),
	}
}

func (s *session) targetAddr() string {
	return net.JoinHostPort(s.srv.opts.TargetHost, itoa(s.srv.opts.TargetPort))
}

// handle runs the full session lifecycle.
func (s *session) handle(ctx context.Context) {
	defer s.conn.Close()

	metrics.SessionsActive.WithLabelValues("tcp").Inc()
	defer metrics.SessionsActive.WithLabelValues("tcp").Dec()

	clientAddr := s.conn.RemoteAddr().String()
	log.Printf("[session:%d] New connection from %s", s.id, clientAddr)

	if s.srv.opts.Probe(ctx) {
		if err := s.bridge(ctx, nil); err != nil {
			log.Printf("[session:%d] Direct bridge failed: %v", s.id, err)
			metrics.SessionsTotal.WithLabelValues("tcp", "error").Inc()
			return
		}
		metrics.SessionsTotal.WithLabelValues("tcp", "bridged").Inc()
		return
	}

	log.Printf("[session:%d] Target unreachable, initiating wake sequence", s.id)
	s.srv.opts.Waker.WakeAsync(ctx)

	holdStart := time.Now()
	buffered, err := s.hold(ctx)
	metrics.HoldDuration.WithLabelValues("tcp").Observe(time.Since(holdStart).Seconds())
	if err != nil {
		switch {
		case IsHoldTimeout(err):
			log.Printf("[session:%d] Hold timeout — target did not come online", s.id)
			metrics.SessionsTotal.WithLabelValues("tcp", "hold_timeout").Inc()
		case IsBufferOverflow(err):
			log.Printf("[session:%d] WARNING: %v — closing session", s.id, err)
			metrics.SessionsTotal.WithLabelValues("tcp", "buffer_overflow").Inc()
		case errors.Is(err, context.Canceled):
			metrics.SessionsTotal.WithLabelValues("tcp", "cancelled").Inc()
		default:
			log.Printf("[session:%d] Client closed during hold: %v", s.id, err)
			metrics.SessionsTotal.WithLabelValues("tcp", "client_closed").Inc()
		}
		return
	}

	log.Printf("[session:%d] Target is now reachable — flushing %d buffered bytes and bridging",
		s.id, len(buffered))
	if err := s.bridge(ctx, buffered); err != nil {
		log.Printf("[session:%d] Bridge after wake failed: %v", s.id, err)
		metrics.SessionsTotal.WithLabelValues("tcp", "error").Inc()
		return
	}
	metrics.SessionsTotal.WithLabelValues("tcp", "bridged").Inc()
}

// hold keeps the client connection open while the target cold-starts.
// It alternates reads with a short deadline (a timeout is not an error,
// it merely yields to the probe) and reachability probes, and returns
// the buffered client bytes once the target is reachable.
func (s *session) hold(ctx context.Context) ([]byte, error) {
	var (
		buf       []byte
		chunk     = make([]byte, copyBufSize)
		lastProbe time.Time
	)

	for {
		if elapsed := time.Since(s.startedAt); elapsed >= s.srv.opts.HoldTimeout {
			return nil, &SessionError{Kind: SessionErrorHoldTimeout, Held: elapsed}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.opts.RetryInterval))
		n, err := s.conn.Read(chunk)
		if n > 0 {
			if len(buf)+n > s.srv.opts.BufferCap {
				return nil, &SessionError{
					Kind:     SessionErrorBufferOverflow,
					Buffered: len(buf) + n,
					Cap:      s.srv.opts.BufferCap,
				}
			}
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				return nil, err
			}
		}

		if time.Since(lastProbe) >= s.srv.opts.RetryInterval || lastProbe.IsZero() {
			lastProbe = time.Now()
			if s.srv.opts.Probe(ctx) {
				return buf, nil
			}
		}
	}
}

// bridge opens the target connection, flushes any buffered bytes, and
// relays full-duplex until either side closes.
func (s *session) bridge(ctx context.Context, buffered []byte) error {
	d := net.Dialer{Timeout: 10 * time.Second}
	target, err := d.DialContext(ctx, "tcp", s.targetAddr())
	if err != nil {
		return fmt.Errorf("dialing target %s: %w", s.targetAddr(), err)
	}
	defer target.Close()

	if len(buffered) > 0 {
		if _, err := target.Write(buffered); err != nil {
			return fmt.Errorf("flushing session buffer: %w", err)
		}
	}

	// Clear any hold-loop deadline before entering steady-state relay.
	_ = s.conn.SetReadDeadline(time.Time{})

	log.Printf("[session:%d] Bridged to target %s", s.id, s.targetAddr())

	var wg sync.WaitGroup
	firstDone := make(chan struct{}, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.copyHalf(target, s.conn, true)
		firstDone <- struct{}{}
	}()
	go func() {
		defer wg.Done()
		s.copyHalf(s.conn, target, false)
		firstDone <- struct{}{}
	}()

	// Either direction closing half-closes the session (copyHalf does
	// the CloseWrite); the EOF cascade normally ends the other
	// direction on its own. Both halves are force-closed if it does
	// not drain within the grace period.
	<-firstDone
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
	}
	target.Close()
	s.conn.Close()
	wg.Wait()

	log.Printf("[session:%d] Relay ended", s.id)
	return nil
}

// copyHalf copies one direction until EOF or error, then propagates the
// shutdown to the peer via a write-side half close.
func (s *session) copyHalf(dst, src net.Conn, clientToTarget bool) {
	direction := "target_to_client"
	if clientToTarget {
		direction = "client_to_target"
	}

	buf := make([]byte, copyBufSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			data := buf[:n]
			if s.srv.opts.Inspect != nil {
				data = s.srv.opts.Inspect(data, clientToTarget)
			}
			if len(data) > 0 {
				if _, werr := dst.Write(data); werr != nil {
					break
				}
				metrics.BytesRelayed.WithLabelValues(direction).Add(float64(len(data)))
			}
		}
		if err != nil {
			break
		}
	}

	if tc, ok := dst.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	} else {
		dst.Close()
	}
}
