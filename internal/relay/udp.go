package relay

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/wakegate/wakegate/internal/metrics"
)

// ── UDP Sessions ────────────────────────────────────────────────────────
//
// UDP sessions are keyed by client address. The first datagram from a
// new client either opens a dedicated backend socket (target reachable)
// or starts a wake-and-hold task, queuing datagrams until the target
// comes up. The queue is FIFO and bounded; overflow drops the oldest
// datagram. Replies from the backend socket are copied back to the
// client address through the shared listen socket.

// udpTable tracks per-client relays for a UDP listener.
type udpTable struct {
	srv *Server

	mu     sync.Mutex
	relays map[string]*udpRelay
}

func newUDPTable(srv *Server) *udpTable {
	return &udpTable{
		srv:    srv,
		relays: make(map[string]*udpRelay),
	}
}

// udpRelay is the per-client session state.
type udpRelay struct {
	table      *udpTable
	clientAddr net.Addr

	mu         sync.Mutex
	backend    *net.UDPConn // nil until the target is reachable
	queue      [][]byte     // held datagrams, FIFO
	waking     bool
	closed     bool
	lastActive time.Time
}

// readLoop reads datagrams off the shared socket and dispatches them to
// per-client relays. It is the single reader, so per-client ordering is
// preserved.
func (s *Server) readLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, copyBufSize)
	for {
		n, addr, err := s.pconn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				log.Printf("[relay] UDP socket closed")
				return
			}
			log.Printf("[relay] UDP read error: %v", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		if s.opts.Inspect != nil {
			data = s.opts.Inspect(data, true)
			if len(data) == 0 {
				continue
			}
		}

		s.udp.dispatch(ctx, data, addr)
	}
}

// dispatch routes one client datagram to its relay, creating the relay
// on first contact.
func (t *udpTable) dispatch(ctx context.Context, data []byte, addr net.Addr) {
	t.mu.Lock()
	r, ok := t.relays[addr.String()]
	if !ok {
		r = &udpRelay{table: t, clientAddr: addr, lastActive: time.Now()}
		t.relays[addr.String()] = r
		metrics.SessionsActive.WithLabelValues("udp").Inc()
		log.Printf("[relay] New UDP session from %s", addr)
	}
	t.mu.Unlock()

	r.handleDatagram(ctx, data)
}

func (t *udpTable) remove(r *udpRelay) {
	t.mu.Lock()
	if cur, ok := t.relays[r.clientAddr.String()]; ok && cur == r {
		delete(t.relays, r.clientAddr.String())
		metrics.SessionsActive.WithLabelValues("udp").Dec()
	}
	t.mu.Unlock()
}

// closeAll tears down every relay at server shutdown.
func (t *udpTable) closeAll() {
	t.mu.Lock()
	relays := make([]*udpRelay, 0, len(t.relays))
	for _, r := range t.relays {
		relays = append(relays, r)
	}
	t.mu.Unlock()

	for _, r := range relays {
		r.close("shutdown")
	}
}

// evictLoop drops relays that have been idle past the hold timeout.
func (t *udpTable) evictLoop(ctx context.Context) {
	defer t.srv.wg.Done()

	interval := t.srv.opts.HoldTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		var stale []*udpRelay
		for _, r := range t.relays {
			r.mu.Lock()
			idle := time.Since(r.lastActive)
			r.mu.Unlock()
			if idle > t.srv.opts.HoldTimeout {
				stale = append(stale, r)
			}
		}
		t.mu.Unlock()

		for _, r := range stale {
			log.Printf("[relay] Evicting idle UDP session %s", r.clientAddr)
			r.close("idle")
		}
	}
}

// handleDatagram forwards one datagram, queuing it when the target is
// still cold.
func (r *udpRelay) handleDatagram(ctx context.Context, data []byte) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.lastActive = time.Now()

	if r.backend != nil {
		backend := r.backend
		r.mu.Unlock()
		if _, err := backend.Write(data); err != nil {
			log.Printf("[relay] UDP forward to target failed for %s: %v", r.clientAddr, err)
			return
		}
		metrics.BytesRelayed.WithLabelValues("client_to_target").Add(float64(len(data)))
		return
	}

	if r.waking {
		r.enqueueLocked(data)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if r.table.srv.opts.Probe(ctx) {
		if err := r.openBackend(); err != nil {
			log.Printf("[relay] UDP backend open failed for %s: %v", r.clientAddr, err)
			return
		}
		r.mu.Lock()
		backend := r.backend
		r.mu.Unlock()
		if backend != nil {
			if _, err := backend.Write(data); err == nil {
				metrics.BytesRelayed.WithLabelValues("client_to_target").Add(float64(len(data)))
			}
		}
		return
	}

	// Target is cold: queue the datagram; the first queued datagram
	// kicks off the wake-and-hold task.
	r.mu.Lock()
	r.enqueueLocked(data)
	first := !r.waking
	r.waking = true
	r.mu.Unlock()

	if first {
		go r.wakeAndHold(ctx)
	}
}

// enqueueLocked appends to the hold queue, dropping the oldest datagram
// on overflow. Caller holds r.mu.
func (r *udpRelay) enqueueLocked(data []byte) {
	limit := r.table.srv.opts.QueueCap
	if len(r.queue) >= limit {
		log.Printf("[relay] WARNING: UDP hold queue full for %s, dropping oldest datagram", r.clientAddr)
		r.queue = r.queue[1:]
	}
	r.queue = append(r.queue, data)
}

// wakeAndHold signals a wake and polls reachability until the target
// comes up or the hold window expires.
func (r *udpRelay) wakeAndHold(ctx context.Context) {
	srv := r.table.srv
	log.Printf("[relay] UDP target unreachable, initiating wake for %s", r.clientAddr)
	srv.opts.Waker.WakeAsync(ctx)

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			r.close("cancelled")
			return
		case <-time.After(srv.opts.RetryInterval):
		}

		if time.Since(start) >= srv.opts.HoldTimeout {
			log.Printf("[relay] UDP hold timeout for %s", r.clientAddr)
			metrics.SessionsTotal.WithLabelValues("udp", "hold_timeout").Inc()
			r.close("hold_timeout")
			return
		}

		if srv.opts.Probe(ctx) {
			log.Printf("[relay] UDP target reachable, draining hold queue for %s", r.clientAddr)
			metrics.HoldDuration.WithLabelValues("udp").Observe(time.Since(start).Seconds())
			if err := r.openBackend(); err != nil {
				log.Printf("[relay] UDP backend open failed for %s: %v", r.clientAddr, err)
				r.close("error")
			}
			return
		}
	}
}

// openBackend dials the per-client backend socket, drains the hold
// queue in order, and starts the reply copy loop.
func (r *udpRelay) openBackend() error {
	srv := r.table.srv
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(srv.opts.TargetHost, itoa(srv.opts.TargetPort)))
	if err != nil {
		return err
	}
	backend, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		backend.Close()
		return net.ErrClosed
	}
	// Drain under the lock so queued datagrams stay ahead of any
	// datagram arriving after the backend becomes visible.
	for _, d := range r.queue {
		if _, err := backend.Write(d); err != nil {
			log.Printf("[relay] UDP queue drain failed for %s: %v", r.clientAddr, err)
			break
		}
		metrics.BytesRelayed.WithLabelValues("client_to_target").Add(float64(len(d)))
	}
	r.queue = nil
	r.backend = backend
	r.waking = false
	r.lastActive = time.Now()
	r.mu.Unlock()

	srv.wg.Add(1)
	go r.replyLoop(backend)

	metrics.SessionsTotal.WithLabelValues("udp", "bridged").Inc()
	return nil
}

// replyLoop copies backend replies back to the client address through
// the shared listen socket.
func (r *udpRelay) replyLoop(backend *net.UDPConn) {
	srv := r.table.srv
	defer srv.wg.Done()

	buf := make([]byte, copyBufSize)
	for {
		n, err := backend.Read(buf)
		if err != nil {
			return
		}
		data := buf[:n]
		if srv.opts.Inspect != nil {
			data = srv.opts.Inspect(data, false)
			if len(data) == 0 {
				continue
			}
		}
		if _, err := srv.pconn.WriteTo(data, r.clientAddr); err != nil {
			return
		}
		metrics.BytesRelayed.WithLabelValues("target_to_client").Add(float64(n))

		r.mu.Lock()
		r.lastActive = time.Now()
		r.mu.Unlock()
	}
}

// close tears down the relay and removes it from the table.
func (r *udpRelay) close(reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	backend := r.backend
	r.backend = nil
	r.queue = nil
	r.mu.Unlock()

	if backend != nil {
		backend.Close()
	}
	r.table.remove(r)
	log.Printf("[relay] UDP session %s closed (%s)", r.clientAddr, reason)
}
