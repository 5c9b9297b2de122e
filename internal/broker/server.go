package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quickio/quickio/internal/config"
	"github.com/quickio/quickio/internal/limits"
	"github.com/quickio/quickio/internal/monitoring"
)

// readChunk is the per-read buffer size. Events larger than this just
// accumulate across reads in the client's buffer.
const readChunk = 8 << 10

// Broker is the event broker: listeners, the protocol dispatcher, the
// event trie, the broadcast pipeline and the periodic sweep.
type Broker struct {
	cfg    *config.Config
	logger zerolog.Logger

	events     *eventTrie
	surrogates *surrogateTable
	broadcasts *broadcastQueue

	// clients holds every live *Client (surrogates included) as keys.
	clients sync.Map

	subsTotal   atomic.Int64
	subsAdded   atomic.Int64
	subsRemoved atomic.Int64

	protoRaw   *rawProtocol
	protoWS    *rfc6455Protocol
	protoHTTP  *httpProtocol
	protoFlash *flashProtocol

	// sniffOrder is checked front to back on fresh connections.
	// WebSocket is absent: it is only reachable through an HTTP
	// upgrade.
	sniffOrder []protocolDriver

	rateLimiter *limits.ConnectionRateLimiter
	guard       *limits.ResourceGuard

	// connSem bounds concurrent socket clients at max-clients.
	connSem chan struct{}

	shuttingDown atomic.Bool

	mu        sync.Mutex
	listeners []net.Listener
	metricsLn *http.Server
	cancel    context.CancelFunc
	loops     sync.WaitGroup
}

// New builds a broker and registers the built-in /qio endpoints.
// Start must be called before it serves anything.
func New(cfg *config.Config, logger zerolog.Logger) *Broker {
	b := &Broker{
		cfg:        cfg,
		logger:     logger.With().Str("component", "broker").Logger(),
		events:     newEventTrie(),
		surrogates: newSurrogateTable(),
		broadcasts: newBroadcastQueue(),
		connSem:    make(chan struct{}, cfg.MaxClients),
	}

	b.protoRaw = &rawProtocol{broker: b}
	b.protoWS = &rfc6455Protocol{broker: b}
	b.protoHTTP = &httpProtocol{broker: b}
	b.protoFlash = &flashProtocol{broker: b}
	b.sniffOrder = []protocolDriver{b.protoHTTP, b.protoFlash, b.protoRaw}

	if cfg.ConnRateLimitEnabled {
		b.rateLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.ConnRateLimitIPBurst,
			IPRate:      cfg.ConnRateLimitIPRate,
			GlobalBurst: cfg.ConnRateLimitGlobalBurst,
			GlobalRate:  cfg.ConnRateLimitGlobalRate,
			Logger:      b.logger,
		})
	}
	b.guard = limits.NewResourceGuard(cfg.CPURejectThreshold, cfg.MemoryLimit, b.logger)

	b.registerBuiltins()
	return b
}

// Start opens the listeners and runs the background loops. It returns
// once everything is accepting; serving continues until Shutdown.
func (b *Broker) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	ln, err := net.Listen("tcp", b.cfg.Addr())
	if err != nil {
		cancel()
		return fmt.Errorf("listen %s: %w", b.cfg.Addr(), err)
	}
	b.addListener(ln)
	b.logger.Info().Str("addr", b.cfg.Addr()).Msg("Listening")

	if b.cfg.BindPath != "" {
		uln, err := net.Listen("unix", b.cfg.BindPath)
		if err != nil {
			cancel()
			return fmt.Errorf("listen unix %s: %w", b.cfg.BindPath, err)
		}
		b.addListener(uln)
		b.logger.Info().Str("path", b.cfg.BindPath).Msg("Listening on unix socket")
	}

	// Flash policy requests also arrive on the main port; this dedicated
	// listener is for clients that only check :843.
	if b.cfg.SupportFlash {
		fln, err := net.Listen("tcp", fmt.Sprintf("%s:843", b.cfg.BindAddress))
		if err != nil {
			cancel()
			return fmt.Errorf("listen flash policy port: %w", err)
		}
		b.addListener(fln)
		b.logger.Info().Msg("Flash policy listener enabled")
	}

	if b.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", monitoring.Handler())
		srv := &http.Server{Addr: b.cfg.MetricsAddr, Handler: mux}
		b.mu.Lock()
		b.metricsLn = srv
		b.mu.Unlock()

		go func() {
			defer monitoring.RecoverPanic(b.logger, "metrics", nil)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.logger.Error().Err(err).Msg("Metrics listener failed")
			}
		}()
		b.logger.Info().Str("addr", b.cfg.MetricsAddr).Msg("Metrics listener enabled")
	}

	b.guard.StartMonitoring(ctx, 5*time.Second)

	b.loops.Add(2)
	go func() {
		defer b.loops.Done()
		b.runPeriodic(ctx)
	}()
	go func() {
		defer b.loops.Done()
		b.runBroadcasts(ctx)
	}()

	b.mu.Lock()
	listeners := append([]net.Listener(nil), b.listeners...)
	b.mu.Unlock()
	for _, l := range listeners {
		b.loops.Add(1)
		go func(l net.Listener) {
			defer b.loops.Done()
			b.acceptLoop(l)
		}(l)
	}
	return nil
}

func (b *Broker) addListener(ln net.Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, ln)
	b.mu.Unlock()
}

func (b *Broker) acceptLoop(ln net.Listener) {
	defer monitoring.RecoverPanic(b.logger, "accept", nil)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if b.shuttingDown.Load() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			b.logger.Error().Err(err).Msg("Accept failed")
			return
		}
		b.admit(conn)
	}
}

// admit runs the pre-protocol admission chain: shutdown flag, per-IP
// rate limit, resource guard, then the max-clients bound. Rejected
// connections are closed without a protocol goodbye; nothing has been
// negotiated yet.
func (b *Broker) admit(conn net.Conn) {
	if b.shuttingDown.Load() {
		conn.Close()
		return
	}

	ip := remoteIP(conn)
	if b.rateLimiter != nil && !b.rateLimiter.Allow(ip) {
		monitoring.ConnectionsRejected.WithLabelValues("rate_limit").Inc()
		conn.Close()
		return
	}
	if ok, reason := b.guard.ShouldAccept(); !ok {
		monitoring.ConnectionsRejected.WithLabelValues(reason).Inc()
		conn.Close()
		return
	}

	select {
	case b.connSem <- struct{}{}:
	default:
		monitoring.ConnectionsRejected.WithLabelValues("max_clients").Inc()
		conn.Close()
		return
	}

	c := &Client{broker: b, conn: conn, ip: ip}
	c.touchRecv()
	c.touchSend()
	b.clients.Store(c, struct{}{})
	monitoring.ConnectionsActive.Inc()

	b.loops.Add(1)
	go func() {
		defer b.loops.Done()
		defer func() { <-b.connSem }()
		defer monitoring.RecoverPanic(b.logger, "client-read", map[string]any{"ip": ip})
		b.readLoop(c)
	}()
}

// readLoop pulls bytes into the client's buffer and runs the dispatcher
// after every read. It owns the connection's inbound side; everything
// the dispatcher does happens on this goroutine, which is what keeps
// per-connection events in order.
//
// No read deadline: liveness policy belongs to the periodic sweep,
// which knows each protocol's idle rules. Closing the socket there
// unblocks the read here.
func (b *Broker) readLoop(c *Client) {
	buf := make([]byte, readChunk)
	for {
		if c.closed.Load() {
			return
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			if len(c.rbuf)+n > maxReadBuffer {
				b.closeClient(c, closeTooLarge)
				return
			}
			c.rbuf = append(c.rbuf, buf[:n]...)
			b.dispatch(c)
		}
		if err != nil {
			switch {
			case c.closed.Load():
			case errors.Is(err, io.EOF):
				b.closeClient(c, closeExiting)
			default:
				b.closeClient(c, closeReadError)
			}
			return
		}
	}
}

// Shutdown stops accepting, drains the broadcast queue and closes every
// client, waiting up to ctx for the loops to finish.
func (b *Broker) Shutdown(ctx context.Context) error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	b.logger.Info().Msg("Shutting down")

	b.mu.Lock()
	listeners := b.listeners
	b.listeners = nil
	metricsLn := b.metricsLn
	cancel := b.cancel
	b.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	if metricsLn != nil {
		metricsLn.Shutdown(ctx)
	}

	// Stop the periodic and broadcast loops; the broadcast loop drains
	// its queue on the way out.
	if cancel != nil {
		cancel()
	}

	b.clients.Range(func(key, _ any) bool {
		b.closeClient(key.(*Client), closeExiting)
		return true
	})

	if b.rateLimiter != nil {
		b.rateLimiter.Stop()
	}

	done := make(chan struct{})
	go func() {
		b.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info().Msg("Shutdown complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a point-in-time snapshot of broker counters.
type Stats struct {
	Clients       int
	Subscriptions int64
	SubsAdded     int64
	SubsRemoved   int64
}

// GetStats snapshots the broker's counters.
func (b *Broker) GetStats() Stats {
	n := 0
	b.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return Stats{
		Clients:       n,
		Subscriptions: b.subsTotal.Load(),
		SubsAdded:     b.subsAdded.Load(),
		SubsRemoved:   b.subsRemoved.Load(),
	}
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
