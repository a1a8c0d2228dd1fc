// Package feed serves bus events to external collaborators as JSON over
// WebSocket and provides a reconnecting client for them.
package feed

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/deltahedge/hedger/internal/adapter"
	"github.com/deltahedge/hedger/internal/state"
)

// Path is where the feed is mounted.
const Path = "/events"

const (
	writeTimeout = 2 * time.Second
	// pingInterval keeps idle clients inside their heartbeat timeout.
	pingInterval = time.Second
)

// Source supplies the bus and, optionally, the current state replayed to
// each new client.
type Source interface {
	SubscribeAll() <-chan adapter.Event
	Subscribe(kinds ...adapter.EventKind) <-chan adapter.Event
	Unsubscribe(ch <-chan adapter.Event)
}

// Server upgrades HTTP requests on Path and streams events to each client.
// Query parameters narrow a subscription:
//
//	kinds=price,account_state   event kinds, default all
//	exchange=lighter            one exchange, default all
type Server struct {
	bus      Source
	store    *state.Store // may be nil
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients int
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
}

// NewServer returns a feed handler fanning out bus events and replaying
// store snapshots.
func NewServer(bus Source, store *state.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		bus:   bus,
		store: store,
		log:   logger.Named("feed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The feed is read-only and served on an operator-chosen address.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients
}

type filter struct {
	kinds    []adapter.EventKind
	exchange adapter.Exchange
}

func parseFilter(r *http.Request) (filter, error) {
	var f filter
	q := r.URL.Query()
	if raw := q.Get("kinds"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			var k adapter.EventKind
			if err := k.UnmarshalText([]byte(strings.TrimSpace(part))); err != nil {
				return f, err
			}
			f.kinds = append(f.kinds, k)
		}
	}
	if raw := q.Get("exchange"); raw != "" {
		ex, err := adapter.ParseExchange(raw)
		if err != nil {
			return f, err
		}
		f.exchange = ex
	}
	return f, nil
}

func (f filter) match(ev adapter.Event) bool {
	if f.exchange != "" && ev.Exchange != f.exchange {
		return false
	}
	if len(f.kinds) == 0 {
		return true
	}
	for _, k := range f.kinds {
		if k == ev.Kind {
			return true
		}
	}
	return false
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	var sub <-chan adapter.Event
	if len(f.kinds) == 0 {
		sub = s.bus.SubscribeAll()
	} else {
		sub = s.bus.Subscribe(f.kinds...)
	}

	s.mu.Lock()
	s.clients++
	s.mu.Unlock()
	s.wg.Add(1)
	s.log.Info("client connected", zap.String("remote", r.RemoteAddr))

	defer func() {
		s.bus.Unsubscribe(sub)
		c.Close()
		s.mu.Lock()
		s.clients--
		s.mu.Unlock()
		s.wg.Done()
		s.log.Info("client disconnected", zap.String("remote", r.RemoteAddr))
	}()

	s.serve(c, sub, f)
}

func (s *Server) serve(c *websocket.Conn, sub <-chan adapter.Event, f filter) {
	// The reader only services control frames; any error ends the client.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.NextReader(); err != nil {
				return
			}
		}
	}()

	if s.store != nil {
		for _, ev := range SnapshotEvents(s.store.Snapshot()) {
			if f.match(ev) && s.write(c, ev) != nil {
				return
			}
		}
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-s.done:
			c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeTimeout))
			return
		case <-gone:
			return
		case <-ping.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if !f.match(ev) {
				continue
			}
			if err := s.write(c, ev); err != nil {
				s.log.Debug("write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) write(c *websocket.Conn, ev adapter.Event) error {
	c.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.WriteJSON(ev)
}

// SnapshotEvents renders a store snapshot as the events that produced it,
// in exchange order: price, account state, open orders.
func SnapshotEvents(snap *state.Snapshot) []adapter.Event {
	var out []adapter.Event
	for _, ex := range adapter.Exchanges {
		if q, ok := snap.Prices[ex]; ok {
			out = append(out, adapter.PriceEvent(q))
		}
		if st, ok := snap.States[ex]; ok {
			out = append(out, adapter.StateEvent(st))
		}
		if orders, ok := snap.Orders[ex]; ok {
			out = append(out, adapter.OrdersEvent(ex, orders))
		}
	}
	return out
}

// Close tells every client the server is going away and waits for their
// handlers to return.
func (s *Server) Close() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

// ListenAndServe serves the feed on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle(Path, s)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("feed listening", zap.String("addr", addr), zap.String("path", Path))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	// Hijacked websocket connections are not tracked by Shutdown.
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
