package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/lxzan/gws"
)

// DefaultMaxEvents is the number of events a Server keeps in memory.
const DefaultMaxEvents = 50000

// Server is a minimal in-memory NIP-01 relay.
// It verifies every event before storing it, keeps a bounded history and
// fans new events out to matching subscriptions.
type Server struct {
	addr      string
	maxEvents int
	logger    *slog.Logger

	listener net.Listener
	server   *gws.Server

	mu     sync.RWMutex
	events []*Event
	seen   map[string]struct{}
	subs   map[*gws.Conn]map[string][]Filter
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMaxEvents bounds the stored history. Oldest events are evicted first.
func WithMaxEvents(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxEvents = n
		}
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a relay server. Use "127.0.0.1:0" to bind a random port.
func NewServer(addr string, opts ...ServerOption) *Server {
	s := &Server{
		addr:      addr,
		maxEvents: DefaultMaxEvents,
		logger:    slog.Default(),
		seen:      make(map[string]struct{}),
		subs:      make(map[*gws.Conn]map[string][]Filter),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With("component", "relay-server")

	s.server = gws.NewServer(&serverHandler{s: s}, &gws.ServerOption{
		CheckUtf8Enabled:   true,
		Recovery:           gws.Recovery,
		PermessageDeflate:  gws.PermessageDeflate{Enabled: true},
		ReadMaxPayloadSize: 1024 * 1024,
	})
	s.server.OnError = func(_ net.Conn, err error) {
		if !isClosedErr(err) {
			s.logger.Warn("relay server error", "error", err)
		}
	}

	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig

	listener, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := s.server.RunListener(listener); err != nil && !isClosedErr(err) {
			s.logger.Error("relay server stopped", "error", err)
		}
	}()

	s.logger.Info("relay listening", "addr", listener.Addr().String())

	return nil
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() error {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	s.DropConnections()

	if listener != nil {
		return listener.Close()
	}

	return nil
}

// DropConnections closes every client socket while keeping the listener open.
func (s *Server) DropConnections() {
	s.mu.RLock()
	conns := make([]*gws.Conn, 0, len(s.subs))
	for c := range s.subs {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		_ = c.NetConn().Close()
	}
}

// Address returns the bound address.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.addr
}

// URL returns the ws:// url clients should dial.
func (s *Server) URL() string {
	return "ws://" + s.Address()
}

// EventCount returns the number of stored events.
func (s *Server) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.events)
}

// ConnectionCount returns the number of open client connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.subs)
}

// store records ev and reports false if it was already known.
func (s *Server) store(ev *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[ev.ID]; ok {
		return false
	}

	s.seen[ev.ID] = struct{}{}
	s.events = append(s.events, ev)

	if over := len(s.events) - s.maxEvents; over > 0 {
		for _, old := range s.events[:over] {
			delete(s.seen, old.ID)
		}

		s.events = slices.Clone(s.events[over:])
	}

	return true
}

// query returns stored events matching filters in created_at order.
// Each filter's limit keeps its newest matches.
func (s *Server) query(filters []Filter) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	picked := make(map[string]*Event)

	for _, f := range filters {
		var matched []*Event

		for _, ev := range s.events {
			if f.Matches(ev) {
				matched = append(matched, ev)
			}
		}

		if f.Limit > 0 && len(matched) > f.Limit {
			sort.SliceStable(matched, func(i, j int) bool {
				return matched[i].CreatedAt < matched[j].CreatedAt
			})
			matched = matched[len(matched)-f.Limit:]
		}

		for _, ev := range matched {
			picked[ev.ID] = ev
		}
	}

	out := make([]*Event, 0, len(picked))
	for _, ev := range picked {
		out = append(out, ev)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}

		return out[i].ID < out[j].ID
	})

	return out
}

type delivery struct {
	conn  *gws.Conn
	subID string
}

func (s *Server) subscribers(ev *Event) []delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []delivery

	for conn, subs := range s.subs {
		for subID, filters := range subs {
			if MatchesAny(filters, ev) {
				out = append(out, delivery{conn: conn, subID: subID})
			}
		}
	}

	return out
}

type serverHandler struct {
	s *Server
}

func (h *serverHandler) OnOpen(socket *gws.Conn) {
	h.s.mu.Lock()
	h.s.subs[socket] = make(map[string][]Filter)
	h.s.mu.Unlock()
}

func (h *serverHandler) OnClose(socket *gws.Conn, _ error) {
	h.s.mu.Lock()
	delete(h.s.subs, socket)
	h.s.mu.Unlock()
}

func (h *serverHandler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}

func (h *serverHandler) OnPong(_ *gws.Conn, _ []byte) {}

func (h *serverHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	if message.Opcode != gws.OpcodeText {
		h.notice(socket, "only text frames are supported")
		return
	}

	frame, err := ParseFrame(message.Bytes())
	if err != nil {
		h.notice(socket, err.Error())
		return
	}

	switch frame.Label {
	case LabelEvent:
		h.handleEvent(socket, frame.Event)
	case LabelReq:
		h.handleReq(socket, frame.SubID, frame.Filters)
	case LabelClose:
		h.s.mu.Lock()
		if subs, ok := h.s.subs[socket]; ok {
			delete(subs, frame.SubID)
		}
		h.s.mu.Unlock()
	default:
		h.notice(socket, "unsupported frame "+frame.Label)
	}
}

func (h *serverHandler) handleEvent(socket *gws.Conn, ev *Event) {
	if verr := ev.Verify(); verr != nil {
		h.writer(socket)(OKFrame(ev.ID, false, "invalid: "+verr.Error()))
		return
	}

	if !h.s.store(ev) {
		h.writer(socket)(OKFrame(ev.ID, true, "duplicate: already have this event"))
		return
	}

	h.writer(socket)(OKFrame(ev.ID, true, ""))

	for _, d := range h.s.subscribers(ev) {
		h.writer(d.conn)(SubEventFrame(d.subID, ev))
	}
}

func (h *serverHandler) handleReq(socket *gws.Conn, subID string, filters []Filter) {
	if subID == "" {
		h.writer(socket)(ClosedFrame(subID, "error: empty subscription id"))
		return
	}

	h.s.mu.Lock()
	if subs, ok := h.s.subs[socket]; ok {
		subs[subID] = filters
	}
	h.s.mu.Unlock()

	for _, ev := range h.s.query(filters) {
		h.writer(socket)(SubEventFrame(subID, ev))
	}

	h.writer(socket)(EOSEFrame(subID))
}

func (h *serverHandler) notice(socket *gws.Conn, msg string) {
	h.writer(socket)(NoticeFrame(msg))
}

// writer returns a sink that accepts a frame encoder's results directly.
func (h *serverHandler) writer(socket *gws.Conn) func([]byte, error) {
	return func(data []byte, err error) {
		if err != nil {
			h.s.logger.Error("failed to encode frame", "error", err)
			return
		}

		if err := socket.WriteMessage(gws.OpcodeText, data); err != nil && !isClosedErr(err) {
			h.s.logger.Debug("failed to write frame", "error", err)
		}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}
