package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/cory-johannsen/matchrelay/internal/relay"
	"github.com/cory-johannsen/matchrelay/internal/rtapi"
)

// ErrSocketClosed is the cause reported for calls on a closed or lost socket.
var ErrSocketClosed = errors.New("socket closed")

const sendBuffer = 256

// Socket is a realtime WebSocket bound to one session. Requests are matched
// to replies by cid; notifications are dispatched to the handlers one at a
// time on the reader goroutine, in arrival order.
type Socket struct {
	url    string
	logger *zap.Logger

	nextCid atomic.Uint64

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers relay.Handlers
	pending  map[string]chan *rtapi.Envelope
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
	sends    chan *rtapi.Envelope
}

// NewSocket creates an unconnected Socket for the endpoint url.
//
// Precondition: url must be a ws:// or wss:// URL; logger must be non-nil.
func NewSocket(url string, logger *zap.Logger) *Socket {
	return &Socket{
		url:     url,
		logger:  logger,
		pending: make(map[string]chan *rtapi.Envelope),
		done:    make(chan struct{}),
		sends:   make(chan *rtapi.Envelope, sendBuffer),
	}
}

// Connect dials the endpoint with the session token and starts the reader and writer.
//
// Precondition: Connect has not been called before.
// Postcondition: Returns nil with the socket live, or a *relay.TransportError.
func (s *Socket) Connect(ctx context.Context, sess relay.Session) error {
	conn, _, err := websocket.Dial(ctx, s.url+"?token="+url.QueryEscape(sess.Token), nil)
	if err != nil {
		return &relay.TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(1 << 20)

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return &relay.TransportError{Op: "dial", Err: ErrSocketClosed}
	}
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()

	go s.readLoop(runCtx, conn)
	go s.writeLoop(runCtx, conn)
	return nil
}

// Close closes the connection without invoking OnDisconnect.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn, cancel := s.conn, s.cancel
	s.mu.Unlock()

	if conn == nil {
		close(s.done)
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "")
	cancel()
	return err
}

// SetHandlers implements relay.Socket.
func (s *Socket) SetHandlers(h relay.Handlers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = h
}

// CreateMatch implements relay.Socket.
func (s *Socket) CreateMatch(ctx context.Context) (relay.Match, error) {
	reply, err := s.request(ctx, &rtapi.Envelope{MatchCreate: &rtapi.MatchCreate{}})
	if err != nil {
		return relay.Match{}, err
	}
	if reply.Match == nil {
		return relay.Match{}, unexpectedReply("match_create", reply)
	}
	return matchFromWire(reply.Match), nil
}

// JoinMatch implements relay.Socket.
func (s *Socket) JoinMatch(ctx context.Context, matchID, token string) (relay.Match, error) {
	reply, err := s.request(ctx, &rtapi.Envelope{MatchJoin: &rtapi.MatchJoin{MatchID: matchID, Token: token}})
	if err != nil {
		return relay.Match{}, err
	}
	if reply.Match == nil {
		return relay.Match{}, unexpectedReply("match_join", reply)
	}
	return matchFromWire(reply.Match), nil
}

// LeaveMatch implements relay.Socket.
func (s *Socket) LeaveMatch(ctx context.Context, matchID string) error {
	reply, err := s.request(ctx, &rtapi.Envelope{MatchLeave: &rtapi.MatchLeave{MatchID: matchID}})
	if err != nil {
		return err
	}
	if reply.Ack == nil {
		return unexpectedReply("match_leave", reply)
	}
	return nil
}

// SendMatchState queues a match data message for the writer.
//
// Postcondition: Returns nil once queued; an error if the socket is closed or the queue is full.
func (s *Socket) SendMatchState(matchID string, opCode int64, data []byte) error {
	s.mu.Lock()
	closed := s.closed || s.conn == nil
	s.mu.Unlock()
	if closed {
		return &relay.TransportError{Op: "send", Err: ErrSocketClosed}
	}
	env := &rtapi.Envelope{MatchDataSend: &rtapi.MatchDataSend{MatchID: matchID, OpCode: opCode, Data: data}}
	select {
	case s.sends <- env:
		return nil
	default:
		return &relay.TransportError{Op: "send", Err: errors.New("send queue full")}
	}
}

// AddMatchmaker implements relay.Socket.
func (s *Socket) AddMatchmaker(ctx context.Context, t relay.MatchmakerTicket) (string, error) {
	reply, err := s.request(ctx, &rtapi.Envelope{MatchmakerAdd: &rtapi.MatchmakerAdd{
		Query:            t.Query,
		MinCount:         t.MinCount,
		MaxCount:         t.MaxCount,
		StringProperties: t.StringProperties,
	}})
	if err != nil {
		return "", err
	}
	if reply.MatchmakerTicket == nil {
		return "", unexpectedReply("matchmaker_add", reply)
	}
	return reply.MatchmakerTicket.Ticket, nil
}

// request writes env with a fresh cid and waits for the reply carrying it.
// Server rejections come back as errors wrapping *rtapi.Error; a rejected
// join of a missing match also wraps relay.ErrMatchNotFound.
func (s *Socket) request(ctx context.Context, env *rtapi.Envelope) (*rtapi.Envelope, error) {
	// A write that sees a cancelled context tears down the connection.
	if err := ctx.Err(); err != nil {
		return nil, &relay.TransportError{Op: "request", Err: err}
	}
	cid := strconv.FormatUint(s.nextCid.Add(1), 10)
	env.Cid = cid
	ch := make(chan *rtapi.Envelope, 1)

	s.mu.Lock()
	conn := s.conn
	if s.closed || conn == nil {
		s.mu.Unlock()
		return nil, &relay.TransportError{Op: "request", Err: ErrSocketClosed}
	}
	s.pending[cid] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, cid)
		s.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, conn, env); err != nil {
		return nil, &relay.TransportError{Op: "write", Err: err}
	}

	select {
	case reply := <-ch:
		if reply.Error != nil {
			if reply.Error.Code == rtapi.CodeMatchNotFound {
				return nil, fmt.Errorf("%w: %w", relay.ErrMatchNotFound, reply.Error)
			}
			return nil, reply.Error
		}
		return reply, nil
	case <-s.done:
		return nil, &relay.TransportError{Op: "await reply", Err: ErrSocketClosed}
	case <-ctx.Done():
		return nil, &relay.TransportError{Op: "await reply", Err: ctx.Err()}
	}
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	var err error
	for {
		var env rtapi.Envelope
		if err = wsjson.Read(ctx, conn, &env); err != nil {
			break
		}
		if env.Cid != "" {
			s.mu.Lock()
			ch, ok := s.pending[env.Cid]
			s.mu.Unlock()
			if ok {
				ch <- &env
			} else {
				s.logger.Debug("dropping reply for unknown cid", zap.String("cid", env.Cid))
			}
			continue
		}
		s.dispatch(&env)
	}

	s.mu.Lock()
	intentional := s.closed
	s.closed = true
	h := s.handlers
	s.mu.Unlock()
	close(s.done)
	if s.cancel != nil {
		s.cancel()
	}

	if intentional {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		err = nil
	}
	s.logger.Info("realtime socket lost", zap.Error(err))
	if h.OnDisconnect != nil {
		h.OnDisconnect(err)
	}
}

func (s *Socket) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-s.sends:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, conn, env)
			cancel()
			if err != nil {
				s.logger.Warn("match data write failed", zap.Error(err))
			}
		}
	}
}

// dispatch delivers one notification to the current handlers.
func (s *Socket) dispatch(env *rtapi.Envelope) {
	s.mu.Lock()
	h := s.handlers
	s.mu.Unlock()

	switch {
	case env.MatchData != nil:
		if h.OnMatchData != nil {
			d := env.MatchData
			h.OnMatchData(relay.MatchData{
				MatchID:  d.MatchID,
				OpCode:   d.OpCode,
				Data:     d.Data,
				Presence: presenceFromWire(d.Presence),
			})
		}
	case env.MatchPresenceEvent != nil:
		if h.OnMatchPresence != nil {
			e := env.MatchPresenceEvent
			h.OnMatchPresence(relay.PresenceUpdate{
				MatchID: e.MatchID,
				Joins:   presencesFromWire(e.Joins),
				Leaves:  presencesFromWire(e.Leaves),
			})
		}
	case env.MatchmakerMatched != nil:
		if h.OnMatchmakerMatched != nil {
			m := env.MatchmakerMatched
			h.OnMatchmakerMatched(relay.MatchmakerMatched{
				Ticket:  m.Ticket,
				MatchID: m.MatchID,
				Token:   m.Token,
				Users:   presencesFromWire(m.Users),
			})
		}
	default:
		kind, _ := env.Kind()
		s.logger.Debug("ignoring notification", zap.String("kind", kind))
	}
}

func unexpectedReply(op string, env *rtapi.Envelope) error {
	kind, _ := env.Kind()
	return fmt.Errorf("%s: unexpected %q reply", op, kind)
}

func presenceFromWire(p rtapi.Presence) relay.Presence {
	return relay.Presence{UserID: p.UserID, SessionID: p.SessionID, Username: p.Username}
}

func presencesFromWire(ps []rtapi.Presence) []relay.Presence {
	if len(ps) == 0 {
		return nil
	}
	out := make([]relay.Presence, 0, len(ps))
	for _, p := range ps {
		out = append(out, presenceFromWire(p))
	}
	return out
}

func matchFromWire(m *rtapi.Match) relay.Match {
	return relay.Match{
		MatchID:   m.MatchID,
		Self:      presenceFromWire(m.Self),
		Presences: presencesFromWire(m.Presences),
	}
}
