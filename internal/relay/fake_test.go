package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

var errBadPassword = errors.New("bad password")

// fakeServer is an in-memory Backend and Storage with just enough match
// bookkeeping to exercise the controller.
type fakeServer struct {
	mu         sync.Mutex
	matches    map[string][]Presence
	objects    map[ObjectID]Object
	nextID     int
	nextSID    int
	authErr    error
	connectErr error
	rpcMatchID string
	rpcCalls   []string
	sockets    []*fakeSocket
	// gate, when non-nil, holds CreateMatch and JoinMatch until closed.
	gate chan struct{}
	// leaveGate, when non-nil, holds LeaveMatch until closed.
	leaveGate chan struct{}
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		matches: make(map[string][]Presence),
		objects: make(map[ObjectID]Object),
	}
}

func (s *fakeServer) Authenticate(_ context.Context, creds Credentials) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authErr != nil {
		return Session{}, s.authErr
	}
	return Session{Token: "tok-" + creds.Email, UserID: "user-" + creds.Email, Username: creds.Username}, nil
}

func (s *fakeServer) RPC(_ context.Context, _ Session, id string, _ *structpb.Struct) (*structpb.Struct, error) {
	s.mu.Lock()
	s.rpcCalls = append(s.rpcCalls, id)
	matchID := s.rpcMatchID
	s.mu.Unlock()
	return structpb.NewStruct(map[string]any{"match_id": matchID})
}

func (s *fakeServer) NewSocket() Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSID++
	sock := &fakeSocket{srv: s, sid: fmt.Sprintf("sid-%d", s.nextSID)}
	s.sockets = append(s.sockets, sock)
	return sock
}

func (s *fakeServer) lastSocket() *fakeSocket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sockets[len(s.sockets)-1]
}

// addPeer places a remote presence into an existing or new match.
func (s *fakeServer) addPeer(matchID string, p Presence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches[matchID] = append(s.matches[matchID], p)
}

func (s *fakeServer) ReadObject(_ context.Context, _ Session, id ObjectID) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok {
		return Object{}, fmt.Errorf("reading %s/%s: %w", id.Collection, id.Key, ErrObjectNotFound)
	}
	return obj, nil
}

func (s *fakeServer) WriteObject(_ context.Context, sess Session, w ObjectWrite) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner := sess.UserID
	if w.Global {
		owner = ""
	}
	id := ObjectID{Collection: w.Collection, Key: w.Key, Owner: owner}
	obj := Object{ObjectID: id, Value: w.Value, PermissionRead: w.PermissionRead, PermissionWrite: w.PermissionWrite}
	s.objects[id] = obj
	return obj, nil
}

type sentState struct {
	matchID string
	opCode  int64
	data    []byte
}

type fakeSocket struct {
	srv *fakeServer
	sid string

	mu       sync.Mutex
	h        Handlers
	sess     Session
	closed   bool
	sends    []sentState
	leaves   []string
	tickets  []MatchmakerTicket
	handlers int
}

func (f *fakeSocket) self() Presence {
	return Presence{UserID: f.sess.UserID, SessionID: f.sid, Username: f.sess.Username}
}

func (f *fakeSocket) Connect(_ context.Context, sess Session) error {
	f.srv.mu.Lock()
	err := f.srv.connectErr
	f.srv.mu.Unlock()
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sess = sess
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) SetHandlers(h Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.h = h
	f.handlers++
}

func (f *fakeSocket) waitGate(ctx context.Context) error {
	f.srv.mu.Lock()
	gate := f.srv.gate
	f.srv.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeSocket) CreateMatch(ctx context.Context) (Match, error) {
	if err := f.waitGate(ctx); err != nil {
		return Match{}, err
	}
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	f.srv.nextID++
	id := fmt.Sprintf("match-%d.", f.srv.nextID)
	self := f.self()
	f.srv.matches[id] = []Presence{self}
	return Match{MatchID: id, Self: self, Presences: []Presence{self}}, nil
}

func (f *fakeSocket) JoinMatch(ctx context.Context, matchID, token string) (Match, error) {
	if err := f.waitGate(ctx); err != nil {
		return Match{}, err
	}
	if token != "" {
		matchID = token
	}
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	ps, ok := f.srv.matches[matchID]
	if !ok {
		return Match{}, fmt.Errorf("join %s: %w", matchID, ErrMatchNotFound)
	}
	self := f.self()
	ps = append(ps, self)
	f.srv.matches[matchID] = ps
	return Match{MatchID: matchID, Self: self, Presences: append([]Presence(nil), ps...)}, nil
}

func (f *fakeSocket) LeaveMatch(ctx context.Context, matchID string) error {
	f.srv.mu.Lock()
	gate := f.srv.leaveGate
	f.srv.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	f.leaves = append(f.leaves, matchID)
	f.mu.Unlock()

	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	ps := f.srv.matches[matchID]
	out := ps[:0]
	for _, p := range ps {
		if p.SessionID != f.sid {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		delete(f.srv.matches, matchID)
	} else {
		f.srv.matches[matchID] = out
	}
	return nil
}

// memberCount reports how many times sid appears in matchID's presences.
func (s *fakeServer) memberCount(matchID, sid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.matches[matchID] {
		if p.SessionID == sid {
			n++
		}
	}
	return n
}

func (f *fakeSocket) SendMatchState(matchID string, opCode int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentState{matchID: matchID, opCode: opCode, data: data})
	return nil
}

func (f *fakeSocket) AddMatchmaker(_ context.Context, t MatchmakerTicket) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickets = append(f.tickets, t)
	return fmt.Sprintf("ticket-%d", len(f.tickets)), nil
}

func (f *fakeSocket) handlersSnapshot() Handlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.h
}

func (f *fakeSocket) deliverPresence(u PresenceUpdate) {
	if h := f.handlersSnapshot(); h.OnMatchPresence != nil {
		h.OnMatchPresence(u)
	}
}

func (f *fakeSocket) deliverData(d MatchData) {
	if h := f.handlersSnapshot(); h.OnMatchData != nil {
		h.OnMatchData(d)
	}
}

func (f *fakeSocket) deliverMatched(m MatchmakerMatched) {
	if h := f.handlersSnapshot(); h.OnMatchmakerMatched != nil {
		h.OnMatchmakerMatched(m)
	}
}

func (f *fakeSocket) deliverDisconnect(err error) {
	if h := f.handlersSnapshot(); h.OnDisconnect != nil {
		h.OnDisconnect(err)
	}
}

func (f *fakeSocket) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func awaitOp(op *Operation) error {
	select {
	case <-op.Done():
		return op.Err()
	case <-time.After(3 * time.Second):
		return errors.New("operation did not complete")
	}
}
