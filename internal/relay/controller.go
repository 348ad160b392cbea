package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrInvalidCriteria is returned for a join request missing required parameters.
var ErrInvalidCriteria = errors.New("invalid join criteria")

// ErrNotInMatch is returned by Leave when no match is active.
var ErrNotInMatch = errors.New("not in a match")

var errSuperseded = errors.New("operation superseded by logout or disconnect")

// Options configures a Controller. Zero fields take the defaults from DefaultOptions.
type Options struct {
	// QuickMatchRPC is the server function that returns {"match_id": ...}.
	QuickMatchRPC string
	// QuickMatchPayload is sent as the RPC payload.
	QuickMatchPayload map[string]any
	// Matchmaker is the ticket used by Matchmake when Criteria.Ticket is nil.
	Matchmaker MatchmakerTicket
	// SharedMatch locates the persisted shared match id. Owner is ignored; the object is global.
	SharedMatch ObjectID
	// Storage persists the shared match id. Required by EnsureSharedMatch.
	Storage Storage
	// OperationTimeout bounds connect and join operations.
	OperationTimeout time.Duration
	// MatchmakerTimeout bounds the wait for a matchmaker result.
	MatchmakerTimeout time.Duration
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		QuickMatchRPC:     "find_match",
		QuickMatchPayload: map[string]any{"kind": "public"},
		Matchmaker: MatchmakerTicket{
			Query:    "*",
			MinCount: 2,
			MaxCount: 4,
		},
		SharedMatch:       ObjectID{Collection: "matchrelay", Key: "shared_match"},
		OperationTimeout:  30 * time.Second,
		MatchmakerTimeout: 2 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.QuickMatchRPC == "" {
		o.QuickMatchRPC = d.QuickMatchRPC
	}
	if o.QuickMatchPayload == nil {
		o.QuickMatchPayload = d.QuickMatchPayload
	}
	if o.Matchmaker.Query == "" {
		o.Matchmaker.Query = d.Matchmaker.Query
	}
	if o.Matchmaker.MinCount <= 0 {
		o.Matchmaker.MinCount = d.Matchmaker.MinCount
	}
	if o.Matchmaker.MaxCount < o.Matchmaker.MinCount {
		o.Matchmaker.MaxCount = max(d.Matchmaker.MaxCount, o.Matchmaker.MinCount)
	}
	if o.SharedMatch.Collection == "" {
		o.SharedMatch.Collection = d.SharedMatch.Collection
	}
	if o.SharedMatch.Key == "" {
		o.SharedMatch.Key = d.SharedMatch.Key
	}
	o.SharedMatch.Owner = ""
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = d.OperationTimeout
	}
	if o.MatchmakerTimeout <= 0 {
		o.MatchmakerTimeout = d.MatchmakerTimeout
	}
	return o
}

// pending is a notification delivered while a join is still in flight.
type pending struct {
	data     *MatchData
	presence *PresenceUpdate
}

// Controller orchestrates authentication, match join/leave, and the two
// inbound queues. Every method is non-blocking; asynchronous work runs as a
// background Operation whose outcome is visible through the polled accessors.
// All methods are safe for concurrent use.
type Controller struct {
	backend Backend
	opts    Options
	logger  *zap.Logger

	busy atomic.Bool

	mu        sync.Mutex
	state     State
	gen       uint64
	session   *Session
	socket    Socket
	lost      chan struct{}
	match     *MatchSession
	lastMatch string
	leaving   chan struct{}
	joining   bool
	early     []pending
	matched   chan MatchmakerMatched
	lastErr   error

	events   *Queue[PresenceEvent]
	messages *Queue[MatchMessage]
}

// New creates a disconnected Controller.
//
// Precondition: backend and logger must be non-nil.
// Postcondition: Returns a Controller in the Disconnected state with empty queues.
func New(backend Backend, opts Options, logger *zap.Logger) *Controller {
	return &Controller{
		backend:  backend,
		opts:     opts.withDefaults(),
		logger:   logger,
		events:   NewQueue[PresenceEvent](),
		messages: NewQueue[MatchMessage](),
	}
}

// begin claims the single in-flight slot and runs check under the state lock.
// On any rejection the slot is released and nothing else changes.
func (c *Controller) begin(name string, check func() error) (*Operation, uint64, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, 0, ErrOperationInProgress
	}
	c.mu.Lock()
	if err := check(); err != nil {
		c.mu.Unlock()
		c.busy.Store(false)
		return nil, 0, err
	}
	c.lastErr = nil
	gen := c.gen
	c.mu.Unlock()
	return newOperation(name), gen, nil
}

// run executes fn in the background, records its failure in the error slot,
// releases the in-flight slot, and only then completes op.
func (c *Controller) run(op *Operation, gen uint64, timeout time.Duration, fn func(ctx context.Context) (*MatchSession, error)) {
	go func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		match, err := fn(ctx)
		cancel()

		if err != nil {
			c.mu.Lock()
			if gen == c.gen {
				c.lastErr = err
			}
			c.mu.Unlock()
			c.logger.Warn("relay operation failed",
				zap.String("op", op.Name()),
				zap.Error(err),
				zap.Duration("elapsed", time.Since(start)),
			)
		} else {
			c.logger.Debug("relay operation complete",
				zap.String("op", op.Name()),
				zap.Duration("elapsed", time.Since(start)),
			)
		}

		c.busy.Store(false)
		op.finish(match, err)
	}()
}

// Connect authenticates and opens a realtime socket bound to the new session.
// Re-authenticating while connected replaces the session and socket.
//
// Precondition: no operation in flight and no match active or joining.
// Postcondition: Returns a running Operation, or ErrOperationInProgress / ErrAlreadyInMatch
// without side effects. On completion the controller is Connected, or Disconnected with
// LastError holding an *AuthError or *TransportError.
func (c *Controller) Connect(creds Credentials) (*Operation, error) {
	var old Socket
	op, gen, err := c.begin("connect", func() error {
		if c.match != nil || c.joining {
			return ErrAlreadyInMatch
		}
		old = c.socket
		c.resetLocked()
		c.state = Authenticating
		return nil
	})
	if err != nil {
		return nil, err
	}
	if old != nil {
		old.SetHandlers(Handlers{})
		_ = old.Close()
	}

	c.run(op, gen, c.opts.OperationTimeout, func(ctx context.Context) (*MatchSession, error) {
		return nil, c.connect(ctx, gen, creds)
	})
	return op, nil
}

func (c *Controller) connect(ctx context.Context, gen uint64, creds Credentials) error {
	sess, err := c.backend.Authenticate(ctx, creds)
	if err != nil {
		c.failConnect(gen)
		return &AuthError{Err: err}
	}

	sock := c.backend.NewSocket()
	sock.SetHandlers(c.baseHandlers(gen))
	if err := sock.Connect(ctx, sess); err != nil {
		c.failConnect(gen)
		var te *TransportError
		if errors.As(err, &te) {
			return err
		}
		return &TransportError{Op: "connect", Err: err}
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		sock.SetHandlers(Handlers{})
		_ = sock.Close()
		return errSuperseded
	}
	c.session = &sess
	c.socket = sock
	c.lost = make(chan struct{})
	c.state = Connected
	c.mu.Unlock()

	c.logger.Info("relay connected",
		zap.String("user_id", sess.UserID),
		zap.String("username", sess.Username),
		zap.Bool("created", sess.Created),
	)
	return nil
}

func (c *Controller) failConnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.gen {
		c.state = Disconnected
	}
}

// Logout closes the socket and forgets the session. In-flight operations
// complete with an error and their results are discarded.
//
// Postcondition: State is Disconnected; queues are empty.
func (c *Controller) Logout() {
	c.mu.Lock()
	sock := c.socket
	c.resetLocked()
	c.mu.Unlock()

	if sock != nil {
		sock.SetHandlers(Handlers{})
		_ = sock.Close()
	}
	c.logger.Info("relay logged out")
}

// resetLocked returns the controller to Disconnected and invalidates the current generation.
//
// Precondition: c.mu is held.
func (c *Controller) resetLocked() {
	c.gen++
	if c.lost != nil {
		close(c.lost)
		c.lost = nil
	}
	c.session = nil
	c.socket = nil
	c.match = nil
	c.leaving = nil
	c.joining = false
	c.early = nil
	c.matched = nil
	c.state = Disconnected
	c.events.Clear()
	c.messages.Clear()
}

func (c *Controller) handleDisconnect(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	matchID := ""
	if c.match != nil {
		matchID = c.match.MatchID
	}
	sock := c.socket
	c.resetLocked()
	if err != nil {
		c.lastErr = &TransportError{Op: "disconnect", Err: err}
	}
	c.mu.Unlock()

	if sock != nil {
		sock.SetHandlers(Handlers{})
		_ = sock.Close()
	}

	c.logger.Warn("relay socket disconnected",
		zap.String("match_id", matchID),
		zap.Error(err),
	)
}

func (c *Controller) baseHandlers(gen uint64) Handlers {
	return Handlers{
		OnDisconnect: func(err error) { c.handleDisconnect(gen, err) },
	}
}

func (c *Controller) matchHandlers(gen uint64) Handlers {
	return Handlers{
		OnDisconnect:        func(err error) { c.handleDisconnect(gen, err) },
		OnMatchData:         func(d MatchData) { c.onMatchData(gen, d) },
		OnMatchPresence:     func(u PresenceUpdate) { c.onMatchPresence(gen, u) },
		OnMatchmakerMatched: func(m MatchmakerMatched) { c.onMatchmakerMatched(gen, m) },
	}
}

// JoinOrCreate starts joining a match using the given strategy.
//
// Precondition: Connected with no match active or joining, and no operation in flight.
// Postcondition: Returns a running Operation, or one of ErrOperationInProgress,
// ErrAlreadyInMatch, ErrNotConnected, ErrInvalidCriteria without side effects. On success
// the controller is InMatch and one Joined event per pre-existing remote peer is queued.
func (c *Controller) JoinOrCreate(criteria Criteria) (*Operation, error) {
	switch criteria.Strategy {
	case JoinByID:
		if criteria.MatchID == "" {
			return nil, fmt.Errorf("%w: match id required", ErrInvalidCriteria)
		}
	case CreateNew, QuickMatch, Matchmake:
	default:
		return nil, fmt.Errorf("%w: unknown strategy %d", ErrInvalidCriteria, criteria.Strategy)
	}

	sock, sess, op, gen, err := c.beginJoin(criteria.Strategy.String(), nil)
	if err != nil {
		return nil, err
	}

	timeout := c.opts.OperationTimeout
	if criteria.Strategy == Matchmake {
		timeout = c.opts.MatchmakerTimeout
	}
	c.run(op, gen, timeout, func(ctx context.Context) (*MatchSession, error) {
		m, err := c.obtainMatch(ctx, sock, sess, criteria)
		if err != nil {
			c.abortJoin(gen, sock)
			return nil, err
		}
		return c.activate(gen, sock, m)
	})
	return op, nil
}

// beginJoin claims the in-flight slot for a join-type operation and installs
// the match handlers so that notifications racing the join are stashed.
func (c *Controller) beginJoin(name string, extra func() error) (Socket, Session, *Operation, uint64, error) {
	var (
		sock Socket
		sess Session
	)
	op, gen, err := c.begin(name, func() error {
		if c.socket == nil || c.session == nil {
			return ErrNotConnected
		}
		if c.match != nil || c.joining {
			return ErrAlreadyInMatch
		}
		if extra != nil {
			if err := extra(); err != nil {
				return err
			}
		}
		sock = c.socket
		sess = *c.session
		c.joining = true
		c.early = nil
		c.state = Joining
		return nil
	})
	if err != nil {
		return nil, Session{}, nil, 0, err
	}
	sock.SetHandlers(c.matchHandlers(gen))
	return sock, sess, op, gen, nil
}

func (c *Controller) obtainMatch(ctx context.Context, sock Socket, sess Session, criteria Criteria) (Match, error) {
	switch criteria.Strategy {
	case JoinByID:
		return c.joinMatch(ctx, sock, criteria.MatchID, "")
	case CreateNew:
		return c.createMatch(ctx, sock)
	case QuickMatch:
		id, err := c.quickMatchID(ctx, sess)
		if err != nil {
			return Match{}, err
		}
		return c.joinMatch(ctx, sock, id, "")
	case Matchmake:
		ticket := c.opts.Matchmaker
		if criteria.Ticket != nil {
			ticket = *criteria.Ticket
		}
		return c.matchmake(ctx, sock, ticket)
	}
	return Match{}, ErrInvalidCriteria
}

// awaitLeave blocks until the last remote leave sent on the current socket
// has been answered, so a following join or create reaches the server after it.
func (c *Controller) awaitLeave(ctx context.Context) error {
	c.mu.Lock()
	left := c.leaving
	c.mu.Unlock()
	if left == nil {
		return nil
	}
	select {
	case <-left:
		return nil
	case <-ctx.Done():
		return &TransportError{Op: "await leave", Err: ctx.Err()}
	}
}

func (c *Controller) joinMatch(ctx context.Context, sock Socket, matchID, token string) (Match, error) {
	if err := c.awaitLeave(ctx); err != nil {
		return Match{}, err
	}
	m, err := sock.JoinMatch(ctx, matchID, token)
	if err != nil {
		return Match{}, classifyMatchErr(matchID, err)
	}
	return m, nil
}

func (c *Controller) createMatch(ctx context.Context, sock Socket) (Match, error) {
	if err := c.awaitLeave(ctx); err != nil {
		return Match{}, err
	}
	m, err := sock.CreateMatch(ctx)
	if err != nil {
		return Match{}, classifyMatchErr("", err)
	}
	return m, nil
}

// classifyMatchErr keeps transport failures as *TransportError and reports
// everything else as a server rejection.
func classifyMatchErr(matchID string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &MatchError{MatchID: matchID, Err: err}
}

func (c *Controller) quickMatchID(ctx context.Context, sess Session) (string, error) {
	payload, err := structpb.NewStruct(c.opts.QuickMatchPayload)
	if err != nil {
		return "", &MatchError{Err: fmt.Errorf("encoding quick match payload: %w", err)}
	}
	resp, err := c.backend.RPC(ctx, sess, c.opts.QuickMatchRPC, payload)
	if err != nil {
		return "", &MatchError{Err: fmt.Errorf("rpc %s: %w", c.opts.QuickMatchRPC, err)}
	}
	id := resp.GetFields()["match_id"].GetStringValue()
	if id == "" {
		return "", &MatchError{Err: fmt.Errorf("rpc %s returned no match id", c.opts.QuickMatchRPC)}
	}
	return id, nil
}

func (c *Controller) matchmake(ctx context.Context, sock Socket, ticket MatchmakerTicket) (Match, error) {
	matched := make(chan MatchmakerMatched, 8)
	c.mu.Lock()
	c.matched = matched
	lost := c.lost
	c.mu.Unlock()

	id, err := sock.AddMatchmaker(ctx, ticket)
	if err != nil {
		return Match{}, classifyMatchErr("", err)
	}
	c.logger.Info("matchmaker ticket added",
		zap.String("ticket", id),
		zap.String("query", ticket.Query),
		zap.Int("min_count", ticket.MinCount),
		zap.Int("max_count", ticket.MaxCount),
	)

	for {
		select {
		case mm := <-matched:
			if mm.Ticket != "" && mm.Ticket != id {
				continue
			}
			return c.joinMatch(ctx, sock, mm.MatchID, mm.Token)
		case <-lost:
			return Match{}, errSuperseded
		case <-ctx.Done():
			return Match{}, &MatchError{Err: fmt.Errorf("waiting for matchmaker: %w", ctx.Err())}
		}
	}
}

func (c *Controller) onMatchmakerMatched(gen uint64, mm MatchmakerMatched) {
	c.mu.Lock()
	ch := c.matched
	ok := gen == c.gen
	c.mu.Unlock()
	if !ok || ch == nil {
		return
	}
	select {
	case ch <- mm:
	default:
	}
}

// abortJoin rolls a failed join back to Connected.
func (c *Controller) abortJoin(gen uint64, sock Socket) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.joining = false
	c.early = nil
	c.matched = nil
	c.state = Connected
	c.mu.Unlock()
	sock.SetHandlers(c.baseHandlers(gen))
}

// activate installs m as the active match, seeds one Joined event per remote
// peer already present, then replays notifications stashed during the join.
func (c *Controller) activate(gen uint64, sock Socket, m Match) (*MatchSession, error) {
	c.mu.Lock()
	if gen != c.gen || !c.joining {
		c.mu.Unlock()
		go c.leaveRemote(sock, m.MatchID, nil)
		return nil, errSuperseded
	}

	ms := &MatchSession{
		MatchID: m.MatchID,
		Self:    m.Self,
		Peers:   make(map[string]Presence, len(m.Presences)),
	}
	for _, p := range m.Presences {
		if p.SessionID == m.Self.SessionID {
			continue
		}
		ms.Peers[p.SessionID] = p
		c.events.Push(PresenceEvent{Kind: PeerJoined, MatchID: ms.MatchID, PeerID: p.SessionID, Username: p.Username})
	}
	c.match = ms
	c.lastMatch = ms.MatchID
	c.joining = false
	c.matched = nil
	c.state = InMatch

	early := c.early
	c.early = nil
	for _, p := range early {
		switch {
		case p.data != nil && p.data.MatchID == ms.MatchID:
			c.applyDataLocked(*p.data)
		case p.presence != nil && p.presence.MatchID == ms.MatchID:
			u := *p.presence
			c.applyPresenceLocked(PresenceUpdate{MatchID: u.MatchID, Leaves: u.Leaves})
			// A stashed join for a peer that is still present was already reported.
			joins := u.Joins[:0:0]
			for _, j := range u.Joins {
				if _, present := c.match.Peers[j.SessionID]; !present {
					joins = append(joins, j)
				}
			}
			c.applyPresenceLocked(PresenceUpdate{MatchID: u.MatchID, Joins: joins})
		}
	}
	snapshot := ms.clone()
	c.mu.Unlock()

	c.logger.Info("relay joined match",
		zap.String("match_id", snapshot.MatchID),
		zap.String("self", snapshot.Self.SessionID),
		zap.Int("peers", len(snapshot.Peers)),
	)
	return &snapshot, nil
}

func (c *Controller) onMatchData(gen uint64, d MatchData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if c.match == nil {
		if c.joining {
			c.early = append(c.early, pending{data: &d})
		}
		return
	}
	if d.MatchID != c.match.MatchID {
		c.logger.Debug("dropping match data for stale match",
			zap.String("match_id", d.MatchID),
			zap.String("active", c.match.MatchID),
		)
		return
	}
	c.applyDataLocked(d)
}

func (c *Controller) onMatchPresence(gen uint64, u PresenceUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if c.match == nil {
		if c.joining {
			c.early = append(c.early, pending{presence: &u})
		}
		return
	}
	if u.MatchID != c.match.MatchID {
		c.logger.Debug("dropping presence for stale match",
			zap.String("match_id", u.MatchID),
			zap.String("active", c.match.MatchID),
		)
		return
	}
	c.applyPresenceLocked(u)
}

// Precondition: c.mu is held and c.match is non-nil.
func (c *Controller) applyDataLocked(d MatchData) {
	c.messages.Push(MatchMessage{
		MatchID:  c.match.MatchID,
		OpCode:   d.OpCode,
		Data:     d.Data,
		SenderID: d.Presence.SessionID,
	})
}

// applyPresenceLocked records leaves before joins, as a single notification
// may carry both. The local peer never produces an event.
//
// Precondition: c.mu is held and c.match is non-nil.
func (c *Controller) applyPresenceLocked(u PresenceUpdate) {
	self := c.match.Self.SessionID
	for _, p := range u.Leaves {
		if p.SessionID == self {
			continue
		}
		name := p.Username
		if known, ok := c.match.Peers[p.SessionID]; ok && name == "" {
			name = known.Username
		}
		delete(c.match.Peers, p.SessionID)
		c.events.Push(PresenceEvent{Kind: PeerLeft, MatchID: c.match.MatchID, PeerID: p.SessionID, Username: name})
	}
	for _, p := range u.Joins {
		if p.SessionID == self {
			continue
		}
		c.match.Peers[p.SessionID] = p
		c.events.Push(PresenceEvent{Kind: PeerJoined, MatchID: c.match.MatchID, PeerID: p.SessionID, Username: p.Username})
	}
}

// Leave unregisters the match callbacks, clears the active match, and
// discards anything still buffered for it. The server-side leave is sent in
// the background and its failure is only logged. The next join or create on
// the same socket waits for that leave to be answered.
//
// Postcondition: IsConnected is false; returns ErrNotInMatch when no match was active.
func (c *Controller) Leave() error {
	c.mu.Lock()
	m := c.match
	sock := c.socket
	gen := c.gen
	c.mu.Unlock()
	if m == nil || sock == nil {
		return ErrNotInMatch
	}

	sock.SetHandlers(c.baseHandlers(gen))

	c.mu.Lock()
	if c.match != m {
		c.mu.Unlock()
		return ErrNotInMatch
	}
	c.match = nil
	c.state = Connected
	left := make(chan struct{})
	c.leaving = left
	droppedEvents := c.events.Clear()
	droppedMessages := c.messages.Clear()
	c.mu.Unlock()

	c.logger.Info("relay left match",
		zap.String("match_id", m.MatchID),
		zap.Int("dropped_events", droppedEvents),
		zap.Int("dropped_messages", droppedMessages),
	)
	go c.leaveRemote(sock, m.MatchID, left)
	return nil
}

// leaveRemote sends the server-side leave and then closes done, if non-nil.
func (c *Controller) leaveRemote(sock Socket, matchID string, done chan struct{}) {
	if done != nil {
		defer close(done)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.OperationTimeout)
	defer cancel()
	if err := sock.LeaveMatch(ctx, matchID); err != nil {
		c.logger.Warn("leaving match",
			zap.String("match_id", matchID),
			zap.Error(err),
		)
	}
}

// Send forwards a match-state message to the active match. Without an active
// match the call is dropped and logged; transport failures are logged too.
// Outbound state is best-effort, so nothing is ever returned to the caller.
func (c *Controller) Send(opCode int64, data []byte) {
	c.mu.Lock()
	var matchID string
	if c.match != nil {
		matchID = c.match.MatchID
	}
	sock := c.socket
	c.mu.Unlock()

	if matchID == "" || sock == nil {
		c.logger.Warn("send without match dropped",
			zap.Int64("opcode", opCode),
			zap.Int("bytes", len(data)),
		)
		return
	}
	if err := sock.SendMatchState(matchID, opCode, data); err != nil {
		c.logger.Warn("sending match state",
			zap.String("match_id", matchID),
			zap.Int64("opcode", opCode),
			zap.Error(err),
		)
	}
}

// currentMatchID is the active match id, or the most recently active one.
func (c *Controller) currentMatchID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.match != nil {
		return c.match.MatchID
	}
	return c.lastMatch
}

// PollEvent dequeues the oldest presence event. Never blocks.
func (c *Controller) PollEvent() (PresenceEvent, bool) {
	current := c.currentMatchID()
	return c.events.PopFunc(func(e PresenceEvent) bool { return e.MatchID == current })
}

// PollMessage dequeues the oldest match-state message. Never blocks.
func (c *Controller) PollMessage() (MatchMessage, bool) {
	current := c.currentMatchID()
	return c.messages.PopFunc(func(m MatchMessage) bool { return m.MatchID == current })
}

// IsConnected reports whether a match is active.
func (c *Controller) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.match != nil
}

// Authenticated reports whether a session with an open socket exists.
func (c *Controller) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.socket != nil
}

// InProgress reports whether a background operation is running.
func (c *Controller) InProgress() bool {
	return c.busy.Load()
}

// State returns the connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the failure of the most recent operation, or nil.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Session returns the current session.
func (c *Controller) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// SelfID returns the local peer id within the active match.
func (c *Controller) SelfID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.match == nil {
		return "", false
	}
	return c.match.Self.SessionID, true
}

// MatchID returns the active match id.
func (c *Controller) MatchID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.match == nil {
		return "", false
	}
	return c.match.MatchID, true
}

// Match returns a snapshot of the active match.
func (c *Controller) Match() (MatchSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.match == nil {
		return MatchSession{}, false
	}
	return c.match.clone(), true
}

// Go runs fn in the background under the same in-flight slot as the match
// operations, with the current session. Its failure lands in LastError.
//
// Precondition: authenticated and no operation in flight.
func (c *Controller) Go(name string, fn func(ctx context.Context, sess Session) error) (*Operation, error) {
	var sess Session
	op, gen, err := c.begin(name, func() error {
		if c.session == nil {
			return ErrNotAuthenticated
		}
		sess = *c.session
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.run(op, gen, c.opts.OperationTimeout, func(ctx context.Context) (*MatchSession, error) {
		return nil, fn(ctx, sess)
	})
	return op, nil
}
