// Package host is the flat call surface a game host binds: synchronous,
// non-blocking functions over one relay Controller, the leaderboard helpers,
// and the raw WebSocket and HTTP shims. Failures never cross the boundary as
// panics; they are left for Error to report.
package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/matchrelay/internal/client"
	"github.com/cory-johannsen/matchrelay/internal/config"
	"github.com/cory-johannsen/matchrelay/internal/netshim"
	"github.com/cory-johannsen/matchrelay/internal/relay"
)

// Name is the plugin name the host registers.
const Name = "matchrelay"

// Plugin version components.
const (
	VersionMajor = 0
	VersionMinor = 1
	VersionPatch = 1
)

// Version returns "major.minor.patch".
func Version() string {
	return fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
}

// PackedVersion returns the version as major<<24 | minor<<16 | patch.
func PackedVersion() uint32 {
	return VersionMajor<<24 | VersionMinor<<16 | VersionPatch
}

// ErrNotConfigured is reported by calls made before Configure.
var ErrNotConfigured = errors.New("plugin not configured")

// LeaderboardEntry is one row of LeaderboardRecords.
type LeaderboardEntry struct {
	Username string `json:"username"`
	Score    int64  `json:"score"`
}

// Plugin is one host-facing relay instance. All methods are safe for
// concurrent use and return without waiting on the network.
type Plugin struct {
	logger *zap.Logger
	cfg    config.RelayConfig
	ws     *netshim.WSConn
	http   *netshim.HTTP

	mu      sync.Mutex
	api     *client.Client
	ctrl    *relay.Controller
	err     error
	records []LeaderboardEntry
}

// New creates an unconfigured Plugin with the default relay settings.
//
// Precondition: logger must be non-nil.
func New(logger *zap.Logger) *Plugin {
	return NewWithConfig(DefaultRelayConfig(), logger)
}

// NewWithConfig creates an unconfigured Plugin with cfg.
//
// Precondition: logger must be non-nil.
func NewWithConfig(cfg config.RelayConfig, logger *zap.Logger) *Plugin {
	if cfg.LeaderboardPages <= 0 {
		cfg.LeaderboardPages = 2
	}
	if cfg.LeaderboardPageSize <= 0 || cfg.LeaderboardPageSize > 100 {
		cfg.LeaderboardPageSize = 100
	}
	return &Plugin{
		logger: logger.With(zap.String("plugin", Name)),
		cfg:    cfg,
		ws:     netshim.NewWSConn(logger),
		http:   netshim.NewHTTP(0, 0, logger),
	}
}

// DefaultRelayConfig returns the relay section of the configuration defaults.
func DefaultRelayConfig() config.RelayConfig {
	var cfg config.RelayConfig
	_ = config.Defaults().UnmarshalKey("relay", &cfg)
	return cfg
}

// Configure points the plugin at a backend. Reconfiguring logs out the
// previous session.
//
// Postcondition: On invalid arguments the plugin stays as it was and Error reports why.
func (p *Plugin) Configure(key, server string, port int, protocol string) {
	cc := config.ClientConfig{
		ServerKey: key,
		Host:      server,
		Port:      port,
		Protocol:  protocol,
		Timeout:   10 * time.Second,
	}
	if err := validateClient(cc); err != nil {
		p.fail("configure", err)
		return
	}

	api := client.New(cc, p.logger)
	ctrl := relay.New(api, relay.Options{
		QuickMatchRPC: p.cfg.QuickMatchRPC,
		Matchmaker: relay.MatchmakerTicket{
			Query:    p.cfg.MatchmakerQuery,
			MinCount: p.cfg.MatchmakerMin,
			MaxCount: p.cfg.MatchmakerMax,
		},
		SharedMatch:       relay.ObjectID{Collection: p.cfg.SharedCollection, Key: p.cfg.SharedKey},
		Storage:           api,
		OperationTimeout:  p.cfg.OperationTimeout,
		MatchmakerTimeout: p.cfg.MatchmakerTimeout,
	}, p.logger)

	p.mu.Lock()
	old := p.ctrl
	p.api = api
	p.ctrl = ctrl
	p.err = nil
	p.records = nil
	p.mu.Unlock()

	if old != nil {
		old.Logout()
	}
	p.logger.Info("plugin configured",
		zap.String("server", server),
		zap.Int("port", port),
		zap.String("protocol", protocol),
	)
}

func validateClient(cc config.ClientConfig) error {
	switch {
	case cc.Host == "":
		return errors.New("server is required")
	case cc.Port < 1 || cc.Port > 65535:
		return fmt.Errorf("port %d out of range", cc.Port)
	case cc.Protocol != "http" && cc.Protocol != "https":
		return fmt.Errorf("protocol %q must be http or https", cc.Protocol)
	}
	return nil
}

// controller returns the configured controller, or records ErrNotConfigured.
func (p *Plugin) controller(call string) (*relay.Controller, bool) {
	ctrl, _, ok := p.configured(call)
	return ctrl, ok
}

func (p *Plugin) configured(call string) (*relay.Controller, *client.Client, bool) {
	p.mu.Lock()
	ctrl, api := p.ctrl, p.api
	p.mu.Unlock()
	if ctrl == nil {
		p.fail(call, ErrNotConfigured)
		return nil, nil, false
	}
	return ctrl, api, true
}

func (p *Plugin) fail(call string, err error) {
	p.mu.Lock()
	p.err = fmt.Errorf("%s: %w", call, err)
	p.mu.Unlock()
	p.logger.Warn("plugin call rejected", zap.String("call", call), zap.Error(err))
}

// started clears the call-level error after an operation was accepted.
func (p *Plugin) started(err error, call string) {
	if err != nil {
		p.fail(call, err)
		return
	}
	p.mu.Lock()
	p.err = nil
	p.mu.Unlock()
}

// Authenticate logs in with an existing account.
func (p *Plugin) Authenticate(email, password string) {
	p.connect("authenticate", relay.Credentials{Email: email, Password: password})
}

// Register creates an account and logs in with it.
func (p *Plugin) Register(email, password, username string) {
	p.connect("register", relay.Credentials{Email: email, Password: password, Create: true, Username: username})
}

func (p *Plugin) connect(call string, creds relay.Credentials) {
	ctrl, ok := p.controller(call)
	if !ok {
		return
	}
	_, err := ctrl.Connect(creds)
	p.started(err, call)
}

// Logout drops the session, the socket, and any active match.
func (p *Plugin) Logout() {
	if ctrl, ok := p.controller("logout"); ok {
		ctrl.Logout()
	}
}

// JoinQuickMatch asks the server for an open match and joins it.
func (p *Plugin) JoinQuickMatch() {
	p.join("join_quick_match", relay.Criteria{Strategy: relay.QuickMatch})
}

// JoinMatch joins the match with id.
func (p *Plugin) JoinMatch(id string) {
	p.join("join_match", relay.Criteria{Strategy: relay.JoinByID, MatchID: id})
}

// CreatePrivateMatch creates a new match and joins it.
func (p *Plugin) CreatePrivateMatch() {
	p.join("create_private_match", relay.Criteria{Strategy: relay.CreateNew})
}

// AddMatchmaker submits a matchmaker ticket and joins the match it yields.
// Zero counts and an empty query take the configured defaults; properties is
// a JSON object of string values, or empty.
func (p *Plugin) AddMatchmaker(minCount, maxCount int, query, properties string) {
	ticket := relay.MatchmakerTicket{
		Query:    p.cfg.MatchmakerQuery,
		MinCount: p.cfg.MatchmakerMin,
		MaxCount: p.cfg.MatchmakerMax,
	}
	if query != "" {
		ticket.Query = query
	}
	if minCount > 0 {
		ticket.MinCount = minCount
	}
	if maxCount > 0 {
		ticket.MaxCount = maxCount
	}
	if properties != "" {
		if err := json.Unmarshal([]byte(properties), &ticket.StringProperties); err != nil {
			p.fail("add_matchmaker", fmt.Errorf("decoding properties: %w", err))
			return
		}
	}
	p.join("add_matchmaker", relay.Criteria{Strategy: relay.Matchmake, Ticket: &ticket})
}

func (p *Plugin) join(call string, criteria relay.Criteria) {
	ctrl, ok := p.controller(call)
	if !ok {
		return
	}
	_, err := ctrl.JoinOrCreate(criteria)
	p.started(err, call)
}

// EnsureSharedMatch joins the shared match, creating it when missing or stale.
func (p *Plugin) EnsureSharedMatch() {
	ctrl, ok := p.controller("ensure_shared_match")
	if !ok {
		return
	}
	_, err := ctrl.EnsureSharedMatch()
	p.started(err, "ensure_shared_match")
}

// LeaveMatch leaves the active match.
func (p *Plugin) LeaveMatch() {
	ctrl, ok := p.controller("leave_match")
	if !ok {
		return
	}
	p.started(ctrl.Leave(), "leave_match")
}

// Send relays data to the active match. Without one it is dropped and logged.
func (p *Plugin) Send(opCode int64, data []byte) {
	if ctrl, ok := p.controller("send"); ok {
		ctrl.Send(opCode, data)
	}
}

// TryRecv takes the oldest match-state message.
func (p *Plugin) TryRecv() (relay.MatchMessage, bool) {
	ctrl := p.current()
	if ctrl == nil {
		return relay.MatchMessage{}, false
	}
	return ctrl.PollMessage()
}

// Events takes the oldest presence event.
func (p *Plugin) Events() (relay.PresenceEvent, bool) {
	ctrl := p.current()
	if ctrl == nil {
		return relay.PresenceEvent{}, false
	}
	return ctrl.PollEvent()
}

// current returns the controller without recording an error.
func (p *Plugin) current() *relay.Controller {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctrl
}

// InProgress reports whether a background operation is running.
func (p *Plugin) InProgress() bool {
	ctrl := p.current()
	return ctrl != nil && ctrl.InProgress()
}

// Authenticated reports whether a session with an open socket exists.
func (p *Plugin) Authenticated() bool {
	ctrl := p.current()
	return ctrl != nil && ctrl.Authenticated()
}

// Connected reports whether a match is active.
func (p *Plugin) Connected() bool {
	ctrl := p.current()
	return ctrl != nil && ctrl.IsConnected()
}

// SelfID returns the local peer id in the active match, or "".
func (p *Plugin) SelfID() string {
	ctrl := p.current()
	if ctrl == nil {
		return ""
	}
	id, _ := ctrl.SelfID()
	return id
}

// MatchID returns the active match id, or "".
func (p *Plugin) MatchID() string {
	ctrl := p.current()
	if ctrl == nil {
		return ""
	}
	id, _ := ctrl.MatchID()
	return id
}

// Username returns the session's username, or "".
func (p *Plugin) Username() string {
	ctrl := p.current()
	if ctrl == nil {
		return ""
	}
	sess, _ := ctrl.Session()
	return sess.Username
}

// Error returns the most recent failure: a rejected call, or else the
// outcome of the last background operation.
func (p *Plugin) Error() (string, bool) {
	p.mu.Lock()
	err, ctrl := p.err, p.ctrl
	p.mu.Unlock()
	if err == nil && ctrl != nil {
		err = ctrl.LastError()
	}
	if err == nil {
		return "", false
	}
	return err.Error(), true
}

// Close logs out and closes the raw WebSocket.
func (p *Plugin) Close() {
	if ctrl := p.current(); ctrl != nil {
		ctrl.Logout()
	}
	p.ws.Close()
}
