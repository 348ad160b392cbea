package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/cory-johannsen/matchrelay/internal/rtapi"
)

var errSessionClosed = errors.New("session closed")

// handleSocket upgrades an authenticated request to a realtime socket and
// serves it until either side closes.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.tokens.Parse(r.URL.Query().Get("token"))
	if err != nil {
		s.metrics.HTTPRequests.WithLabelValues("/ws", strconv.Itoa(http.StatusUnauthorized)).Inc()
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("accepting realtime socket", zap.Error(err))
		return
	}
	s.metrics.HTTPRequests.WithLabelValues("/ws", strconv.Itoa(http.StatusSwitchingProtocols)).Inc()

	sess := NewSession(uuid.NewString(), claims.UserID, claims.Username, s.cfg.SessionBuffer)
	if err := s.sessions.Add(sess); err != nil {
		conn.Close(websocket.StatusInternalError, err.Error())
		return
	}
	s.metrics.Sessions.Inc()
	s.logger.Info("realtime session opened",
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.UserID),
	)

	err = s.serveSocket(r.Context(), conn, sess)

	s.matchmaker.RemoveAll(sess)
	s.matches.LeaveAll(sess)
	_ = s.sessions.Remove(sess.ID)
	s.metrics.Sessions.Dec()
	conn.Close(websocket.StatusNormalClosure, "")

	s.logger.Info("realtime session closed",
		zap.String("session_id", sess.ID),
		zap.NamedError("cause", err),
	)
}

// serveSocket runs the reader and the writer until one of them fails.
func (s *Server) serveSocket(ctx context.Context, conn *websocket.Conn, sess *Session) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case env, ok := <-sess.Outbound():
				if !ok {
					return errSessionClosed
				}
				if err := wsjson.Write(ctx, conn, env); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		for {
			var env rtapi.Envelope
			if err := wsjson.Read(ctx, conn, &env); err != nil {
				return err
			}
			s.dispatch(sess, &env)
		}
	})

	err := g.Wait()
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
		return nil
	}
	return err
}

// dispatch handles one client request. Replies and errors are pushed to sess.
func (s *Server) dispatch(sess *Session, env *rtapi.Envelope) {
	kind, err := env.Kind()
	if err != nil {
		s.reply(sess, env.Cid, rtapi.CodeUnrecognizedPayload, err)
		return
	}

	switch kind {
	case "match_create":
		if _, err := s.matches.Create(sess, env.Cid); err != nil {
			s.reply(sess, env.Cid, rtapi.CodeRuntimeException, err)
		}

	case "match_join":
		matchID := env.MatchJoin.MatchID
		if env.MatchJoin.Token != "" {
			id, err := s.tokens.ParseMatch(env.MatchJoin.Token)
			if err != nil {
				s.reply(sess, env.Cid, rtapi.CodeMatchJoinRejected, err)
				return
			}
			matchID = id
		}
		if matchID == "" {
			s.reply(sess, env.Cid, rtapi.CodeBadInput, errors.New("match id or token required"))
			return
		}
		if _, err := s.matches.Join(sess, env.Cid, matchID); err != nil {
			code := rtapi.CodeMatchJoinRejected
			if errors.Is(err, ErrMatchNotFound) {
				code = rtapi.CodeMatchNotFound
			}
			s.reply(sess, env.Cid, code, err)
		}

	case "match_leave":
		if err := s.matches.Leave(sess, env.MatchLeave.MatchID); err != nil {
			s.reply(sess, env.Cid, rtapi.CodeMatchNotFound, err)
			return
		}
		s.push(sess, &rtapi.Envelope{Cid: env.Cid, Ack: &rtapi.Ack{}})

	case "match_data_send":
		d := env.MatchDataSend
		if _, err := s.matches.Relay(sess, d.MatchID, d.OpCode, d.Data); err != nil {
			s.logger.Debug("match data not relayed",
				zap.String("session_id", sess.ID),
				zap.String("match_id", d.MatchID),
				zap.Error(err),
			)
		}

	case "matchmaker_add":
		if _, err := s.matchmaker.Add(sess, env.Cid, *env.MatchmakerAdd); err != nil {
			s.reply(sess, env.Cid, rtapi.CodeMatchmakerBadRequest, err)
		}

	default:
		s.reply(sess, env.Cid, rtapi.CodeUnrecognizedPayload, errors.New("unexpected "+kind+" from client"))
	}
}

// writeError writes the API error body outside the gin engine.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rtapi.APIError{Error: msg, Code: status})
}

func (s *Server) reply(sess *Session, cid string, code int, err error) {
	s.push(sess, &rtapi.Envelope{Cid: cid, Error: &rtapi.Error{Code: code, Message: err.Error()}})
}

func (s *Server) push(sess *Session, env *rtapi.Envelope) {
	if err := sess.Push(env); err != nil {
		s.logger.Warn("dropping realtime reply",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
	}
}
