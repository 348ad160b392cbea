package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrNoStorage is returned by EnsureSharedMatch when Options.Storage is nil.
var ErrNoStorage = errors.New("no storage configured")

type sharedMatchValue struct {
	MatchID string `json:"match_id"`
}

// EnsureSharedMatch joins the shared singleton match: it reads the persisted
// match id, tries to join it, and when there is none or the server rejects it
// as stale, creates a new match and overwrites the persisted id.
//
// Precondition: same as JoinOrCreate; Options.Storage must be set.
// Postcondition: Returns a running Operation or a precondition error without side effects.
func (c *Controller) EnsureSharedMatch() (*Operation, error) {
	storage := c.opts.Storage
	sock, sess, op, gen, err := c.beginJoin("shared_match", func() error {
		if storage == nil {
			return ErrNoStorage
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.run(op, gen, c.opts.OperationTimeout, func(ctx context.Context) (*MatchSession, error) {
		m, err := c.sharedMatch(ctx, storage, sock, sess)
		if err != nil {
			c.abortJoin(gen, sock)
			return nil, err
		}
		return c.activate(gen, sock, m)
	})
	return op, nil
}

func (c *Controller) sharedMatch(ctx context.Context, storage Storage, sock Socket, sess Session) (Match, error) {
	id := c.opts.SharedMatch

	obj, err := storage.ReadObject(ctx, sess, id)
	switch {
	case err == nil:
		var v sharedMatchValue
		if jerr := json.Unmarshal([]byte(obj.Value), &v); jerr != nil || v.MatchID == "" {
			c.logger.Warn("ignoring malformed shared match object",
				zap.String("collection", id.Collection),
				zap.String("key", id.Key),
			)
			break
		}
		m, jerr := c.joinMatch(ctx, sock, v.MatchID, "")
		if jerr == nil {
			return m, nil
		}
		if !IsMatchError(jerr) {
			return Match{}, jerr
		}
		c.logger.Info("shared match is stale, creating a new one",
			zap.String("match_id", v.MatchID),
			zap.Error(jerr),
		)
	case errors.Is(err, ErrObjectNotFound):
	default:
		return Match{}, fmt.Errorf("reading shared match id: %w", err)
	}

	m, err := c.createMatch(ctx, sock)
	if err != nil {
		return Match{}, err
	}
	value, err := json.Marshal(sharedMatchValue{MatchID: m.MatchID})
	if err != nil {
		return Match{}, fmt.Errorf("encoding shared match id: %w", err)
	}
	if _, err := storage.WriteObject(ctx, sess, ObjectWrite{
		Collection:      id.Collection,
		Key:             id.Key,
		Value:           string(value),
		Global:          true,
		PermissionRead:  PermissionPublic,
		PermissionWrite: PermissionPublic,
	}); err != nil {
		// The new match is usable; the next client simply creates its own.
		c.logger.Warn("persisting shared match id",
			zap.String("match_id", m.MatchID),
			zap.Error(err),
		)
	}
	return m, nil
}
