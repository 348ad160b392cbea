// Package client is the Go SDK for the realtime backend: an HTTP API client
// for authentication, RPC, storage, and leaderboards, and a WebSocket socket
// that satisfies the relay's transport contract.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/matchrelay/internal/config"
	"github.com/cory-johannsen/matchrelay/internal/relay"
	"github.com/cory-johannsen/matchrelay/internal/rtapi"
)

// APIError is a non-2xx reply from the HTTP API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an *APIError with the given status.
func IsStatus(err error, status int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == status
}

// Client calls the backend HTTP API. It implements relay.Backend and relay.Storage.
type Client struct {
	cfg    config.ClientConfig
	http   *http.Client
	logger *zap.Logger
}

// New creates a Client for cfg.
//
// Precondition: cfg.Host must be non-empty; logger must be non-nil.
// Postcondition: Returns a Client; cfg.Timeout <= 0 uses 10s per request.
func New(cfg config.ClientConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "http"
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// SocketURL returns the realtime endpoint: ws for http, wss for https.
func (c *Client) SocketURL() string {
	scheme := "ws"
	if c.cfg.Protocol == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/ws", scheme, c.cfg.Host, c.cfg.Port)
}

// Authenticate implements relay.Backend with email authentication.
//
// Postcondition: Returns the session, or an *APIError (401 for bad credentials,
// 404 for an unknown email without Create, 409 for a taken username).
func (c *Client) Authenticate(ctx context.Context, creds relay.Credentials) (relay.Session, error) {
	q := url.Values{}
	q.Set("create", strconv.FormatBool(creds.Create))
	if creds.Username != "" {
		q.Set("username", creds.Username)
	}
	var out rtapi.Session
	err := c.do(ctx, http.MethodPost, "/v2/account/authenticate/email?"+q.Encode(), nil,
		rtapi.AuthenticateEmail{Email: creds.Email, Password: creds.Password}, &out, true)
	if err != nil {
		return relay.Session{}, err
	}
	return relay.Session{
		Token:     out.Token,
		UserID:    out.UserID,
		Username:  out.Username,
		Created:   out.Created,
		ExpiresAt: time.Unix(out.ExpiresAt, 0),
	}, nil
}

// RPC implements relay.Backend. Payload and result travel as protojson.
func (c *Client) RPC(ctx context.Context, sess relay.Session, id string, payload *structpb.Struct) (*structpb.Struct, error) {
	if payload == nil {
		payload = &structpb.Struct{}
	}
	body, err := protojson.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding rpc payload: %w", err)
	}
	raw, err := c.send(ctx, http.MethodPost, "/v2/rpc/"+url.PathEscape(id), &sess, bytes.NewReader(body), false)
	if err != nil {
		return nil, err
	}
	var out structpb.Struct
	if err := protojson.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding rpc %s result: %w", id, err)
	}
	return &out, nil
}

// NewSocket implements relay.Backend.
func (c *Client) NewSocket() relay.Socket {
	return NewSocket(c.SocketURL(), c.logger)
}

// ReadObject implements relay.Storage.
//
// Postcondition: A missing or unreadable object is reported wrapping relay.ErrObjectNotFound.
func (c *Client) ReadObject(ctx context.Context, sess relay.Session, id relay.ObjectID) (relay.Object, error) {
	path := "/v2/storage/" + url.PathEscape(id.Collection) + "/" + url.PathEscape(id.Key)
	if id.Owner != "" {
		path += "?owner=" + url.QueryEscape(id.Owner)
	}
	var out rtapi.StorageObject
	if err := c.do(ctx, http.MethodGet, path, &sess, nil, &out, false); err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return relay.Object{}, fmt.Errorf("reading %s/%s: %w", id.Collection, id.Key, relay.ErrObjectNotFound)
		}
		return relay.Object{}, err
	}
	return objectFromAPI(out), nil
}

// WriteObject implements relay.Storage.
func (c *Client) WriteObject(ctx context.Context, sess relay.Session, w relay.ObjectWrite) (relay.Object, error) {
	var out rtapi.StorageObject
	err := c.do(ctx, http.MethodPut, "/v2/storage", &sess, rtapi.WriteStorageObject{
		Collection:      w.Collection,
		Key:             w.Key,
		Value:           w.Value,
		Global:          w.Global,
		PermissionRead:  w.PermissionRead,
		PermissionWrite: w.PermissionWrite,
	}, &out, false)
	if err != nil {
		return relay.Object{}, err
	}
	return objectFromAPI(out), nil
}

func objectFromAPI(o rtapi.StorageObject) relay.Object {
	return relay.Object{
		ObjectID:        relay.ObjectID{Collection: o.Collection, Key: o.Key, Owner: o.UserID},
		Value:           o.Value,
		Version:         o.Version,
		PermissionRead:  o.PermissionRead,
		PermissionWrite: o.PermissionWrite,
	}
}

// WriteLeaderboardRecord submits score to board for the session's user.
func (c *Client) WriteLeaderboardRecord(ctx context.Context, sess relay.Session, board string, score int64) (rtapi.LeaderboardRecord, error) {
	var out rtapi.LeaderboardRecord
	err := c.do(ctx, http.MethodPost, "/v2/leaderboard/"+url.PathEscape(board), &sess,
		rtapi.WriteLeaderboardRecord{Score: score}, &out, false)
	return out, err
}

// ListLeaderboardRecords returns one page of board starting at cursor ("" for the first page).
func (c *Client) ListLeaderboardRecords(ctx context.Context, sess relay.Session, board string, limit int, cursor string) (rtapi.LeaderboardRecordList, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out rtapi.LeaderboardRecordList
	err := c.do(ctx, http.MethodGet, "/v2/leaderboard/"+url.PathEscape(board)+"?"+q.Encode(), &sess, nil, &out, false)
	return out, err
}

// do sends in as JSON and decodes the reply into out.
func (c *Client) do(ctx context.Context, method, path string, sess *relay.Session, in, out any, serverKey bool) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	raw, err := c.send(ctx, method, path, sess, body, serverKey)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s reply: %w", path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, sess *relay.Session, body io.Reader, serverKey bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL()+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case serverKey:
		req.SetBasicAuth(c.cfg.ServerKey, "")
	case sess != nil:
		req.Header.Set("Authorization", "Bearer "+sess.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s reply: %w", path, err)
	}
	c.logger.Debug("api call",
		zap.String("method", method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr rtapi.APIError
		msg := string(raw)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return raw, nil
}
