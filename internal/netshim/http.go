package netshim

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Method is the host's numeric HTTP method code.
type Method int

const (
	MethodPost Method = iota
	MethodPut
	MethodGet
	MethodDelete
)

// String returns the HTTP verb, or "" for an unknown code.
func (m Method) String() string {
	switch m {
	case MethodPost:
		return http.MethodPost
	case MethodPut:
		return http.MethodPut
	case MethodGet:
		return http.MethodGet
	case MethodDelete:
		return http.MethodDelete
	}
	return ""
}

// StatusError reports a completed request whose status was not 200.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.Status)
}

// Response is a completed request. Err is set for transport failures and
// for any status other than 200; Body is kept either way.
type Response struct {
	Status int
	Body   []byte
	Err    error
}

// HTTP issues requests in the background and holds each completed response
// until it is claimed by TryRecv or its TTL expires.
// All methods are safe for concurrent use.
type HTTP struct {
	client *http.Client
	logger *zap.Logger
	nextID atomic.Uint64

	mu   sync.Mutex
	done *gocache.Cache
}

// NewHTTP creates an HTTP shim.
//
// Precondition: logger must be non-nil.
// Postcondition: timeout <= 0 uses 30s per request; ttl <= 0 keeps unclaimed responses for 5m.
func NewHTTP(timeout, ttl time.Duration, logger *zap.Logger) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &HTTP{
		client: &http.Client{Timeout: timeout},
		logger: logger,
		done:   gocache.New(ttl, ttl),
	}
}

// MakeRequest starts a request and returns its id. Ids count up from 0.
func (h *HTTP) MakeRequest(method Method, url string, body []byte, headers map[string]string) uint64 {
	id := h.nextID.Add(1) - 1
	go h.do(id, method, url, body, headers)
	return id
}

func (h *HTTP) do(id uint64, method Method, url string, body []byte, headers map[string]string) {
	resp := h.roundTrip(method, url, body, headers)
	if resp.Err != nil {
		h.logger.Debug("http request failed",
			zap.Uint64("id", id),
			zap.String("method", method.String()),
			zap.String("url", url),
			zap.Error(resp.Err),
		)
	}
	h.done.SetDefault(strconv.FormatUint(id, 10), resp)
}

func (h *HTTP) roundTrip(method Method, url string, body []byte, headers map[string]string) Response {
	verb := method.String()
	if verb == "" {
		return Response{Err: fmt.Errorf("unknown http method %d", method)}
	}
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), verb, url, r)
	if err != nil {
		return Response{Err: fmt.Errorf("building request: %w", err)}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := h.client.Do(req)
	if err != nil {
		return Response{Err: err}
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{Status: res.StatusCode, Err: fmt.Errorf("reading body: %w", err)}
	}
	out := Response{Status: res.StatusCode, Body: data}
	if res.StatusCode != http.StatusOK {
		out.Err = &StatusError{Status: res.StatusCode}
	}
	return out
}

// TryRecv claims the response for id. A response is handed out once; later
// calls, calls for a request still in flight, and calls after the TTL all
// report false.
func (h *HTTP) TryRecv(id uint64) (Response, bool) {
	key := strconv.FormatUint(id, 10)
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.done.Get(key)
	if !ok {
		return Response{}, false
	}
	h.done.Delete(key)
	return v.(Response), true
}
