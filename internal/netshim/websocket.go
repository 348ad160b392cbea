// Package netshim provides raw WebSocket and HTTP primitives for a host that
// can only poll: every call returns immediately and results are collected
// later with TryRecv.
package netshim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/cory-johannsen/matchrelay/internal/relay"
)

// ErrNotConnected is returned by sends on a WSConn that is not open.
var ErrNotConnected = errors.New("websocket not connected")

// ErrSendQueueFull is returned when outbound frames back up.
var ErrSendQueueFull = errors.New("websocket send queue full")

const (
	dialTimeout  = 30 * time.Second
	writeTimeout = 5 * time.Second
	outboundSize = 256
)

// Frame is one received WebSocket message.
type Frame struct {
	// Text is true for text messages and false for binary ones.
	Text bool
	Data []byte
}

type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// WSConn is a WebSocket client whose dial, reads, and writes run in the
// background. Received frames queue until TryRecv takes them.
// All methods are safe for concurrent use.
type WSConn struct {
	logger    *zap.Logger
	frames    *relay.Queue[Frame]
	connected atomic.Bool

	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	sends   chan outbound
	lastErr error
}

// NewWSConn creates an unconnected WSConn.
//
// Precondition: logger must be non-nil.
func NewWSConn(logger *zap.Logger) *WSConn {
	return &WSConn{
		logger: logger,
		frames: relay.NewQueue[Frame](),
	}
}

// Connect starts dialing addr in the background, closing any previous
// connection first. IsConnected turns true once the handshake completes.
func (w *WSConn) Connect(addr string) {
	w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sends := make(chan outbound, outboundSize)
	w.mu.Lock()
	w.gen++
	gen := w.gen
	w.cancel = cancel
	w.sends = sends
	w.lastErr = nil
	w.mu.Unlock()

	go w.run(ctx, gen, addr, sends)
}

// setConnected updates the flag unless a later Connect or Close superseded gen.
func (w *WSConn) setConnected(gen uint64, v bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen {
		return false
	}
	w.connected.Store(v)
	return true
}

func (w *WSConn) run(ctx context.Context, gen uint64, addr string, sends <-chan outbound) {
	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, addr, nil)
	cancelDial()
	if err != nil {
		w.fail(ctx, err)
		w.logger.Warn("websocket dial failed", zap.String("addr", addr), zap.Error(err))
		return
	}
	conn.SetReadLimit(1 << 20)
	if !w.setConnected(gen, true) {
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	w.logger.Debug("websocket connected", zap.String("addr", addr))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case out := <-sends:
				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err := conn.Write(wctx, out.typ, out.data)
				cancel()
				if err != nil {
					w.logger.Warn("websocket write failed", zap.Error(err))
				}
			}
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			w.setConnected(gen, false)
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				w.fail(ctx, err)
			}
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		if !w.push(gen, Frame{Text: typ == websocket.MessageText, Data: data}) {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// push queues f unless a later Connect or Close superseded gen. Close clears
// the queue under the same lock, so a stale frame can never outlive it.
func (w *WSConn) push(gen uint64, f Frame) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen {
		return false
	}
	w.frames.Push(f)
	return true
}

// fail records err unless the connection was closed on purpose.
func (w *WSConn) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
}

// IsConnected reports whether the socket is open.
func (w *WSConn) IsConnected() bool {
	return w.connected.Load()
}

// Send queues a binary frame.
//
// Postcondition: Returns ErrNotConnected or ErrSendQueueFull when the frame was not queued.
func (w *WSConn) Send(data []byte) error {
	return w.enqueue(outbound{typ: websocket.MessageBinary, data: data})
}

// SendText queues a text frame.
func (w *WSConn) SendText(text string) error {
	return w.enqueue(outbound{typ: websocket.MessageText, data: []byte(text)})
}

func (w *WSConn) enqueue(out outbound) error {
	if !w.connected.Load() {
		return ErrNotConnected
	}
	w.mu.Lock()
	sends := w.sends
	w.mu.Unlock()
	select {
	case sends <- out:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// TryRecv takes the oldest received frame. Never blocks.
func (w *WSConn) TryRecv() (Frame, bool) {
	return w.frames.Pop()
}

// Err returns why the last dial or connection failed, or nil.
func (w *WSConn) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Close stops the connection and discards unread frames.
func (w *WSConn) Close() {
	w.mu.Lock()
	w.gen++
	cancel := w.cancel
	w.cancel = nil
	w.connected.Store(false)
	w.frames.Clear()
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
