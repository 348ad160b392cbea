package netshim

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
)

// echoServer replies to every message with the same message type and data.
func echoServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connectEcho(t *testing.T) *WSConn {
	t.Helper()
	w := NewWSConn(zaptest.NewLogger(t))
	t.Cleanup(w.Close)
	w.Connect(echoServer(t))
	require.Eventually(t, w.IsConnected, 3*time.Second, 5*time.Millisecond)
	return w
}

func recvFrame(t *testing.T, w *WSConn) Frame {
	t.Helper()
	var f Frame
	require.Eventually(t, func() bool {
		var ok bool
		f, ok = w.TryRecv()
		return ok
	}, 3*time.Second, 5*time.Millisecond)
	return f
}

func TestWSConn_SendBeforeConnect(t *testing.T) {
	w := NewWSConn(zaptest.NewLogger(t))
	assert.False(t, w.IsConnected())
	assert.ErrorIs(t, w.Send([]byte{1}), ErrNotConnected)
	_, ok := w.TryRecv()
	assert.False(t, ok)
}

func TestWSConn_EchoesBinaryAndText(t *testing.T) {
	w := connectEcho(t)

	require.NoError(t, w.Send([]byte{0, 1, 2}))
	f := recvFrame(t, w)
	assert.False(t, f.Text)
	assert.Equal(t, []byte{0, 1, 2}, f.Data)

	require.NoError(t, w.SendText("hi"))
	f = recvFrame(t, w)
	assert.True(t, f.Text)
	assert.Equal(t, "hi", string(f.Data))
}

func TestWSConn_FramesKeepOrder(t *testing.T) {
	w := connectEcho(t)
	for i := range 20 {
		require.NoError(t, w.Send([]byte{byte(i)}))
	}
	for i := range 20 {
		assert.Equal(t, []byte{byte(i)}, recvFrame(t, w).Data)
	}
}

func TestWSConn_DialFailureIsRecorded(t *testing.T) {
	w := NewWSConn(zaptest.NewLogger(t))
	w.Connect("ws://127.0.0.1:1/ws")
	require.Eventually(t, func() bool { return w.Err() != nil }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, w.IsConnected())
}

func TestWSConn_CloseDisconnects(t *testing.T) {
	w := connectEcho(t)
	w.Close()
	assert.False(t, w.IsConnected())
	assert.ErrorIs(t, w.SendText("late"), ErrNotConnected)
	assert.NoError(t, w.Err())
}

func TestWSConn_ServerCloseClearsFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Write(context.Background(), websocket.MessageText, []byte("bye"))
		conn.Close(websocket.StatusGoingAway, "done")
	}))
	t.Cleanup(srv.Close)

	w := NewWSConn(zaptest.NewLogger(t))
	t.Cleanup(w.Close)
	w.Connect("ws" + strings.TrimPrefix(srv.URL, "http"))

	assert.Equal(t, "bye", string(recvFrame(t, w).Data))
	require.Eventually(t, func() bool { return !w.IsConnected() && w.Err() != nil }, 3*time.Second, 10*time.Millisecond)
}

func TestWSConn_StaleGenerationFramesAreDropped(t *testing.T) {
	w := connectEcho(t)
	w.mu.Lock()
	old := w.gen
	w.mu.Unlock()

	w.Connect(echoServer(t))
	assert.False(t, w.push(old, Frame{Data: []byte("late")}))
	_, ok := w.TryRecv()
	assert.False(t, ok)

	require.Eventually(t, w.IsConnected, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, w.Send([]byte("fresh")))
	assert.Equal(t, []byte("fresh"), recvFrame(t, w).Data)
}
