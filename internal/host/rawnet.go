package host

import (
	"github.com/cory-johannsen/matchrelay/internal/netshim"
)

// WSConnect dials addr in the background on the plugin's raw WebSocket.
func (p *Plugin) WSConnect(addr string) {
	p.ws.Connect(addr)
}

// WSIsConnected reports whether the raw WebSocket is open.
func (p *Plugin) WSIsConnected() bool {
	return p.ws.IsConnected()
}

// WSSend queues a binary frame. Failures are left for Error.
func (p *Plugin) WSSend(data []byte) {
	if err := p.ws.Send(data); err != nil {
		p.fail("ws_send", err)
	}
}

// WSSendText queues a text frame. Failures are left for Error.
func (p *Plugin) WSSendText(text string) {
	if err := p.ws.SendText(text); err != nil {
		p.fail("ws_send", err)
	}
}

// WSTryRecv takes the oldest raw WebSocket frame.
func (p *Plugin) WSTryRecv() (netshim.Frame, bool) {
	return p.ws.TryRecv()
}

// HTTPMakeRequest starts a raw HTTP request and returns its id.
func (p *Plugin) HTTPMakeRequest(method netshim.Method, url string, body []byte, headers map[string]string) uint64 {
	return p.http.MakeRequest(method, url, body, headers)
}

// HTTPTryRecv claims the response for a request id.
func (p *Plugin) HTTPTryRecv(id uint64) (netshim.Response, bool) {
	return p.http.TryRecv(id)
}
