// Package testutil provides an in-process detection backend and other helpers
// for exercising the client against a real WebSocket peer.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// DetectPath is the endpoint served by Backend.
const DetectPath = "/api/v1/ws/detect"

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithRejectedToken answers the handshake with 401 when the client presents
// token.
func WithRejectedToken(token string) BackendOption {
	return func(b *Backend) { b.rejectToken = token }
}

// WithAutoReply acknowledges start, stop and reset_stats commands with status
// frames the way the detection server does.
func WithAutoReply() BackendOption {
	return func(b *Backend) { b.autoReply = true }
}

// WithCloseOnOpen closes every accepted connection right away with code.
func WithCloseOnOpen(code int) BackendOption {
	return func(b *Backend) { b.closeOnOpen = code }
}

// WithHandshakeGate holds every handshake until gate is closed or the client
// gives up.
func WithHandshakeGate(gate <-chan struct{}) BackendOption {
	return func(b *Backend) { b.gate = gate }
}

type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Backend is a fake detection server. It records every command it receives and
// lets tests push frames to connected clients.
type Backend struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	rejectToken string
	autoReply   bool
	closeOnOpen int
	gate        <-chan struct{}

	mu          sync.Mutex
	peers       []*peer
	received    [][]byte
	queries     []url.Values
	handshakes  int
	connections int
}

// NewBackend starts a backend that is shut down when the test ends.
func NewBackend(t testing.TB, opts ...BackendOption) *Backend {
	t.Helper()

	b := &Backend{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	for _, opt := range opts {
		opt(b)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(DetectPath, b.serveDetect)
	b.server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

// URL returns the ws:// address of the detection endpoint.
func (b *Backend) URL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + DetectPath
}

func (b *Backend) serveDetect(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.handshakes++
	b.queries = append(b.queries, r.URL.Query())
	b.mu.Unlock()

	if b.gate != nil {
		select {
		case <-b.gate:
		case <-r.Context().Done():
			return
		}
	}

	if b.rejectToken != "" && r.URL.Query().Get("token") == b.rejectToken {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{conn: conn}

	if b.closeOnOpen != 0 {
		msg := websocket.FormatCloseMessage(b.closeOnOpen, "rejected")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	b.mu.Lock()
	b.peers = append(b.peers, p)
	b.connections++
	b.mu.Unlock()

	defer b.removePeer(p)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.received = append(b.received, data)
		b.mu.Unlock()

		if b.autoReply {
			if reply := acknowledge(data); reply != nil {
				_ = p.write(reply)
			}
		}
	}
}

func acknowledge(data []byte) []byte {
	var cmd struct {
		Action string `json:"action"`
		Type   string `json:"type"`
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		return []byte(`{"type":"error","data":{"message":"Invalid JSON format"}}`)
	}
	switch {
	case cmd.Action == "start" || cmd.Type == "detect":
		return []byte(`{"type":"status","data":{"running":true}}`)
	case cmd.Action == "stop" || cmd.Type == "stopDetect":
		return []byte(`{"type":"status","data":{"running":false}}`)
	case cmd.Action == "reset_stats":
		return []byte(`{"type":"status","data":{"stats_reset":true}}`)
	default:
		return []byte(`{"type":"error","data":{"message":"Unknown action"}}`)
	}
}

func (b *Backend) removePeer(p *peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.peers {
		if existing == p {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			break
		}
	}
	_ = p.conn.Close()
}

func (b *Backend) livePeers() []*peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*peer(nil), b.peers...)
}

// Push writes frame to every connected client.
func (b *Backend) Push(frame string) {
	for _, p := range b.livePeers() {
		_ = p.write([]byte(frame))
	}
}

// Drop closes every connection without a close frame.
func (b *Backend) Drop() {
	for _, p := range b.livePeers() {
		_ = p.conn.Close()
	}
}

// CloseAll sends a close frame with code to every client and closes the
// sockets.
func (b *Backend) CloseAll(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	for _, p := range b.livePeers() {
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		p.writeMu.Unlock()
		_ = p.conn.Close()
	}
}

// Received returns a copy of every frame sent by clients, in arrival order.
func (b *Backend) Received() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.received))
	copy(out, b.received)
	return out
}

// WaitForReceived waits until at least n frames have arrived.
func (b *Backend) WaitForReceived(t testing.TB, n int, timeout time.Duration) [][]byte {
	t.Helper()
	if !Eventually(timeout, func() bool { return len(b.Received()) >= n }) {
		t.Fatalf("backend received %d frames, want %d", len(b.Received()), n)
	}
	return b.Received()
}

// WaitForConnections waits until n connections have been accepted in total.
func (b *Backend) WaitForConnections(t testing.TB, n int, timeout time.Duration) {
	t.Helper()
	if !Eventually(timeout, func() bool { return b.Connections() >= n }) {
		t.Fatalf("backend accepted %d connections, want %d", b.Connections(), n)
	}
}

// Connections returns the number of accepted connections so far.
func (b *Backend) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connections
}

// Live returns the number of currently open connections.
func (b *Backend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// Handshakes returns the number of upgrade requests, including rejected ones.
func (b *Backend) Handshakes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handshakes
}

// LastQuery returns the query string of the latest handshake.
func (b *Backend) LastQuery() url.Values {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queries) == 0 {
		return nil
	}
	return b.queries[len(b.queries)-1]
}

// Close shuts the server down. It is safe to call more than once.
func (b *Backend) Close() {
	b.Drop()
	b.server.CloseClientConnections()
	b.server.Close()
}
