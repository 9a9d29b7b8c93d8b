package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtcmsg/internal/protocol"
	"github.com/1ureka/rtcmsg/internal/util"
)

// Compile-time interface check.
var _ Association = (*WebSocketAssociation)(nil)

const (
	wsSendQueueSize = 1024
	wsWriteTimeout  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketAssociation carries engine datagrams as binary WebSocket
// messages, each prefixed with its stream id. TCP already orders and
// retransmits, so the engine's own reliability is redundant here but
// harmless.
type WebSocketAssociation struct {
	conn    *websocket.Conn
	maxSize int
	log     *util.Logger

	sendCh    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	readOnce  sync.Once

	mu       sync.RWMutex
	observer Observer
}

func newWebSocketAssociation(conn *websocket.Conn, maxMessageSize int) *WebSocketAssociation {
	a := &WebSocketAssociation{
		conn:    conn,
		maxSize: maxMessageSize,
		log:     util.NewLogger("ws"),
		sendCh:  make(chan []byte, wsSendQueueSize),
		closed:  make(chan struct{}),
	}
	go a.writeLoop()
	return a
}

// Dial connects to a WebSocket association server. The URL should carry the
// PIN as a query parameter, e.g. ws://127.0.0.1:9000/ws?pin=123456.
func Dial(ctx context.Context, url string, maxMessageSize int) (*WebSocketAssociation, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return newWebSocketAssociation(conn, maxMessageSize), nil
}

func (a *WebSocketAssociation) MaxMessageSize() int { return a.maxSize }

// RegisterObserver installs o and starts the read loop on first use.
func (a *WebSocketAssociation) RegisterObserver(o Observer) {
	a.mu.Lock()
	a.observer = o
	a.mu.Unlock()
	a.readOnce.Do(func() { go a.readLoop() })
}

func (a *WebSocketAssociation) UnregisterObserver() {
	a.mu.Lock()
	a.observer = nil
	a.mu.Unlock()
}

// Write queues one datagram for the writer goroutine. A full queue yields
// ErrTransient.
func (a *WebSocketAssociation) Write(streamID uint16, b []byte) error {
	select {
	case <-a.closed:
		return ErrClosed
	default:
	}
	if len(b) > a.maxSize+protocol.HeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(b))
	}
	select {
	case a.sendCh <- frame(streamID, b):
		return nil
	default:
		return fmt.Errorf("%w: ws send queue full", ErrTransient)
	}
}

// Done returns a channel that is closed once the connection is gone.
func (a *WebSocketAssociation) Done() <-chan struct{} {
	return a.closed
}

// Close sends a close frame and tears down the connection.
func (a *WebSocketAssociation) Close() error {
	_ = a.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	a.shutdown(ErrClosed)
	return nil
}

func (a *WebSocketAssociation) writeLoop() {
	for {
		select {
		case msg := <-a.sendCh:
			_ = a.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := a.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				a.log.Debugf("write failed: %v", err)
				a.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
				return
			}
		case <-a.closed:
			return
		}
	}
}

func (a *WebSocketAssociation) readLoop() {
	for {
		typ, msg, err := a.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				a.log.Debugf("read failed: %v", err)
			}
			a.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		streamID, b, err := unframe(msg)
		if err != nil {
			a.log.Debugf("dropping ws message: %v", err)
			continue
		}
		a.mu.RLock()
		o := a.observer
		a.mu.RUnlock()
		if o != nil {
			o.OnDatagram(streamID, b)
		}
	}
}

func (a *WebSocketAssociation) shutdown(err error) {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.conn.Close()
		a.mu.RLock()
		o := a.observer
		a.mu.RUnlock()
		if o != nil {
			o.OnAssociationClosed(err)
		}
	})
}

// Server accepts a single WebSocket association, authenticated by PIN.
type Server struct {
	pin      string
	maxSize  int
	listener net.Listener
	connCh   chan *websocket.Conn
}

// Listen starts a server on addr (":0" for a random port). Clients must
// present pin in the "pin" query parameter of /ws.
func Listen(addr, pin string, maxMessageSize int) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start WS server: %w", err)
	}
	s := &Server{
		pin:      pin,
		maxSize:  maxMessageSize,
		listener: listener,
		connCh:   make(chan *websocket.Conn, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	go func() {
		if err := http.Serve(listener, mux); err != nil && !errors.Is(err, net.ErrClosed) {
			util.LogWarning("WS server stopped: %v", err)
		}
	}()

	return s, nil
}

// Port returns the port the server listens on.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("pin") != s.pin {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Only accept the first client.
	select {
	case s.connCh <- conn:
	default:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
		conn.Close()
	}
}

// Accept blocks until a client connects or ctx is cancelled.
func (s *Server) Accept(ctx context.Context) (*WebSocketAssociation, error) {
	select {
	case conn := <-s.connCh:
		return newWebSocketAssociation(conn, s.maxSize), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts down the listener, preventing new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

// GeneratePIN returns a random numeric PIN of the specified length.
func GeneratePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
