// Package server adapts raw TCP sockets and WebSocket connections to one
// frame-oriented transport so every channel role can be served over both.
package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

// transport moves frames over one underlying connection. ReadFrame is called
// only from the read pump; WriteFrame, Flush and Ping only from the write pump.
type transport interface {
	ReadFrame() (protocol.Frame, error)
	WriteFrame(f protocol.Frame) error
	Flush() error
	Ping() error
	Close() error
	RemoteAddr() string
}

// tcpTransport speaks the line protocol directly on a stream socket.
type tcpTransport struct {
	conn         net.Conn
	dec          *protocol.Decoder
	w            *bufio.Writer
	idleTimeout  time.Duration
	writeTimeout time.Duration
}

func newTCPTransport(conn net.Conn, limits LimitsConfig, idle, write time.Duration) *tcpTransport {
	return &tcpTransport{
		conn:         conn,
		dec:          protocol.NewDecoder(conn, limits.MaxLineSize, limits.MaxBinarySize),
		w:            bufio.NewWriterSize(conn, 32*1024),
		idleTimeout:  idle,
		writeTimeout: write,
	}
}

func (t *tcpTransport) ReadFrame() (protocol.Frame, error) {
	if t.idleTimeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.idleTimeout)); err != nil {
			return protocol.Frame{}, err
		}
	}
	return t.dec.Next()
}

func (t *tcpTransport) WriteFrame(f protocol.Frame) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	_, err := f.WriteTo(t.w)
	return err
}

func (t *tcpTransport) Flush() error {
	return t.w.Flush()
}

func (t *tcpTransport) Ping() error { return nil }

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

func (t *tcpTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// wsTransport carries the same vocabulary over WebSocket: a text message
// holds one or more command lines, a binary message is one binary frame.
type wsTransport struct {
	conn         *websocket.Conn
	limits       LimitsConfig
	pongWait     time.Duration
	writeTimeout time.Duration
	remote       string
	pending      []decoded
}

type decoded struct {
	frame protocol.Frame
	err   error
}

func newWSTransport(conn *websocket.Conn, limits LimitsConfig, pong, write time.Duration, remote string) *wsTransport {
	t := &wsTransport{
		conn:         conn,
		limits:       limits,
		pongWait:     pong,
		writeTimeout: write,
		remote:       remote,
	}
	conn.SetReadLimit(int64(max(limits.MaxLineSize, limits.MaxBinarySize)) + 64)
	t.setupReadConnection()
	return t
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (t *wsTransport) setupReadConnection() {
	_ = t.conn.SetReadDeadline(time.Now().Add(t.pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(t.pongWait))
	})
}

func (t *wsTransport) ReadFrame() (protocol.Frame, error) {
	for len(t.pending) == 0 {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return protocol.Frame{}, err
		}
		switch messageType {
		case websocket.BinaryMessage:
			if len(data) > t.limits.MaxBinarySize {
				return protocol.Frame{}, protocol.ErrBinaryTooLarge
			}
			return protocol.Binary(data), nil
		case websocket.TextMessage:
			t.pending = t.decodeText(data)
		}
	}
	next := t.pending[0]
	t.pending = t.pending[1:]
	return next.frame, next.err
}

func (t *wsTransport) decodeText(data []byte) []decoded {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')

	dec := protocol.NewDecoder(bytes.NewReader(buf), t.limits.MaxLineSize, t.limits.MaxBinarySize)
	var out []decoded
	for {
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil && !protocol.IsRecoverable(err) {
			// a truncated binary header inside a text message
			return append(out, decoded{err: protocol.ErrBadBinaryHeader})
		}
		out = append(out, decoded{frame: f, err: err})
	}
}

func (t *wsTransport) WriteFrame(f protocol.Frame) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	if f.IsBinary() {
		return t.conn.WriteMessage(websocket.BinaryMessage, f.Payload)
	}
	return t.conn.WriteMessage(websocket.TextMessage, []byte(f.Line))
}

func (t *wsTransport) Flush() error { return nil }

// Ping sends a ping message to keep the connection alive
func (t *wsTransport) Ping() error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.remote
}
