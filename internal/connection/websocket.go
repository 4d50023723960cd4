package connection

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/murachue/nosteen-sub000/internal/constants"
	"github.com/murachue/nosteen-sub000/internal/domain"
)

// WebsocketDialer opens relay links with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
}

var _ domain.Dialer = (*WebsocketDialer)(nil)

// Dial connects to url.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (domain.Socket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  d.HandshakeTimeout,
		EnableCompression: true,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	limit := d.MaxMessageSize
	if limit <= 0 {
		limit = constants.DefaultMaxMessageSize
	}
	conn.SetReadLimit(limit)
	wt := d.WriteTimeout
	if wt <= 0 {
		wt = constants.DefaultWriteTimeout
	}
	return &wsSocket{conn: conn, writeTimeout: wt}, nil
}

type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsSocket) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a websocket ping control frame.
func (s *wsSocket) Ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline := time.Now().Add(10 * time.Second)
	if s.writeTimeout > 0 {
		deadline = time.Now().Add(s.writeTimeout)
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (s *wsSocket) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}
