package domain

import "context"

// Socket is one open message-oriented link to a relay.
// ReadMessage blocks until a frame arrives or the link fails.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens sockets to relay urls.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}
