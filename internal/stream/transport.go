package stream

import "context"

// Conn is one open duplex message channel. ReadMessage is called from a single
// reader goroutine; WriteMessage and Close only from the session loop.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Conn to the streamer socket URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}
