package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// WriteTimeout bounds a single frame write.
const WriteTimeout = 10 * time.Second

// ReadTimeout is how long the server waits for the next client frame.
const ReadTimeout = 5 * time.Minute

// WriteTyped sends a strongly-typed payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	return WriteTypedWithin(conn, v, WriteTimeout)
}

// WriteTypedWithin is WriteTyped with an explicit deadline.
func WriteTypedWithin(conn *websocket.Conn, v interface{}, d time.Duration) error {
	conn.SetWriteDeadline(time.Now().Add(d))
	return conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func WriteError(conn *websocket.Conn, errMsg string) error {
	return WriteTyped(conn, ErrorResponse{
		Event: EventError,
		Error: errMsg,
	})
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func ReadJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetReadDeadline(time.Now().Add(ReadTimeout))
	return conn.ReadJSON(v)
}
