package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	ws "github.com/stemsi/exstem-client/internal/websocket"
)

const (
	streamWriteTimeout = 2 * time.Second
	streamPingInterval = 30 * time.Second
	streamQueueSize    = 16
)

// Stream sends teardown submissions over a WebSocket opened ahead of time, so
// the teardown path only has to queue one frame. A writer goroutine owns the
// socket writes; Dispatch never waits on the network. It never reads a reply
// to a submission. When the connection is gone or the queue is full, the
// payload goes to the fallback transport.
type Stream struct {
	mu       sync.Mutex
	writeMu  sync.Mutex
	conn     *websocket.Conn
	fallback TeardownSafeTransport
	log      zerolog.Logger
	queue    chan Payload
	pending  sync.WaitGroup
	closed   chan struct{}
	once     sync.Once
}

// DialStream connects to the backend stream endpoint, authenticating with the
// token query parameter.
func DialStream(ctx context.Context, streamURL, token string, fallback TeardownSafeTransport, log zerolog.Logger) (*Stream, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return nil, fmt.Errorf("parse stream URL: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial stream: %w", err)
	}

	if fallback == nil {
		fallback = Nop{}
	}
	s := &Stream{
		conn:     conn,
		fallback: fallback,
		log:      log.With().Str("component", "stream").Logger(),
		queue:    make(chan Payload, streamQueueSize),
		closed:   make(chan struct{}),
	}
	go s.readLoop()
	go s.writeLoop()
	go s.pingLoop()
	return s, nil
}

func (s *Stream) Dispatch(p Payload) {
	s.mu.Lock()
	if s.conn != nil {
		s.pending.Add(1)
		select {
		case s.queue <- p:
			s.mu.Unlock()
			return
		default:
			s.pending.Done()
			s.log.Warn().Str("attempt_id", p.AttemptID).Msg("Stream queue full, using fallback")
		}
	}
	s.mu.Unlock()
	s.fallback.Dispatch(p)
}

// Wait blocks until every queued frame was written or handed to the fallback,
// or ctx is done.
func (s *Stream) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// writeLoop writes queued frames. Once the connection is dropped, whatever is
// still queued goes to the fallback.
func (s *Stream) writeLoop() {
	for {
		select {
		case p := <-s.queue:
			s.write(p)
			s.pending.Done()
		case <-s.closed:
			for {
				select {
				case p := <-s.queue:
					s.fallback.Dispatch(p)
					s.pending.Done()
				default:
					return
				}
			}
		}
	}
}

func (s *Stream) write(p Payload) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.fallback.Dispatch(p)
		return
	}

	s.writeMu.Lock()
	err := ws.WriteTypedWithin(conn, ws.TeardownSubmitRequest{
		Action:    ws.ActionTeardownSubmit,
		AttemptID: p.AttemptID,
		Answers:   answersOrEmpty(p.Answers),
		Token:     p.AuthToken,
	}, streamWriteTimeout)
	s.writeMu.Unlock()

	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", p.AttemptID).Msg("Stream write failed, using fallback")
		s.drop()
		s.fallback.Dispatch(p)
		return
	}
	s.log.Debug().Str("attempt_id", p.AttemptID).Msg("Teardown submission written")
}

// readLoop discards server frames and notices when the connection dies.
func (s *Stream) readLoop() {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}
		var env map[string]interface{}
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("Unexpected close")
			}
			s.drop()
			return
		}
	}
}

func (s *Stream) pingLoop() {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}
			s.writeMu.Lock()
			err := ws.WriteTypedWithin(conn, ws.PingRequest{Action: ws.ActionPing}, streamWriteTimeout)
			s.writeMu.Unlock()
			if err != nil {
				s.drop()
				return
			}
		}
	}
}

// Connected reports whether the socket is still usable.
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Stream) drop() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	s.once.Do(func() { close(s.closed) })
}

// Close waits briefly for queued frames, sends a normal closure and releases
// the connection.
func (s *Stream) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), streamWriteTimeout)
	s.Wait(ctx)
	cancel()

	s.mu.Lock()
	conn := s.conn
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	s.mu.Unlock()
	s.drop()
	return nil
}
