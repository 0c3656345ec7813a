package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// wsFrameMessage is the camera daemon's wire format for one frame.
type wsFrameMessage struct {
	Type      string `json:"type"`
	Data      string `json:"data"` // base64 JPEG
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Sequence  int64  `json:"sequence,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// WSSourceConfig configures the WebSocket frame source.
type WSSourceConfig struct {
	// URL of the camera daemon, e.g. "ws://localhost:8765/frames".
	URL string
	// ReconnectDelay between connection attempts.
	ReconnectDelay time.Duration
}

// DefaultWSSourceConfig returns sensible defaults.
func DefaultWSSourceConfig() WSSourceConfig {
	return WSSourceConfig{
		URL:            "ws://localhost:8765/frames",
		ReconnectDelay: 2 * time.Second,
	}
}

// WSFrameSource receives JPEG frames from a camera daemon over WebSocket.
// A background read loop keeps only the most recent frame; NextFrame
// drains it without blocking, so a slow consumer sees the freshest frame
// rather than a backlog.
type WSFrameSource struct {
	config WSSourceConfig
	logger zerolog.Logger

	mu     sync.Mutex
	latest *Frame

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSFrameSource creates the source and starts its connection loop.
func NewWSFrameSource(config WSSourceConfig, logger zerolog.Logger) (*WSFrameSource, error) {
	if config.URL == "" {
		config = DefaultWSSourceConfig()
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 2 * time.Second
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &WSFrameSource{
		config: config,
		logger: logger.With().Str("component", "frame-source").Logger(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.connectLoop()
	return s, nil
}

// NextFrame returns the most recently received frame, or nil if no new
// frame has arrived since the last call. A nil return is a transient
// condition, never an error.
func (s *WSFrameSource) NextFrame() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.latest
	s.latest = nil
	return f
}

// Close stops the read loop and closes the connection.
func (s *WSFrameSource) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *WSFrameSource) connectLoop() {
	defer close(s.done)

	for {
		if s.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, s.config.URL, nil)
		if err != nil {
			s.logger.Warn().Err(err).Str("url", s.config.URL).Msg("Camera daemon connect failed, retrying")
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.config.ReconnectDelay):
			}
			continue
		}

		s.logger.Info().Str("url", s.config.URL).Msg("Connected to camera daemon")
		s.readLoop(conn)
		conn.Close()
	}
}

func (s *WSFrameSource) readLoop(conn *websocket.Conn) {
	// Unblock the read when the source is closed.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Camera daemon read failed, reconnecting")
			}
			return
		}

		var msg wsFrameMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug().Err(err).Msg("Dropping malformed frame message")
			continue
		}
		if msg.Type != "frame" {
			continue
		}

		jpeg, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			s.logger.Debug().Err(err).Msg("Dropping frame with bad image payload")
			continue
		}

		frame := &Frame{
			Data:      jpeg,
			Width:     msg.Width,
			Height:    msg.Height,
			Format:    "jpeg",
			Timestamp: time.Now(),
		}
		s.mu.Lock()
		s.latest = frame
		s.mu.Unlock()
	}
}
