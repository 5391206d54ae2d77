// Package room is the participant side of a session: a websocket that carries
// the participant's audio in and the pipeline's events out.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/audio"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/pipeline"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/token"
)

const (
	joinTimeout = 10 * time.Second
	writeWait   = 10 * time.Second
	frameBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ErrClosed is returned by Send after the connection has been closed.
var ErrClosed = errors.New("room: connection closed")

// Verifier validates a participant's access token.
type Verifier interface {
	Verify(raw string) (*token.Claims, error)
}

// Participant identifies who joined which room.
type Participant struct {
	Identity string
	Room     string
}

// joinRequest is the first text frame sent by the participant.
type joinRequest struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
}

// leaveMessage is an optional text frame announcing a clean exit.
type leaveMessage struct {
	Type string `json:"type"`
}

// Conn is one participant's connection. It implements pipeline.Media once joined.
type Conn struct {
	ws          *websocket.Conn
	participant Participant
	logger      *slog.Logger

	codec      audio.Codec
	sampleRate int
	frames     chan pipeline.Frame

	errMu   sync.Mutex
	readErr error

	writeMu   sync.Mutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// Accept verifies the request's access token and upgrades it. On failure the
// response has already been written.
func Accept(w http.ResponseWriter, r *http.Request, v Verifier) (*Conn, error) {
	raw := accessToken(r)
	if raw == "" {
		http.Error(w, "missing access token", http.StatusUnauthorized)
		return nil, fmt.Errorf("accept: %w", token.ErrInvalid)
	}
	claims, err := v.Verify(raw)
	if err != nil {
		http.Error(w, "invalid access token", http.StatusUnauthorized)
		return nil, fmt.Errorf("accept: %w", err)
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}

	p := Participant{Identity: claims.Identity(), Room: claims.Video.Room}
	return &Conn{
		ws:          ws,
		participant: p,
		logger:      slog.Default().With("room", p.Room, "participant", p.Identity),
		frames:      make(chan pipeline.Frame, frameBuffer),
		done:        make(chan struct{}),
	}, nil
}

// accessToken reads the token from ?token= (browsers cannot set headers on
// websocket requests) or an Authorization bearer header.
func accessToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

// Participant returns the verified identity and room.
func (c *Conn) Participant() Participant { return c.participant }

// Join reads the participant's join frame and starts delivering audio frames.
func (c *Conn) Join(ctx context.Context) error {
	deadline := time.Now().Add(joinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.ws.SetReadDeadline(deadline)

	typ, data, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("read join: %w", err)
	}
	if typ != websocket.TextMessage {
		return errors.New("read join: expected text frame")
	}
	var req joinRequest
	if err = json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("read join: %w", err)
	}

	c.codec = audio.Codec(req.Codec)
	if c.codec == "" {
		c.codec = audio.CodecPCM
	}
	if !audio.Supported(c.codec) {
		return fmt.Errorf("join: unsupported codec %q", req.Codec)
	}
	c.sampleRate = req.SampleRate
	if c.sampleRate <= 0 {
		c.sampleRate = audio.PipelineRate
	}

	c.ws.SetReadDeadline(time.Time{})
	c.logger.Info("participant joined", "codec", c.codec, "sample_rate", c.sampleRate)
	go c.readLoop()
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.frames)
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			c.setErr(c.classify(err))
			return
		}

		switch typ {
		case websocket.BinaryMessage:
			f := pipeline.Frame{Data: data, Codec: c.codec, SampleRate: c.sampleRate}
			select {
			case c.frames <- f:
			case <-c.done:
				c.setErr(io.EOF)
				return
			}
		case websocket.TextMessage:
			var msg leaveMessage
			if json.Unmarshal(data, &msg) == nil && msg.Type == "leave" {
				c.logger.Info("participant left")
				c.setErr(io.EOF)
				return
			}
		}
	}
}

// classify maps read errors: any close frame or a local Close is the
// participant leaving, anything else is a transport failure.
func (c *Conn) classify(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.logger.Info("participant disconnected", "code", ce.Code)
		return io.EOF
	}
	select {
	case <-c.done:
		return io.EOF
	default:
	}
	return fmt.Errorf("room read: %w", err)
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		c.readErr = err
	}
}

// ReadFrame returns the next audio frame, io.EOF once the participant has left.
func (c *Conn) ReadFrame(ctx context.Context) (pipeline.Frame, error) {
	select {
	case f, ok := <-c.frames:
		if ok {
			return f, nil
		}
		c.errMu.Lock()
		defer c.errMu.Unlock()
		return pipeline.Frame{}, c.readErr
	case <-ctx.Done():
		return pipeline.Frame{}, ctx.Err()
	}
}

// Send writes an event. Audio, when present, goes first as a binary frame
// followed by the JSON event.
func (c *Conn) Send(ev pipeline.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if ev.Audio != nil {
		if err := c.ws.WriteMessage(websocket.BinaryMessage, ev.Audio); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err = c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close sends a normal close frame and releases the socket. Safe to call repeatedly.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.closed = true
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
