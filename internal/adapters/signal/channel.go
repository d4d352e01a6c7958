package signal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dkeye/podcast/internal/core"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type subscription struct {
	id int
	fn func(domain.Message)
}

// Channel is a reconnecting signaling connection. A single goroutine owns
// the websocket writes, so frames leave in Send order.
type Channel struct {
	cfg      Dialer
	endpoint string
	token    string
	local    domain.ParticipantID
	logger   zerolog.Logger
	// resume is the relay-issued token that reclaims local on reconnect.
	resume string

	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	exited chan struct{}

	mu       sync.Mutex
	handlers map[domain.MessageKind]subscription
	nextSub  int
	lastJoin []byte
	closed   bool
	err      error
}

func newChannel(cfg Dialer, endpoint, token string, hello domain.Message) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:      cfg,
		endpoint: endpoint,
		token:    token,
		local:    hello.UserID,
		resume:   hello.Token,
		logger:   log.With().Str("module", "adapters.signal").Str("local", hello.UserID.String()).Logger(),
		out:      make(chan []byte, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
		handlers: make(map[domain.MessageKind]subscription),
	}
}

func (c *Channel) LocalID() domain.ParticipantID { return c.local }
func (c *Channel) Done() <-chan struct{}         { return c.done }

func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send queues a frame. join-room frames are remembered and re-sent first on
// every reconnect.
func (c *Channel) Send(msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	if msg.Type == domain.KindJoin {
		c.lastJoin = data
	}
	select {
	case c.out <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Channel) Subscribe(kind domain.MessageKind, handler func(domain.Message)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[kind]; ok {
		return nil, core.Conflict("subscribe", "handler for %q already installed", kind)
	}
	c.nextSub++
	id := c.nextSub
	c.handlers[kind] = subscription{id: id, fn: handler}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if s, ok := c.handlers[kind]; ok && s.id == id {
			delete(c.handlers, kind)
		}
	}, nil
}

func (c *Channel) Disconnect() error {
	if !c.terminate(nil) {
		return nil
	}
	c.cancel()
	<-c.exited
	c.logger.Info().Msg("signaling disconnected")
	return nil
}

// terminate moves the channel to Disconnected once.
func (c *Channel) terminate(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.err = err
	close(c.done)
	return true
}

func (c *Channel) dispatch(data []byte) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("bad frame")
		return
	}
	c.mu.Lock()
	s, ok := c.handlers[msg.Type]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Str("kind", string(msg.Type)).Msg("no handler")
		return
	}
	s.fn(msg)
}

func (c *Channel) readPump(conn *websocket.Conn, broken chan<- struct{}) {
	defer close(broken)
	pongWait := c.cfg.PingPeriod * 2
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(data)
	}
}

func (c *Channel) write(conn *websocket.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// run drives one connection at a time. When it breaks, the frame that failed
// is kept and retried after the room is re-joined.
func (c *Channel) run(conn *websocket.Conn) {
	defer close(c.exited)
	var pending []byte
	for {
		pending = c.serve(conn, pending)
		_ = conn.Close()
		if c.ctx.Err() != nil {
			return
		}

		next, err := c.reconnect(pending)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Msg("reconnect exhausted")
			c.terminate(core.Wrap(core.ErrTransport, "reconnect", err))
			c.cancel()
			return
		}
		conn = next
		pending = nil
	}
}

// serve pumps frames until the connection breaks or the channel closes. It
// returns the frame that could not be written, if any.
func (c *Channel) serve(conn *websocket.Conn, pending []byte) []byte {
	broken := make(chan struct{})
	go c.readPump(conn, broken)
	defer func() {
		_ = conn.Close()
		<-broken
	}()

	ping := time.NewTicker(c.cfg.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-c.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return nil
		case <-broken:
			return pending
		case data := <-c.out:
			if err := c.write(conn, data); err != nil {
				c.logger.Warn().Err(err).Msg("write failed")
				return data
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Warn().Err(err).Msg("ping failed")
				return pending
			}
		}
	}
}

func (c *Channel) reconnect(pending []byte) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		case <-time.After(c.cfg.Backoff):
		}
		c.logger.Info().Int("attempt", attempt).Msg("reconnecting")

		token := c.token
		if c.resume != "" {
			token = c.resume
		}
		conn, hello, err := c.cfg.dial(c.ctx, c.endpoint, token, c.local)
		if err != nil {
			lastErr = err
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}
		if hello.UserID != c.local {
			c.logger.Warn().Str("assigned", hello.UserID.String()).Msg("relay assigned a new id")
		}
		if hello.Token != "" {
			c.resume = hello.Token
		}
		if err := c.replay(conn, pending); err != nil {
			_ = conn.Close()
			lastErr = err
			continue
		}
		c.logger.Info().Int("attempt", attempt).Msg("reconnected")
		return conn, nil
	}
	if lastErr == nil {
		lastErr = errClosed
	}
	return nil, lastErr
}

func (c *Channel) replay(conn *websocket.Conn, pending []byte) error {
	c.mu.Lock()
	join := c.lastJoin
	c.mu.Unlock()
	if join != nil {
		if err := c.write(conn, join); err != nil {
			return err
		}
	}
	if pending != nil && string(pending) != string(join) {
		return c.write(conn, pending)
	}
	return nil
}
