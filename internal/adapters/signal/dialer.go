// Package signal is the client side of the signaling relay: one websocket
// channel per session with bounded reconnect.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/dkeye/podcast/internal/core"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	errClosed       = errors.New("channel closed")
	errNoHello      = errors.New("relay did not greet")
)

type Dialer struct {
	// Attempts bounds reconnects after the first connection drops.
	Attempts     int
	Backoff      time.Duration
	WriteTimeout time.Duration
	PingPeriod   time.Duration
	ReadLimit    int64
	// QueueSize is the outbound buffer; Send fails with ErrBackpressure when full.
	QueueSize int
}

func (d *Dialer) withDefaults() Dialer {
	out := *d
	if out.Backoff <= 0 {
		out.Backoff = 3 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 5 * time.Second
	}
	if out.PingPeriod <= 0 {
		out.PingPeriod = 30 * time.Second
	}
	if out.ReadLimit <= 0 {
		out.ReadLimit = 64 << 10
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 64
	}
	return out
}

// Connect dials the relay and waits for its hello frame, which carries the
// participant id for this channel and a token that reclaims it on reconnect.
func (d *Dialer) Connect(ctx context.Context, endpoint, authToken string) (core.SignalChannel, error) {
	cfg := d.withDefaults()
	conn, hello, err := cfg.dial(ctx, endpoint, authToken, "")
	if err != nil {
		return nil, err
	}
	ch := newChannel(cfg, endpoint, authToken, hello)
	go ch.run(conn)
	log.Info().Str("module", "adapters.signal").Str("local", hello.UserID.String()).Msg("signaling connected")
	return ch, nil
}

func (d Dialer) dial(ctx context.Context, endpoint, token string, id domain.ParticipantID) (*websocket.Conn, domain.Message, error) {
	var hello domain.Message
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, hello, fmt.Errorf("signal endpoint: %w", err)
	}
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	if id != "" {
		q.Set("id", string(id))
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.WriteTimeout * 2,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, hello, err
	}
	conn.SetReadLimit(d.ReadLimit)

	_ = conn.SetReadDeadline(time.Now().Add(d.WriteTimeout * 2))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, hello, fmt.Errorf("read hello: %w", err)
	}
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != domain.KindHello || hello.UserID == "" {
		_ = conn.Close()
		return nil, hello, errNoHello
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, hello, nil
}
