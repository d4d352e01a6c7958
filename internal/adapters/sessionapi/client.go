// Package sessionapi is the HTTP client for the session-management service.
package sessionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/podcast/internal/core"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

var ErrNotFound = errors.New("session not found")

type Client struct {
	base  string
	token string
	http  *http.Client
}

func New(base, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) Create(ctx context.Context, title string) (domain.Room, error) {
	var room domain.Room
	err := c.post(ctx, "/api/sessions", map[string]string{"title": title}, &room)
	if err == nil && room.InviteKey == "" {
		err = errors.New("invite key not generated")
	}
	return room, err
}

func (c *Client) Join(ctx context.Context, invite domain.InviteKey) (domain.Room, error) {
	var room domain.Room
	err := c.post(ctx, "/api/sessions/join", map[string]string{"inviteKey": string(invite)}, &room)
	if err == nil && room.ID == "" {
		err = fmt.Errorf("join %s: empty room id", invite)
	}
	return room, err
}

func (c *Client) End(ctx context.Context, room domain.RoomID) error {
	return c.post(ctx, "/api/sessions/end", map[string]string{"roomId": string(room)}, nil)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 300 {
		msg := gjson.GetBytes(data, "error").String()
		if msg == "" {
			msg = resp.Status
		}
		log.Warn().Str("module", "adapters.sessionapi").Str("path", path).Int("status", resp.StatusCode).Str("error", msg).Msg("request rejected")
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return core.Wrap(core.ErrAuthorization, path, errors.New(msg))
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		case http.StatusConflict:
			return core.Conflict(path, "%s", msg)
		default:
			return fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, msg)
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
