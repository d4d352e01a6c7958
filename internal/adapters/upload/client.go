// Package upload hands finished recordings to the processing service.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/dkeye/podcast/internal/core"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

var errNoReference = errors.New("upload response has no reference")

type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// New posts to endpoint. Timeouts come from the caller's context.
func New(endpoint, token string) *Client {
	return &Client{endpoint: endpoint, token: token, http: &http.Client{}}
}

func (c *Client) Upload(ctx context.Context, req core.UploadRequest) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	name := fmt.Sprintf("recording-%s.%s", req.SessionID, Extension(req.Artifact.MimeType))
	part, err := w.CreateFormFile("video", name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(req.Artifact.Data); err != nil {
		return "", err
	}
	fields := [][2]string{
		{"sessionId", string(req.SessionID)},
		{"userId", string(req.UserID)},
		{"activeSpeakerId", string(req.ActiveSpeakerID)},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	ref := gjson.GetBytes(data, "reference").String()
	if ref == "" {
		return "", errNoReference
	}
	log.Info().
		Str("module", "adapters.upload").
		Str("session", string(req.SessionID)).
		Int("bytes", len(req.Artifact.Data)).
		Str("reference", ref).
		Msg("recording uploaded")
	return ref, nil
}

// Extension maps a recording mime type to a file extension.
func Extension(mime string) string {
	base, _, _ := strings.Cut(mime, ";")
	switch strings.TrimSpace(base) {
	case "audio/ogg", "video/ogg":
		return "ogg"
	case "audio/webm", "video/webm":
		return "webm"
	case "video/mp4", "audio/mp4":
		return "mp4"
	default:
		return "bin"
	}
}
