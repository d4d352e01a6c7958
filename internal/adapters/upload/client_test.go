package upload

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dkeye/podcast/internal/core"
	"github.com/dkeye/podcast/internal/domain"
)

func TestUploadSendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		file, header, err := r.FormFile("video")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		if header.Filename != "recording-R1.ogg" || string(data) != "OggS-data" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.FormValue("sessionId") != "R1" || r.FormValue("userId") != "A" || r.FormValue("activeSpeakerId") != "B" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"reference":"ref-1"}`))
	}))
	defer srv.Close()

	ref, err := New(srv.URL, "tok").Upload(context.Background(), core.UploadRequest{
		Artifact:        domain.Artifact{MimeType: "audio/ogg", Data: []byte("OggS-data")},
		SessionID:       "R1",
		UserID:          "A",
		ActiveSpeakerID: "B",
	})
	if err != nil || ref != "ref-1" {
		t.Fatalf("upload: %q %v", ref, err)
	}
}

func TestUploadRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too large", http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	if _, err := New(srv.URL, "").Upload(context.Background(), core.UploadRequest{SessionID: "R1"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestExtension(t *testing.T) {
	cases := map[string]string{
		"audio/ogg":              "ogg",
		"video/webm;codecs=vp8":  "webm",
		"application/x-whatever": "bin",
	}
	for mime, want := range cases {
		if got := Extension(mime); got != want {
			t.Errorf("Extension(%q) = %q, want %q", mime, got, want)
		}
	}
}
