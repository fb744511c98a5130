package elevenlabs

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/MrWong99/clonecall/pkg/provider/voice"
)

func newTestProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p, err := New("key-123", "agent-9", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "agent"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("key", ""); err == nil {
		t.Error("expected error for empty agent id")
	}
}

// ---- CreateVoiceClone ----

func TestCreateVoiceClone_Success(t *testing.T) {
	var gotName, gotFile, gotKey string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != addVoicePath {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("xi-api-key")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm: %v", err)
		}
		gotName = r.FormValue("name")
		f, hdr, err := r.FormFile("files")
		if err != nil {
			t.Fatalf("FormFile: %v", err)
		}
		data, _ := io.ReadAll(f)
		gotFile = hdr.Filename + ":" + string(data)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"voice_id":"v1","requires_verification":false}`)
	})

	id, err := p.CreateVoiceClone(context.Background(), []byte("RIFFdata"), "caller +3110")
	if err != nil {
		t.Fatalf("CreateVoiceClone: %v", err)
	}
	if id != "v1" {
		t.Errorf("voice id = %q, want v1", id)
	}
	if gotKey != "key-123" {
		t.Errorf("xi-api-key = %q", gotKey)
	}
	if gotName != "caller +3110" {
		t.Errorf("name = %q", gotName)
	}
	if gotFile != "sample.wav:RIFFdata" {
		t.Errorf("file = %q", gotFile)
	}
}

func TestCreateVoiceClone_StatusClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantRetryable bool
		wantMsg       string
	}{
		{"service unavailable", 503, `{"detail":"overloaded"}`, true, "overloaded"},
		{"rate limited", 429, `{"detail":{"status":"too_many_requests","message":"slow down"}}`, true, "too_many_requests: slow down"},
		{"bad sample", 400, `{"detail":{"status":"invalid_audio","message":"sample too short"}}`, false, "sample too short"},
		{"unauthorised", 401, `not json`, false, "not json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := p.CreateVoiceClone(context.Background(), []byte("x"), "n")
			var pe *voice.Error
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *voice.Error", err)
			}
			if pe.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", pe.StatusCode, tt.status)
			}
			if pe.Retryable != tt.wantRetryable {
				t.Errorf("Retryable = %v, want %v", pe.Retryable, tt.wantRetryable)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want substring %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestCreateVoiceClone_EmptySample(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty sample")
	})
	_, err := p.CreateVoiceClone(context.Background(), nil, "n")
	if err == nil || voice.IsRetryable(err) {
		t.Fatalf("error = %v, want non-retryable error", err)
	}
}

// ---- StartAgentSession ----

func TestStartAgentSession_Success(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != signedURLPath {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("agent_id"); got != "agent-9" {
			t.Errorf("agent_id = %q", got)
		}
		_, _ = io.WriteString(w, `{"signed_url":"wss://api.elevenlabs.io/v1/convai/conversation?agent_id=agent-9&conversation_signature=sig42"}`)
	})

	sess, err := p.StartAgentSession(context.Background(), "v1", voice.CallContext{CallID: "CA1"})
	if err != nil {
		t.Fatalf("StartAgentSession: %v", err)
	}
	if sess.ID != "sig42" {
		t.Errorf("session id = %q, want sig42", sess.ID)
	}
	u, err := url.Parse(sess.MediaURL)
	if err != nil {
		t.Fatalf("parse media url: %v", err)
	}
	if u.Query().Get("voice_id") != "v1" || u.Scheme != "wss" {
		t.Errorf("media url = %q", sess.MediaURL)
	}
}

func TestStartAgentSession_EmptyVoiceKeepsAgentVoice(t *testing.T) {
	hits := 0
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = io.WriteString(w, `{"signed_url":"wss://api.elevenlabs.io/v1/convai/conversation?agent_id=agent-9&conversation_signature=sig7"}`)
	})

	sess, err := p.StartAgentSession(context.Background(), "", voice.CallContext{CallID: "CA1", Fallback: true})
	if err != nil {
		t.Fatalf("StartAgentSession: %v", err)
	}
	if hits != 1 {
		t.Errorf("server hits = %d, want 1", hits)
	}
	u, err := url.Parse(sess.MediaURL)
	if err != nil {
		t.Fatalf("parse media url: %v", err)
	}
	if u.Query().Has("voice_id") {
		t.Errorf("media url %q carries a voice override", sess.MediaURL)
	}
	if sess.ID != "sig7" {
		t.Errorf("session id = %q, want sig7", sess.ID)
	}
}

func TestStartAgentSession_MissingSignature(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"signed_url":"wss://example.test/conv"}`)
	})
	sess, err := p.StartAgentSession(context.Background(), "v1", voice.CallContext{CallID: "CA7"})
	if err != nil {
		t.Fatalf("StartAgentSession: %v", err)
	}
	if sess.ID != "CA7" {
		t.Errorf("session id = %q, want call id fallback", sess.ID)
	}
}

func TestStartAgentSession_ServerError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream", http.StatusBadGateway)
	})
	_, err := p.StartAgentSession(context.Background(), "v1", voice.CallContext{})
	if !voice.IsRetryable(err) {
		t.Fatalf("error = %v, want retryable", err)
	}
}

// ---- helpers ----

func TestSampleExt(t *testing.T) {
	tests := map[string]string{
		"RIFF....WAVE": ".wav",
		"ID3\x03":      ".mp3",
		"\xff\xfb\x90": ".mp3",
		"OggS\x00":     ".ogg",
		"unknown":      ".bin",
	}
	for in, want := range tests {
		if got := sampleExt([]byte(in)); got != want {
			t.Errorf("sampleExt(%q) = %q, want %q", in, got, want)
		}
	}
}
