// Package elevenlabs provides an ElevenLabs-backed voice provider. Voices are
// cloned with the instant voice cloning endpoint and agent sessions are
// started through the Conversational AI signed-URL endpoint.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/MrWong99/clonecall/pkg/provider/voice"
)

const (
	defaultBaseURL  = "https://api.elevenlabs.io"
	addVoicePath    = "/v1/voices/add"
	signedURLPath   = "/v1/convai/conversation/get-signed-url"
	maxErrorBodyLen = 4 << 10
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL. Used by tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithRemoveBackgroundNoise asks ElevenLabs to denoise samples before cloning.
func WithRemoveBackgroundNoise(on bool) Option {
	return func(p *Provider) {
		p.removeNoise = on
	}
}

// Provider implements voice.Provider backed by the ElevenLabs HTTP API.
type Provider struct {
	apiKey      string
	agentID     string
	baseURL     string
	removeNoise bool
	httpClient  *http.Client
}

// Compile-time interface assertion.
var _ voice.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey and agentID must be non-empty.
func New(apiKey, agentID string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if agentID == "" {
		return nil, errors.New("elevenlabs: agentID must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		agentID:    agentID,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// addVoiceResponse is the body returned by POST /v1/voices/add.
type addVoiceResponse struct {
	VoiceID              string `json:"voice_id"`
	RequiresVerification bool   `json:"requires_verification"`
}

// signedURLResponse is the body returned by the signed URL endpoint.
type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
}

// CreateVoiceClone uploads sample as a single-file instant voice clone.
func (p *Provider) CreateVoiceClone(ctx context.Context, sample []byte, name string) (string, error) {
	const op = "elevenlabs: create voice clone"
	if len(sample) == 0 {
		return "", &voice.Error{Op: op, Err: errors.New("empty sample")}
	}

	body, contentType, err := buildAddVoiceForm(sample, name, p.removeNoise)
	if err != nil {
		return "", &voice.Error{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+addVoicePath, body)
	if err != nil {
		return "", &voice.Error{Op: op, Err: err}
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	var out addVoiceResponse
	if err := p.do(req, op, &out); err != nil {
		return "", err
	}
	if out.VoiceID == "" {
		return "", &voice.Error{Op: op, Err: errors.New("response carried no voice_id")}
	}
	return out.VoiceID, nil
}

// StartAgentSession requests a signed conversation URL for the configured
// agent. The voice override is carried as a query parameter so the media
// bridge can apply it when the conversation is initiated. With an empty
// voiceID no override is set and the agent speaks with its own voice.
func (p *Provider) StartAgentSession(ctx context.Context, voiceID string, call voice.CallContext) (voice.Session, error) {
	const op = "elevenlabs: start agent session"

	q := url.Values{"agent_id": {p.agentID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+signedURLPath+"?"+q.Encode(), nil)
	if err != nil {
		return voice.Session{}, &voice.Error{Op: op, Err: err}
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	var out signedURLResponse
	if err := p.do(req, op, &out); err != nil {
		return voice.Session{}, err
	}
	if out.SignedURL == "" {
		return voice.Session{}, &voice.Error{Op: op, Err: errors.New("response carried no signed_url")}
	}

	return sessionFromSignedURL(out.SignedURL, voiceID, call.CallID)
}

// do executes req and decodes a 2xx JSON body into out. Failures are returned
// as *voice.Error.
func (p *Provider) do(req *http.Request, op string, out any) error {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return voice.TransportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return voice.StatusError(op, resp.StatusCode, errors.New(errorDetail(resp.Body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &voice.Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

// ---- helpers ----

// buildAddVoiceForm encodes the multipart body for POST /v1/voices/add.
func buildAddVoiceForm(sample []byte, name string, removeNoise bool) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("name", name); err != nil {
		return nil, "", err
	}
	if removeNoise {
		if err := w.WriteField("remove_background_noise", "true"); err != nil {
			return nil, "", err
		}
	}
	fw, err := w.CreateFormFile("files", "sample"+sampleExt(sample))
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(sample); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// sampleExt guesses a file extension from the sample's magic bytes.
func sampleExt(sample []byte) string {
	switch {
	case bytes.HasPrefix(sample, []byte("RIFF")):
		return ".wav"
	case bytes.HasPrefix(sample, []byte("ID3")), len(sample) > 1 && sample[0] == 0xFF && sample[1]&0xE0 == 0xE0:
		return ".mp3"
	case bytes.HasPrefix(sample, []byte("OggS")):
		return ".ogg"
	}
	return ".bin"
}

// sessionFromSignedURL derives a session reference from a signed URL. The
// conversation signature doubles as the session ID.
func sessionFromSignedURL(signed, voiceID, callID string) (voice.Session, error) {
	u, err := url.Parse(signed)
	if err != nil {
		return voice.Session{}, &voice.Error{Op: "elevenlabs: start agent session", Err: fmt.Errorf("parse signed url: %w", err)}
	}
	q := u.Query()
	id := q.Get("conversation_signature")
	if id == "" {
		id = callID
	}
	if voiceID != "" {
		q.Set("voice_id", voiceID)
	}
	u.RawQuery = q.Encode()
	return voice.Session{ID: id, MediaURL: u.String()}, nil
}

// errorDetail extracts a readable message from an ElevenLabs error body.
// ElevenLabs returns either {"detail": "..."} or
// {"detail": {"status": "...", "message": "..."}}.
func errorDetail(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBodyLen))
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && len(body.Detail) > 0 {
		var s string
		if json.Unmarshal(body.Detail, &s) == nil && s != "" {
			return s
		}
		var obj struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body.Detail, &obj) == nil && obj.Message != "" {
			if obj.Status != "" {
				return obj.Status + ": " + obj.Message
			}
			return obj.Message
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return s
	}
	return "no response body"
}
