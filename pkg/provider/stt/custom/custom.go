// Package custom provides an STT provider for a self-hosted HTTP endpoint that
// accepts a multipart upload in the form field "file" and answers with a JSON
// object holding the transcript, by default under the "result" key:
//
//	POST <url>   file=input.wav   →   {"result": "turn on the lights"}
package custom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/MrWong99/aily/pkg/audio"
	"github.com/MrWong99/aily/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

const (
	defaultResultField = "result"
	defaultTimeout     = 60 * time.Second
)

// Option configures a Provider.
type Option func(*Provider)

// WithResultField changes the JSON key holding the transcript.
func WithResultField(name string) Option {
	return func(p *Provider) { p.resultField = name }
}

// WithHeader adds a header to every request, e.g. an Authorization token.
func WithHeader(key, value string) Option {
	return func(p *Provider) { p.headers.Set(key, value) }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// Provider implements stt.Provider for a generic upload endpoint.
type Provider struct {
	url         string
	resultField string
	headers     http.Header
	httpClient  *http.Client
}

// New returns a Provider posting to url.
func New(url string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, errors.New("custom stt: url must not be empty")
	}
	p := &Provider{
		url:         url,
		resultField: defaultResultField,
		headers:     http.Header{},
		httpClient:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.resultField == "" {
		return nil, errors.New("custom stt: result field must not be empty")
	}
	return p, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, format audio.Format) (string, error) {
	wav, err := stt.PrepareWAV(pcm, format)
	if err != nil {
		return "", fmt.Errorf("custom stt: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part := textproto.MIMEHeader{}
	part.Set("Content-Disposition", `form-data; name="file"; filename="input.wav"`)
	part.Set("Content-Type", "audio/wav")
	fw, err := mw.CreatePart(part)
	if err != nil {
		return "", fmt.Errorf("custom stt: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("custom stt: write wav data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("custom stt: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, &body)
	if err != nil {
		return "", fmt.Errorf("custom stt: create request: %w", err)
	}
	for k, v := range p.headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("custom stt: http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("custom stt: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("custom stt: read response body: %w", err)
	}
	var result map[string]json.RawMessage
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("custom stt: parse JSON response: %w", err)
	}
	raw, ok := result[p.resultField]
	if !ok {
		return "", fmt.Errorf("custom stt: response has no %q field", p.resultField)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", fmt.Errorf("custom stt: field %q is not a string: %w", p.resultField, err)
	}
	return strings.TrimSpace(text), nil
}
