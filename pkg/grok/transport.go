package grok

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/grokgate/grokgate/pkg/config"
)

const (
	conversationPath = "/rest/app-chat/conversations/new"
	uploadPath       = "/rest/app-chat/upload-file"
	rateLimitsPath   = "/rest/rate-limits"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36"

	uploadTimeout    = 30 * time.Second
	rateLimitTimeout = 10 * time.Second
)

// Transport issues requests against the upstream web API while presenting
// the statically configured browser fingerprint: header set, anti-automation
// token, clearance cookie and optional outbound proxy. It never derives the
// anti-automation values itself.
type Transport struct {
	cfg config.GrokConfig
	// client carries no global timeout; streaming reads are bounded by the
	// orchestrator's three clocks instead.
	client *http.Client
}

func NewTransport(cfg config.GrokConfig) (*Transport, error) {
	transport := &http.Transport{
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 15 * time.Second,
	}
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &Transport{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
	}, nil
}

func (t *Transport) applyHeaders(req *http.Request, token string) {
	h := req.Header
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Content-Type", "application/json")
	h.Set("Origin", t.cfg.BaseURL)
	h.Set("Referer", t.cfg.BaseURL+"/")
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-origin")
	if t.cfg.XStatsigID != "" {
		h.Set("x-statsig-id", t.cfg.XStatsigID)
	}
	h.Set("x-xai-request-id", uuid.NewString())
	h.Set("Cookie", t.cookieHeader(token))
}

func (t *Transport) cookieHeader(token string) string {
	parts := []string{"sso=" + token, "sso-rw=" + token}
	if t.cfg.CFClearance != "" {
		parts = append(parts, "cf_clearance="+t.cfg.CFClearance)
	}
	return strings.Join(parts, "; ")
}

// OpenConversation starts a streaming conversation request. A 2xx status
// returns the response with its body still open for the stream reader; any
// other status is drained into a RejectedError.
func (t *Transport) OpenConversation(ctx context.Context, token string, payload []byte) (*http.Response, error) {
	u := t.cfg.BaseURL + conversationPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	t.applyHeaders(req, token)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		_ = resp.Body.Close()
		return nil, &RejectedError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(b)),
		}
	}
	return resp, nil
}

// UploadAsset posts one base64-encoded file to the upload endpoint and
// returns the upstream asset id. Implements upload.AssetUploader.
func (t *Transport) UploadAsset(ctx context.Context, token, filename, mimeType, contentB64 string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"fileName":     filename,
		"fileMimeType": mimeType,
		"content":      contentB64,
	})
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+uploadPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	t.applyHeaders(req, token)
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload asset: %w", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("upload asset: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &RejectedError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}
	id := gjson.GetBytes(b, "fileMetadataId").String()
	if id == "" {
		return "", fmt.Errorf("upload asset: response missing fileMetadataId")
	}
	return id, nil
}

// FetchRateLimits asks upstream how many queries remain for a model. Used
// to resync records whose quota was never observed; -1 means the endpoint
// did not report a count.
func (t *Transport) FetchRateLimits(ctx context.Context, token, upstreamModel string) (int, error) {
	body, err := json.Marshal(map[string]string{
		"requestKind": "DEFAULT",
		"modelName":   upstreamModel,
	})
	if err != nil {
		return -1, err
	}
	ctx, cancel := context.WithTimeout(ctx, rateLimitTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+rateLimitsPath, bytes.NewReader(body))
	if err != nil {
		return -1, err
	}
	t.applyHeaders(req, token)
	resp, err := t.client.Do(req)
	if err != nil {
		return -1, fmt.Errorf("fetch rate limits: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return -1, &RejectedError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return -1, fmt.Errorf("fetch rate limits: %w", err)
	}
	remaining := gjson.GetBytes(b, "remainingQueries")
	if !remaining.Exists() {
		return -1, nil
	}
	return int(remaining.Int()), nil
}

// lineStream is the producer half of the stream pipeline: one goroutine
// reads NDJSON lines from the response body into a channel until the body
// ends, the body is closed, or the consumer signals it is done.
type lineStream struct {
	lines chan []byte
	errc  chan error
	done  chan struct{}
	once  sync.Once
}

func newLineStream(body io.Reader) *lineStream {
	s := &lineStream{
		lines: make(chan []byte, 8),
		errc:  make(chan error, 1),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(s.lines)
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 4<<20)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			cp := make([]byte, len(line))
			copy(cp, line)
			select {
			case s.lines <- cp:
			case <-s.done:
				return
			}
		}
		s.errc <- scanner.Err()
	}()
	return s
}

// Stop releases the producer goroutine; safe to call more than once.
func (s *lineStream) Stop() {
	s.once.Do(func() { close(s.done) })
}
