// Package upload resolves inline image references into upstream-hosted
// asset ids before a chat request is sent.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
)

const (
	maxFileSize     = 10 << 20
	downloadTimeout = 15 * time.Second
	retryBackoff    = 500 * time.Millisecond
)

// UploadError means media resolution failed after its one retry. The request
// is aborted before any upstream chat call; there is no partial substitution.
type UploadError struct {
	Ref string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Ref, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// AssetUploader posts one file to the upstream upload endpoint. The grok
// transport implements it with the full fingerprint header set.
type AssetUploader interface {
	UploadAsset(ctx context.Context, token, filename, mimeType, contentB64 string) (assetID string, err error)
}

// Resolver turns image references (https URLs or inline base64) into asset
// ids. Identical byte content within one request uploads at most once.
type Resolver struct {
	uploader AssetUploader
	download *http.Client
}

func NewResolver(uploader AssetUploader, proxyURL string) (*Resolver, error) {
	transport := &http.Transport{}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &Resolver{
		uploader: uploader,
		download: &http.Client{Timeout: downloadTimeout, Transport: transport},
	}, nil
}

// Resolve maps every reference to an upstream asset id, in order. Any
// failure aborts the whole set.
func (r *Resolver) Resolve(ctx context.Context, token string, refs []string) ([]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(refs))
	seen := make(map[[sha256.Size]byte]string, len(refs))
	for _, ref := range refs {
		raw, mimeType, err := r.fetch(ctx, ref)
		if err != nil {
			return nil, &UploadError{Ref: abbrevRef(ref), Err: err}
		}
		sum := sha256.Sum256(raw)
		if id, ok := seen[sum]; ok {
			ids = append(ids, id)
			continue
		}
		id, err := r.uploadWithRetry(ctx, token, raw, mimeType)
		if err != nil {
			return nil, &UploadError{Ref: abbrevRef(ref), Err: err}
		}
		seen[sum] = id
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *Resolver) uploadWithRetry(ctx context.Context, token string, raw []byte, mimeType string) (string, error) {
	contentB64 := base64.StdEncoding.EncodeToString(raw)
	filename := "image." + extensionFor(mimeType)
	id, err := r.uploader.UploadAsset(ctx, token, filename, mimeType, contentB64)
	if err == nil {
		return id, nil
	}
	log.Warn("asset upload failed, retrying once", "err", err)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(retryBackoff):
	}
	return r.uploader.UploadAsset(ctx, token, filename, mimeType, contentB64)
}

func (r *Resolver) fetch(ctx context.Context, ref string) (raw []byte, mimeType string, err error) {
	if isHTTPSURL(ref) {
		return r.downloadURL(ctx, ref)
	}
	return decodeInline(ref)
}

var dataURIRe = regexp.MustCompile(`^data:([a-zA-Z0-9]+/[a-zA-Z0-9.+-]+);base64,`)

func decodeInline(ref string) ([]byte, string, error) {
	mimeType := "image/jpeg"
	payload := ref
	if m := dataURIRe.FindStringSubmatch(ref); m != nil {
		mimeType = m[1]
		payload = ref[len(m[0]):]
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode inline image: %w", err)
	}
	if len(raw) == 0 {
		return nil, "", fmt.Errorf("inline image is empty")
	}
	if len(raw) > maxFileSize {
		return nil, "", fmt.Errorf("image exceeds %d byte limit", maxFileSize)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, "", fmt.Errorf("unsupported media type %q", mimeType)
	}
	return raw, mimeType, nil
}

func (r *Resolver) downloadURL(ctx context.Context, rawURL string) ([]byte, string, error) {
	if err := validateRemoteURL(rawURL); err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := r.download.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFileSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	if len(raw) == 0 {
		return nil, "", fmt.Errorf("downloaded image is empty")
	}
	if len(raw) > maxFileSize {
		return nil, "", fmt.Errorf("image exceeds %d byte limit", maxFileSize)
	}
	mimeType := strings.ToLower(strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0]))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, "", fmt.Errorf("unsupported media type %q", mimeType)
	}
	return raw, mimeType, nil
}

func isHTTPSURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && strings.EqualFold(u.Scheme, "https") && u.Host != ""
}

// validateRemoteURL blocks loopback, private and link-local targets so a
// caller cannot use the proxy to probe internal hosts.
func validateRemoteURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse image url: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "https") || u.Hostname() == "" {
		return fmt.Errorf("image urls must be https")
	}
	host := strings.ToLower(u.Hostname())
	if ip := net.ParseIP(host); ip != nil {
		if isDisallowedIP(ip) {
			return fmt.Errorf("image url target %s not allowed", host)
		}
		return nil
	}
	addrs, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable hosts fail at dial time with a clearer error.
		return nil
	}
	for _, ip := range addrs {
		if isDisallowedIP(ip) {
			return fmt.Errorf("image url target %s resolves to a private address", host)
		}
	}
	return nil
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

func extensionFor(mimeType string) string {
	if idx := strings.Index(mimeType, "/"); idx >= 0 && idx+1 < len(mimeType) {
		return mimeType[idx+1:]
	}
	return "jpg"
}

func abbrevRef(ref string) string {
	if len(ref) <= 64 {
		return ref
	}
	return ref[:64] + "…"
}
