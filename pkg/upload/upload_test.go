package upload

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

type uploadCall struct {
	token    string
	filename string
	mimeType string
	content  string
}

type fakeUploader struct {
	mu       sync.Mutex
	calls    []uploadCall
	failures int
}

func (f *fakeUploader) UploadAsset(_ context.Context, token, filename, mimeType, contentB64 string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, uploadCall{token: token, filename: filename, mimeType: mimeType, content: contentB64})
	if f.failures > 0 {
		f.failures--
		return "", errors.New("upstream hiccup")
	}
	return fmt.Sprintf("asset-%d", len(f.calls)), nil
}

func newTestResolver(t *testing.T, uploader AssetUploader) *Resolver {
	t.Helper()
	r, err := NewResolver(uploader, "")
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func dataURI(mime, content string) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString([]byte(content))
}

func TestResolveDeduplicatesIdenticalContent(t *testing.T) {
	up := &fakeUploader{}
	r := newTestResolver(t, up)

	refs := []string{
		dataURI("image/png", "same-bytes"),
		dataURI("image/png", "same-bytes"),
		dataURI("image/png", "other-bytes"),
	}
	ids, err := r.Resolve(context.Background(), "tok-12345678", refs)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}
	if ids[0] != ids[1] {
		t.Fatalf("expected identical content to share an id: %v", ids)
	}
	if ids[2] == ids[0] {
		t.Fatalf("expected distinct content to get its own id: %v", ids)
	}
	if len(up.calls) != 2 {
		t.Fatalf("expected 2 uploads, got %d", len(up.calls))
	}
	if up.calls[0].token != "tok-12345678" || up.calls[0].mimeType != "image/png" || up.calls[0].filename != "image.png" {
		t.Fatalf("unexpected upload call: %+v", up.calls[0])
	}
}

func TestResolveRetriesOnce(t *testing.T) {
	up := &fakeUploader{failures: 1}
	r := newTestResolver(t, up)

	ids, err := r.Resolve(context.Background(), "tok-12345678", []string{dataURI("image/jpeg", "pixels")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 id, got %v", ids)
	}
	if len(up.calls) != 2 {
		t.Fatalf("expected retry after first failure, got %d calls", len(up.calls))
	}
}

func TestResolveFailsAfterRetryExhausted(t *testing.T) {
	up := &fakeUploader{failures: 2}
	r := newTestResolver(t, up)

	_, err := r.Resolve(context.Background(), "tok-12345678", []string{dataURI("image/jpeg", "pixels")})
	var ue *UploadError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UploadError, got %v", err)
	}
	if len(up.calls) != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", len(up.calls))
	}
}

func TestResolveBareBase64DefaultsToJPEG(t *testing.T) {
	up := &fakeUploader{}
	r := newTestResolver(t, up)

	raw := base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))
	if _, err := r.Resolve(context.Background(), "tok-12345678", []string{raw}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if up.calls[0].mimeType != "image/jpeg" || up.calls[0].filename != "image.jpeg" {
		t.Fatalf("unexpected defaults: %+v", up.calls[0])
	}
}

func TestResolveRejectsPrivateTargets(t *testing.T) {
	r := newTestResolver(t, &fakeUploader{})
	for _, ref := range []string{
		"https://127.0.0.1/a.png",
		"https://10.0.0.5/a.png",
		"https://169.254.1.1/a.png",
	} {
		_, err := r.Resolve(context.Background(), "tok-12345678", []string{ref})
		var ue *UploadError
		if !errors.As(err, &ue) {
			t.Fatalf("expected UploadError for %s, got %v", ref, err)
		}
		if !strings.Contains(err.Error(), "not allowed") {
			t.Fatalf("expected target rejection for %s, got %v", ref, err)
		}
	}
}

func TestResolveRejectsNonImageInline(t *testing.T) {
	r := newTestResolver(t, &fakeUploader{})
	_, err := r.Resolve(context.Background(), "tok-12345678", []string{dataURI("text/plain", "not an image")})
	if err == nil || !strings.Contains(err.Error(), "unsupported media type") {
		t.Fatalf("expected media type rejection, got %v", err)
	}
}

func TestResolveRejectsGarbageReference(t *testing.T) {
	r := newTestResolver(t, &fakeUploader{})
	_, err := r.Resolve(context.Background(), "tok-12345678", []string{"http://example.com/not-https.png"})
	if err == nil {
		t.Fatal("expected non-https reference to fail")
	}
}

func TestResolveEmptyRefs(t *testing.T) {
	r := newTestResolver(t, &fakeUploader{})
	ids, err := r.Resolve(context.Background(), "tok-12345678", nil)
	if err != nil || ids != nil {
		t.Fatalf("expected nil, nil for empty refs, got %v %v", ids, err)
	}
}
