package proxy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/grokgate/grokgate/pkg/credential"
	"github.com/grokgate/grokgate/pkg/grok"
	"github.com/grokgate/grokgate/pkg/translate"
	"github.com/grokgate/grokgate/pkg/upload"
)

// apiError is the OpenAI-compatible error envelope.
type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type apiErrorBody struct {
	Error apiError `json:"error"`
}

// mapError translates internal failures onto the caller-facing error
// contract. Unknown errors become opaque 500s.
func mapError(err error) (int, apiError) {
	var (
		transErr   *translate.TranslationError
		uploadErr  *upload.UploadError
		timeoutErr *grok.TimeoutError
		rejErr     *grok.RejectedError
		partialErr *grok.PartialError
	)
	switch {
	case errors.As(err, &transErr):
		return http.StatusBadRequest, apiError{Message: transErr.Error(), Type: "invalid_request_error", Code: "invalid_request"}
	case errors.As(err, &uploadErr):
		return http.StatusBadGateway, apiError{Message: uploadErr.Error(), Type: "upstream_error", Code: "upload_failed"}
	case errors.Is(err, credential.ErrExhausted):
		return http.StatusTooManyRequests, apiError{Message: "no credential can serve this request", Type: "insufficient_quota", Code: "pool_exhausted"}
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout, apiError{Message: timeoutErr.Error(), Type: "upstream_error", Code: "upstream_timeout"}
	case errors.As(err, &rejErr):
		return http.StatusBadGateway, apiError{Message: rejErr.Error(), Type: "upstream_error", Code: "upstream_rejected"}
	case errors.As(err, &partialErr):
		return http.StatusBadGateway, apiError{Message: partialErr.Error(), Type: "upstream_error", Code: "stream_interrupted"}
	default:
		return http.StatusInternalServerError, apiError{Message: "internal error", Type: "api_error", Code: "internal_error"}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, message, apiType, code string) {
	writeJSON(w, status, apiErrorBody{Error: apiError{Message: message, Type: apiType, Code: code}})
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, ae := mapError(err)
	writeJSON(w, status, apiErrorBody{Error: ae})
}
