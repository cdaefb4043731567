package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	log "github.com/charmbracelet/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/grokgate/grokgate/pkg/grok"
	"github.com/grokgate/grokgate/pkg/models"
	"github.com/grokgate/grokgate/pkg/version"
)

const maxRequestBody = 8 << 20

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     version.String(),
		"credentials": s.pool.Len(),
	})
}

type modelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	specs := models.All()
	cards := make([]modelCard, 0, len(specs))
	for _, spec := range specs {
		cards = append(cards, modelCard{
			ID:      spec.Name,
			Object:  "model",
			Created: 1700000000,
			OwnedBy: "grok",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": cards})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error", "invalid_request")
		return
	}
	defer r.Body.Close()

	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "request body is not valid JSON: "+err.Error(), "invalid_request_error", "invalid_request")
		return
	}

	if req.Stream {
		s.streamCompletion(w, r, &req)
		return
	}

	resp, err := s.orch.Complete(r.Context(), &req)
	if err != nil {
		if errors.Is(err, grok.ErrCancelled) {
			return
		}
		log.Warn("completion failed", "model", req.Model, "err", err)
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, req *openai.ChatCompletionRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "streaming unsupported", "api_error", "internal_error")
		return
	}

	started := false
	emit := func(chunk openai.ChatCompletionStreamResponse) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		b, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := s.orch.CompleteStream(r.Context(), req, emit)
	if err != nil {
		if errors.Is(err, grok.ErrCancelled) {
			return
		}
		log.Warn("stream failed", "model", req.Model, "err", err)
		if !started {
			writeMappedError(w, err)
			return
		}
		// Output already left: terminate the stream with an inline error
		// frame rather than a silent truncation.
		_, ae := mapError(err)
		if b, merr := json.Marshal(apiErrorBody{Error: ae}); merr == nil {
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(b)
			_, _ = w.Write([]byte("\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
		return
	}
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}
