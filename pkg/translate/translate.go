// Package translate maps between the OpenAI-compatible schema exposed to
// callers and the upstream web API's proprietary payload.
package translate

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/sjson"

	"github.com/grokgate/grokgate/pkg/models"
)

// TranslationError reports malformed inbound requests with the offending
// field path. It is never retried.
type TranslationError struct {
	Field  string
	Reason string
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

func errAt(field, reason string) *TranslationError {
	return &TranslationError{Field: field, Reason: reason}
}

// ValidateRequest checks the inbound request against the schema and the
// model's capability flags, returning the resolved model spec.
func ValidateRequest(req *openai.ChatCompletionRequest) (models.Spec, error) {
	spec, ok := models.Lookup(strings.TrimSpace(req.Model))
	if !ok {
		return models.Spec{}, errAt("model", fmt.Sprintf("unknown model %q", req.Model))
	}
	if len(req.Messages) == 0 {
		return models.Spec{}, errAt("messages", "must not be empty")
	}
	hasImages := false
	for i, msg := range req.Messages {
		switch msg.Role {
		case openai.ChatMessageRoleSystem, openai.ChatMessageRoleUser, openai.ChatMessageRoleAssistant:
		default:
			return models.Spec{}, errAt(fmt.Sprintf("messages[%d].role", i), fmt.Sprintf("unsupported role %q", msg.Role))
		}
		for j, part := range msg.MultiContent {
			switch part.Type {
			case openai.ChatMessagePartTypeText:
			case openai.ChatMessagePartTypeImageURL:
				if part.ImageURL == nil || strings.TrimSpace(part.ImageURL.URL) == "" {
					return models.Spec{}, errAt(fmt.Sprintf("messages[%d].content[%d].image_url", i, j), "url must not be empty")
				}
				hasImages = true
			default:
				return models.Spec{}, errAt(fmt.Sprintf("messages[%d].content[%d].type", i, j), fmt.Sprintf("unsupported part type %q", part.Type))
			}
		}
		if msg.Content == "" && len(msg.MultiContent) == 0 {
			return models.Spec{}, errAt(fmt.Sprintf("messages[%d].content", i), "must not be empty")
		}
	}
	// Capability mismatches are translation-time errors, not retry material.
	if hasImages && !spec.ImageInput {
		return models.Spec{}, errAt("messages", fmt.Sprintf("model %q does not accept image input", spec.Name))
	}
	return spec, nil
}

// ImageRefs returns every image reference in message order: plain URLs and
// data-URI inline encodings alike.
func ImageRefs(req *openai.ChatCompletionRequest) []string {
	var refs []string
	for _, msg := range req.Messages {
		for _, part := range msg.MultiContent {
			if part.Type == openai.ChatMessagePartTypeImageURL && part.ImageURL != nil {
				refs = append(refs, part.ImageURL.URL)
			}
		}
	}
	return refs
}

// FlattenMessages renders the conversation into the single prompt string the
// upstream expects, one "role: content" line per message.
func FlattenMessages(req *openai.ChatCompletionRequest) string {
	var b strings.Builder
	for i, msg := range req.Messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(messageText(msg))
	}
	return b.String()
}

func messageText(msg openai.ChatCompletionMessage) string {
	if len(msg.MultiContent) == 0 {
		return msg.Content
	}
	var parts []string
	for _, part := range msg.MultiContent {
		if part.Type == openai.ChatMessagePartTypeText && part.Text != "" {
			parts = append(parts, part.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// BuildUpstreamPayload assembles the conversation request body for the
// upstream chat endpoint. attachments are upstream asset ids already
// resolved by the upload adapter.
func BuildUpstreamPayload(req *openai.ChatCompletionRequest, spec models.Spec, attachments []string, temporary bool) ([]byte, error) {
	payload := "{}"
	var err error
	set := func(path string, value any) {
		if err != nil {
			return
		}
		payload, err = sjson.Set(payload, path, value)
	}
	set("temporary", temporary)
	set("modelName", spec.UpstreamModel)
	set("message", FlattenMessages(req))
	set("fileAttachments", attachments)
	set("imageAttachments", []string{})
	set("disableSearch", !spec.WebSearch)
	set("enableImageGeneration", spec.ImageGen)
	set("enableImageStreaming", spec.ImageGen)
	set("imageGenerationCount", 2)
	set("returnImageBytes", false)
	set("isReasoning", spec.DeepThink)
	set("toolOverrides", map[string]any{})
	set("forceConcise", false)
	set("sendFinalMetadata", true)
	set("disableTextFollowUps", true)
	// float32 sampling params must be serialized at their own precision;
	// widening to float64 garbles values like 0.7 on the wire.
	setFloat32 := func(path string, value float32) {
		if err != nil {
			return
		}
		payload, err = sjson.SetRaw(payload, path, strconv.FormatFloat(float64(value), 'g', -1, 32))
	}
	if req.Temperature != 0 {
		setFloat32("temperature", req.Temperature)
	}
	if req.TopP != 0 {
		setFloat32("topP", req.TopP)
	}
	if req.MaxTokens > 0 {
		set("maxTokens", req.MaxTokens)
	}
	if err != nil {
		return nil, fmt.Errorf("build upstream payload: %w", err)
	}
	return []byte(payload), nil
}

// NewStreamChunk builds one OpenAI-shaped incremental delta event.
func NewStreamChunk(id string, created int64, model string, delta openai.ChatCompletionStreamChoiceDelta, finish openai.FinishReason) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finish,
		}},
	}
}

// NewCompletion builds the aggregated non-streaming response. reasoning is
// empty unless the reasoning trace is exposed by configuration.
func NewCompletion(id string, created int64, model, content, reasoning string, usage openai.Usage) openai.ChatCompletionResponse {
	msg := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: content,
	}
	msg.ReasoningContent = reasoning
	return openai.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: usage,
	}
}

// EstimateUsage approximates token counts from rune length. The upstream
// reports no usage, so this keeps the response shape complete.
func EstimateUsage(req *openai.ChatCompletionRequest, answer, reasoning string) openai.Usage {
	prompt := estimateTokens(FlattenMessages(req))
	completion := estimateTokens(answer) + estimateTokens(reasoning)
	return openai.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}
