package grok

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Delta is one unit of processed output, already tag-filtered and routed to
// either the reasoning channel or the answer channel.
type Delta struct {
	Text     string
	Thinking bool
}

// Processor consumes raw upstream stream events and turns them into
// standardized deltas. It owns all per-stream parsing state: the open-tag
// filter, the thinking/answer channel tracking and the accumulated buffers.
type Processor struct {
	filter     *tagFilter
	assetsBase string

	model        string
	thinking     bool
	thinkingDone bool
	imageMode    bool
	videoPct     int64
	finalSeen    bool

	answer    strings.Builder
	reasoning strings.Builder
}

func NewProcessor(filteredTags []string, assetsBase string) *Processor {
	return &Processor{
		filter:     newTagFilter(filteredTags),
		assetsBase: strings.TrimRight(assetsBase, "/"),
	}
}

// Model returns the upstream-reported model name, if any event carried one.
func (p *Processor) Model() string { return p.model }

// Answer returns the accumulated answer-channel text.
func (p *Processor) Answer() string { return p.answer.String() }

// Reasoning returns the accumulated reasoning-channel text.
func (p *Processor) Reasoning() string { return p.reasoning.String() }

// Final reports whether upstream signalled end of content.
func (p *Processor) Final() bool { return p.finalSeen }

// Feed parses one NDJSON event line. The returned deltas may be empty for
// bookkeeping-only events; a non-nil error means upstream rejected the
// request inline.
func (p *Processor) Feed(line []byte) ([]Delta, error) {
	data := gjson.ParseBytes(line)
	if errVal := data.Get("error"); errVal.Exists() {
		return nil, &RejectedError{
			StatusCode: int(errVal.Get("code").Int()),
			Message:    errVal.Get("message").String(),
		}
	}
	resp := data.Get("result.response")
	if !resp.Exists() {
		return nil, nil
	}
	if m := resp.Get("userResponse.model"); m.Exists() {
		p.model = m.String()
	}

	if vr := resp.Get("streamingVideoGenerationResponse"); vr.Exists() {
		return p.videoDeltas(vr), nil
	}
	if resp.Get("imageAttachmentInfo").Exists() {
		p.imageMode = true
	}
	if mr := resp.Get("modelResponse"); mr.Exists() {
		return p.finalDeltas(mr)
	}
	return p.tokenDeltas(resp), nil
}

// Flush drains any partial marker held by the tag filter once the stream
// ends; call it exactly once.
func (p *Processor) Flush() []Delta {
	text := p.filter.Flush()
	if text == "" {
		return nil
	}
	return p.route(text, p.thinking)
}

func (p *Processor) videoDeltas(vr gjson.Result) []Delta {
	var out []Delta
	progress := vr.Get("progress").Int()
	if progress > p.videoPct {
		p.videoPct = progress
		out = append(out, Delta{
			Text:     fmt.Sprintf("video generation %d%%\n", progress),
			Thinking: true,
		})
	}
	if videoURL := vr.Get("videoUrl").String(); videoURL != "" {
		p.finalSeen = true
		tag := fmt.Sprintf(`<video src=%q controls="controls" width="500" height="300"></video>`,
			p.assetsBase+"/"+strings.TrimLeft(videoURL, "/"))
		out = append(out, p.route(tag, false)...)
	}
	return out
}

func (p *Processor) finalDeltas(mr gjson.Result) ([]Delta, error) {
	if errMsg := mr.Get("error").String(); errMsg != "" {
		return nil, &RejectedError{Message: errMsg}
	}
	p.finalSeen = true
	images := mr.Get("generatedImageUrls").Array()
	if len(images) == 0 {
		return nil, nil
	}
	lines := make([]string, 0, len(images))
	for _, img := range images {
		lines = append(lines, fmt.Sprintf("![Generated Image](%s/%s)",
			p.assetsBase, strings.TrimLeft(img.String(), "/")))
	}
	text := strings.Join(lines, "\n")
	if p.answer.Len() > 0 {
		text = "\n" + text
	}
	return p.route(text, false), nil
}

func (p *Processor) tokenDeltas(resp gjson.Result) []Delta {
	tok := resp.Get("token")
	if !tok.Exists() || tok.IsArray() {
		return nil
	}
	text := tok.String()
	isThinking := resp.Get("isThinking").Bool()
	// Upstream sometimes re-opens the reasoning channel after the answer
	// started; those stragglers are dropped.
	if p.thinkingDone && isThinking {
		return nil
	}
	if resp.Get("toolUsageCardId").Exists() {
		ws := resp.Get("webSearchResults")
		if !ws.Exists() || !isThinking {
			return nil
		}
		text += renderWebSearchResults(ws)
	}
	if resp.Get("messageTag").String() == "header" && text != "" {
		text = "\n\n" + text + "\n\n"
	}
	if p.thinking && !isThinking {
		p.thinkingDone = true
	}
	p.thinking = isThinking
	if text == "" {
		return nil
	}
	filtered := p.filter.Feed(text)
	if filtered == "" {
		return nil
	}
	return p.route(filtered, isThinking)
}

func (p *Processor) route(text string, thinking bool) []Delta {
	if thinking {
		p.reasoning.WriteString(text)
	} else {
		p.answer.WriteString(text)
	}
	return []Delta{{Text: text, Thinking: thinking}}
}

func renderWebSearchResults(ws gjson.Result) string {
	var b strings.Builder
	for _, r := range ws.Get("results").Array() {
		preview := strings.ReplaceAll(r.Get("preview").String(), "\n", "")
		fmt.Fprintf(&b, "\n- [%s](%s %q)", r.Get("title").String(), r.Get("url").String(), preview)
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	return b.String()
}
