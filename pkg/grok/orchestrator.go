package grok

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/grokgate/grokgate/pkg/config"
	"github.com/grokgate/grokgate/pkg/credential"
	"github.com/grokgate/grokgate/pkg/models"
	"github.com/grokgate/grokgate/pkg/translate"
	"github.com/grokgate/grokgate/pkg/upload"
)

// Orchestrator runs one completion end to end: credential selection, media
// upload, the upstream conversation call, stream consumption under the three
// timeout clocks, and quota settlement. Failed attempts rotate to another
// credential until output has reached the caller.
type Orchestrator struct {
	pool      *credential.Pool
	transport *Transport
	resolver  *upload.Resolver
	cfg       config.GrokConfig
}

func NewOrchestrator(pool *credential.Pool, transport *Transport, resolver *upload.Resolver, cfg config.GrokConfig) *Orchestrator {
	return &Orchestrator{
		pool:      pool,
		transport: transport,
		resolver:  resolver,
		cfg:       cfg,
	}
}

// Complete runs a request in aggregated mode and returns the full response
// once the upstream stream has finished. The answer is assembled from the
// same filtered deltas the streaming path would emit.
func (o *Orchestrator) Complete(ctx context.Context, req *openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	spec, err := translate.ValidateRequest(req)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	// Aggregated mode returns nothing until the stream finishes, so every
	// delta is buffered only and failed attempts stay eligible for rotation.
	proc, err := o.execute(ctx, req, spec, func(Delta) (bool, error) { return false, nil })
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	reasoning := ""
	if o.cfg.ShowThinking {
		reasoning = proc.Reasoning()
	}
	usage := translate.EstimateUsage(req, proc.Answer(), reasoning)
	return translate.NewCompletion(completionID(), time.Now().Unix(), spec.Name, proc.Answer(), reasoning, usage), nil
}

// CompleteStream runs a request in streaming mode, calling emit for every
// outbound chunk. An emit error is treated as a caller disconnect.
func (o *Orchestrator) CompleteStream(ctx context.Context, req *openai.ChatCompletionRequest, emit func(openai.ChatCompletionStreamResponse) error) error {
	spec, err := translate.ValidateRequest(req)
	if err != nil {
		return err
	}
	id := completionID()
	created := time.Now().Unix()
	sentRole := false
	onDelta := func(d Delta) (bool, error) {
		if d.Thinking && !o.cfg.ShowThinking {
			return false, nil
		}
		delta := openai.ChatCompletionStreamChoiceDelta{}
		if !sentRole {
			delta.Role = openai.ChatMessageRoleAssistant
			sentRole = true
		}
		if d.Thinking {
			delta.ReasoningContent = d.Text
		} else {
			delta.Content = d.Text
		}
		if err := emit(translate.NewStreamChunk(id, created, spec.Name, delta, "")); err != nil {
			return false, err
		}
		return true, nil
	}
	if _, err := o.execute(ctx, req, spec, onDelta); err != nil {
		return err
	}
	final := openai.ChatCompletionStreamChoiceDelta{}
	if !sentRole {
		final.Role = openai.ChatMessageRoleAssistant
	}
	return emit(translate.NewStreamChunk(id, created, spec.Name, final, openai.FinishReasonStop))
}

// execute drives the attempt loop. Each attempt reserves a credential,
// resolves media against it, opens the conversation and consumes the stream.
// Attempts stop once output reached the caller, on caller cancellation, on
// upload failures, or when the pool is exhausted.
func (o *Orchestrator) execute(ctx context.Context, req *openai.ChatCompletionRequest, spec models.Spec, onDelta func(Delta) (bool, error)) (*Processor, error) {
	refs := translate.ImageRefs(req)
	attempts := o.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lease, err := o.pool.Reserve(spec.CostWeight, spec.Heavy, spec.RequiresSuper)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		proc, err := o.attempt(ctx, lease, req, spec, refs, onDelta)
		if err == nil {
			return proc, nil
		}
		var (
			uploadErr  *upload.UploadError
			partialErr *PartialError
		)
		if errors.Is(err, ErrCancelled) || errors.As(err, &partialErr) || errors.As(err, &uploadErr) {
			return nil, err
		}
		lastErr = err
		if attempt < attempts {
			log.Info("rotating credential after failed attempt",
				"model", spec.Name, "attempt", attempt, "err", err)
		}
	}
	return nil, lastErr
}

func (o *Orchestrator) attempt(ctx context.Context, lease *credential.Lease, req *openai.ChatCompletionRequest, spec models.Spec, refs []string, onDelta func(Delta) (bool, error)) (*Processor, error) {
	token := lease.Token()
	attachments, err := o.resolver.Resolve(ctx, token, refs)
	if err != nil {
		// Media failures are the caller's problem, not the credential's.
		lease.Release()
		return nil, err
	}
	payload, err := translate.BuildUpstreamPayload(req, spec, attachments, o.cfg.Temporary)
	if err != nil {
		lease.Release()
		return nil, err
	}
	resp, err := o.transport.OpenConversation(ctx, token, payload)
	if err != nil {
		if ctx.Err() != nil {
			lease.Release()
			return nil, ErrCancelled
		}
		lease.Fail(classifyFailure(err))
		return nil, err
	}
	defer resp.Body.Close()
	return o.consume(ctx, lease, spec, resp.Body, onDelta)
}

// consume reads stream events until the body ends or one of the three clocks
// expires: first byte, inter-chunk (reset on every event) and total. The
// lease is charged on the first content delta; failures before that point
// release it for a retry. Failures after onDelta reports output reached the
// caller are surfaced as partial and never retried.
func (o *Orchestrator) consume(ctx context.Context, lease *credential.Lease, spec models.Spec, body io.Reader, onDelta func(Delta) (bool, error)) (*Processor, error) {
	proc := NewProcessor(o.cfg.FilteredTagList(), o.cfg.AssetsBaseURL)
	stream := newLineStream(body)
	defer stream.Stop()

	token := lease.Token()
	charged := false
	delivered := false

	firstByte := time.NewTimer(o.cfg.FirstByteTimeout())
	defer firstByte.Stop()
	chunk := time.NewTimer(o.cfg.ChunkTimeout())
	defer chunk.Stop()
	firstByteC := firstByte.C
	// A zero total timeout disables the absolute cap.
	var totalC <-chan time.Time
	if d := o.cfg.TotalTimeout(); d > 0 {
		total := time.NewTimer(d)
		defer total.Stop()
		totalC = total.C
	}

	settle := func(err error) (*Processor, error) {
		if errors.Is(err, ErrCancelled) {
			if !charged {
				lease.Release()
			}
			return nil, err
		}
		kind := classifyFailure(err)
		if charged {
			o.pool.ReportFailure(token, kind)
		} else {
			lease.Fail(kind)
		}
		if delivered {
			return nil, &PartialError{Err: err}
		}
		return nil, err
	}
	deliver := func(deltas []Delta) error {
		for _, d := range deltas {
			if !charged {
				lease.Commit()
				charged = true
			}
			sent, err := onDelta(d)
			if err != nil {
				return ErrCancelled
			}
			if sent {
				delivered = true
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return settle(ErrCancelled)
		case <-firstByteC:
			return settle(&TimeoutError{Phase: PhaseFirstByte, Limit: o.cfg.FirstByteTimeout()})
		case <-chunk.C:
			return settle(&TimeoutError{Phase: PhaseInterChunk, Limit: o.cfg.ChunkTimeout()})
		case <-totalC:
			return settle(&TimeoutError{Phase: PhaseTotal, Limit: o.cfg.TotalTimeout()})
		case line, ok := <-stream.lines:
			if !ok {
				if err := <-stream.errc; err != nil {
					return settle(fmt.Errorf("read stream: %w", err))
				}
				if err := deliver(proc.Flush()); err != nil {
					return settle(err)
				}
				if !charged {
					return settle(&RejectedError{Message: "stream ended without content"})
				}
				o.resyncQuota(ctx, lease, token, spec)
				return proc, nil
			}
			if firstByteC != nil {
				firstByte.Stop()
				firstByteC = nil
			}
			resetTimer(chunk, o.cfg.ChunkTimeout())
			deltas, err := proc.Feed(line)
			if err != nil {
				return settle(err)
			}
			if err := deliver(deltas); err != nil {
				return settle(err)
			}
		}
	}
}

// resyncQuota replaces the local quota estimate with the upstream-reported
// count for credentials whose bucket was never observed.
func (o *Orchestrator) resyncQuota(ctx context.Context, lease *credential.Lease, token string, spec models.Spec) {
	if !lease.RemainingUnknown() {
		return
	}
	remaining, err := o.transport.FetchRateLimits(ctx, token, spec.UpstreamModel)
	if err != nil {
		log.Debug("rate limit resync failed", "model", spec.Name, "err", err)
		return
	}
	if remaining < 0 {
		return
	}
	if spec.Heavy {
		o.pool.Resync(token, -1, remaining)
	} else {
		o.pool.Resync(token, remaining, -1)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func completionID() string {
	return "chatcmpl-" + uuid.NewString()
}
