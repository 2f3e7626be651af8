package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/smartpaste/smartpaste/automation"
	cachemanager "github.com/smartpaste/smartpaste/cache-manager"
	"github.com/smartpaste/smartpaste/pkg/models"
	"github.com/smartpaste/smartpaste/processor"
)

// DefaultMaxContentLength is the largest clip, in characters, the pipeline
// accepts.
const DefaultMaxContentLength = 10000

var (
	ErrEmptyContent    = errors.New("clipboard content is empty")
	ErrContentTooLarge = errors.New("clipboard content exceeds the length limit")
	ErrResultTimeout   = errors.New("timed out waiting for handler result")
)

// Clip is one clipboard change.
type Clip struct {
	Content   string `json:"content"`
	SourceApp string `json:"source_app,omitempty"`
}

// Outcome is what the pipeline did with a clip. Error carries a handler
// failure or timeout; automation still runs in that case.
type Outcome struct {
	ContentType models.ContentType        `json:"content_type"`
	Result      models.Result             `json:"result,omitempty"`
	FromCache   bool                      `json:"from_cache"`
	TaskID      string                    `json:"task_id,omitempty"`
	Error       string                    `json:"error,omitempty"`
	Automation  *automation.ProcessResult `json:"automation,omitempty"`
}

// Pipeline routes clips through classification, the content cache, the
// async processor and the rule engine.
type Pipeline struct {
	cache      *cachemanager.ContentHashCache
	content    *processor.ContentProcessor
	automation *automation.WorkflowAutomation
	handlers   map[models.ContentType]processor.Handler
	classify   func(string) models.ContentType
	maxLength  int
	logger     *slog.Logger
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

// WithHandlers replaces the built-in handlers.
func WithHandlers(handlers map[models.ContentType]processor.Handler) PipelineOption {
	return func(p *Pipeline) { p.handlers = handlers }
}

// WithClassifier replaces Classify.
func WithClassifier(fn func(string) models.ContentType) PipelineOption {
	return func(p *Pipeline) {
		if fn != nil {
			p.classify = fn
		}
	}
}

// WithMaxContentLength sets the clip length limit. Zero or less disables it.
func WithMaxContentLength(n int) PipelineOption {
	return func(p *Pipeline) { p.maxLength = n }
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline wires a pipeline. engine may be nil to skip automation.
func NewPipeline(cache *cachemanager.ContentHashCache, content *processor.ContentProcessor, engine *automation.WorkflowAutomation, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		cache:      cache,
		content:    content,
		automation: engine,
		handlers:   DefaultHandlers(),
		classify:   Classify,
		maxLength:  DefaultMaxContentLength,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle processes one clip. It returns an error only for rejected input,
// a cancelled ctx or a processor that cannot accept work.
func (p *Pipeline) Handle(ctx context.Context, clip Clip) (Outcome, error) {
	if strings.TrimSpace(clip.Content) == "" {
		return Outcome{}, ErrEmptyContent
	}
	if p.maxLength > 0 && utf8.RuneCountInString(clip.Content) > p.maxLength {
		return Outcome{}, fmt.Errorf("%w: %d characters", ErrContentTooLarge, p.maxLength)
	}

	ct := p.classify(clip.Content)
	out := Outcome{ContentType: ct}
	logger := p.logger.With("content_type", ct, "source_app", clip.SourceApp)

	if handler, ok := p.handlers[ct]; ok && handler != nil {
		ids := make(chan string, 1)
		result, cached, err := p.cache.GetOrCompute(ctx, clip.Content, p.compute(clip.Content, ct, handler, ids))
		select {
		case out.TaskID = <-ids:
		default:
		}

		switch {
		case err == nil:
			out.Result = result
			out.FromCache = cached
		case ctx.Err() != nil:
			return out, ctx.Err()
		case errors.Is(err, processor.ErrQueueFull), errors.Is(err, processor.ErrProcessorStopped):
			return out, err
		default:
			out.Error = err.Error()
			logger.Warn("content handler failed", "task_id", out.TaskID, "error", err)
		}
	} else {
		logger.Debug("no handler for content type")
	}

	if p.automation != nil {
		res := p.automation.ProcessContent(ctx, clip.Content, ct, clip.SourceApp)
		out.Automation = &res
	}

	logger.Debug("clip handled",
		"task_id", out.TaskID,
		"from_cache", out.FromCache,
		"has_result", out.Result != nil,
	)
	return out, nil
}

// compute submits handler through the content processor and waits for it.
// The task id is sent on ids.
func (p *Pipeline) compute(content string, ct models.ContentType, handler processor.Handler, ids chan<- string) cachemanager.ComputeFunc {
	return func(context.Context) (models.Result, error) {
		id, err := p.content.ProcessContentAsync(content, ct, handler, nil, 0)
		if err != nil {
			return nil, err
		}
		ids <- id

		res, ok := p.content.GetResult(id, 0)
		if !ok {
			// Nobody collects a late result, so do not keep it.
			p.content.Processor().Discard(id)
			return nil, fmt.Errorf("%w: task %s", ErrResultTimeout, id)
		}
		if !res.Success {
			return nil, errors.New(res.Error)
		}
		return processor.ResultOf(res), nil
	}
}
