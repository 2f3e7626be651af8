package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smartpaste/smartpaste/pkg/models"
)

const (
	DefaultHandlerTimeout = 30 * time.Second
	DefaultResultTimeout  = 5 * time.Second
)

// Handler analyzes one piece of clipboard content. A nil result means the
// handler does not apply.
type Handler func(ctx context.Context, content string) (models.Result, error)

// Policy is how content of one type is scheduled.
type Policy struct {
	Priority   Priority
	UseCPUPool bool
}

// PolicyFor returns the scheduling policy for ct. Short structured content
// jumps the queue; images are deprioritized and, like code, run on the CPU
// pool.
func PolicyFor(ct models.ContentType) Policy {
	switch ct {
	case models.ContentNumber, models.ContentEmail:
		return Policy{Priority: PriorityHigh}
	case models.ContentCode:
		return Policy{Priority: PriorityHigh, UseCPUPool: true}
	case models.ContentImage:
		return Policy{Priority: PriorityLow, UseCPUPool: true}
	default:
		return Policy{Priority: PriorityNormal}
	}
}

// ContentProcessor submits content handlers to an AsyncProcessor using the
// per-type policy.
type ContentProcessor struct {
	proc           *AsyncProcessor
	handlerTimeout time.Duration
	resultTimeout  time.Duration
}

// ContentOption customizes a ContentProcessor.
type ContentOption func(*ContentProcessor)

// WithHandlerTimeout sets the default per-handler execution timeout.
func WithHandlerTimeout(d time.Duration) ContentOption {
	return func(c *ContentProcessor) {
		if d > 0 {
			c.handlerTimeout = d
		}
	}
}

// WithResultTimeout sets the default GetResult wait.
func WithResultTimeout(d time.Duration) ContentOption {
	return func(c *ContentProcessor) {
		if d > 0 {
			c.resultTimeout = d
		}
	}
}

// NewContentProcessor wraps proc.
func NewContentProcessor(proc *AsyncProcessor, opts ...ContentOption) *ContentProcessor {
	c := &ContentProcessor{
		proc:           proc,
		handlerTimeout: DefaultHandlerTimeout,
		resultTimeout:  DefaultResultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Processor returns the underlying AsyncProcessor.
func (c *ContentProcessor) Processor() *AsyncProcessor {
	return c.proc
}

// ProcessContentAsync submits handler(content) and returns the task id.
// A zero timeout uses the handler default.
func (c *ContentProcessor) ProcessContentAsync(content string, ct models.ContentType, handler Handler, callback Callback, timeout time.Duration) (string, error) {
	if handler == nil {
		return "", errors.New("content handler is required")
	}
	if !ct.Valid() {
		return "", fmt.Errorf("invalid content type %q", ct)
	}
	if timeout <= 0 {
		timeout = c.handlerTimeout
	}

	policy := PolicyFor(ct)
	opts := []SubmitOption{
		WithPriority(policy.Priority),
		WithTimeout(timeout),
	}
	if policy.UseCPUPool {
		opts = append(opts, WithCPUPool())
	}
	if callback != nil {
		opts = append(opts, WithCallback(callback))
	}

	return c.proc.Submit(func(ctx context.Context) (any, error) {
		return handler(ctx, content)
	}, opts...)
}

// GetResult waits for a task's result. A zero timeout uses the default.
func (c *ContentProcessor) GetResult(taskID string, timeout time.Duration) (TaskResult, bool) {
	if timeout <= 0 {
		timeout = c.resultTimeout
	}
	return c.proc.GetResult(taskID, timeout)
}

// ResultTimeout returns the default GetResult wait.
func (c *ContentProcessor) ResultTimeout() time.Duration {
	return c.resultTimeout
}

// ResultOf extracts the handler output from a successful TaskResult.
func ResultOf(res TaskResult) models.Result {
	if !res.Success {
		return nil
	}
	out, _ := res.Result.(models.Result)
	return out
}
