package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartpaste/smartpaste/pkg/models"
)

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		contentType models.ContentType
		priority    Priority
		cpu         bool
	}{
		{models.ContentURL, PriorityNormal, false},
		{models.ContentText, PriorityNormal, false},
		{models.ContentMath, PriorityNormal, false},
		{models.ContentImage, PriorityLow, true},
		{models.ContentCode, PriorityHigh, true},
		{models.ContentEmail, PriorityHigh, false},
		{models.ContentNumber, PriorityHigh, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.contentType), func(t *testing.T) {
			policy := PolicyFor(tt.contentType)
			assert.Equal(t, tt.priority, policy.Priority)
			assert.Equal(t, tt.cpu, policy.UseCPUPool)
		})
	}
}

func TestContentProcessor_ProcessContentAsync(t *testing.T) {
	cp := NewContentProcessor(newTestProcessor(t, DefaultConfig()))

	handler := func(_ context.Context, content string) (models.Result, error) {
		return models.Result{"length": len(content)}, nil
	}

	called := make(chan TaskResult, 1)
	id, err := cp.ProcessContentAsync("hello", models.ContentText, handler, func(res TaskResult) { called <- res }, 0)
	require.NoError(t, err)

	res, ok := cp.GetResult(id, 0)
	require.True(t, ok)
	assert.True(t, res.Success)
	assert.Equal(t, models.Result{"length": 5}, ResultOf(res))

	select {
	case cb := <-called:
		assert.Equal(t, id, cb.TaskID)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestContentProcessor_HandlerErrorAndTimeout(t *testing.T) {
	cp := NewContentProcessor(newTestProcessor(t, singleWorker()), WithHandlerTimeout(time.Minute), WithResultTimeout(2*time.Second))
	assert.Equal(t, 2*time.Second, cp.ResultTimeout())

	id, err := cp.ProcessContentAsync("x", models.ContentCode, func(context.Context, string) (models.Result, error) {
		return nil, errors.New("parse error")
	}, nil, 0)
	require.NoError(t, err)
	res, ok := cp.GetResult(id, 0)
	require.True(t, ok)
	assert.False(t, res.Success)
	assert.Nil(t, ResultOf(res))

	id, err = cp.ProcessContentAsync("y", models.ContentImage, func(ctx context.Context, _ string) (models.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil, 20*time.Millisecond)
	require.NoError(t, err)
	res, ok = cp.GetResult(id, 0)
	require.True(t, ok)
	assert.Contains(t, res.Error, "timed out")
}

func TestContentProcessor_Validation(t *testing.T) {
	cp := NewContentProcessor(newTestProcessor(t, DefaultConfig()))

	_, err := cp.ProcessContentAsync("x", models.ContentText, nil, nil, 0)
	assert.Error(t, err)

	_, err = cp.ProcessContentAsync("x", models.ContentType("video"), func(context.Context, string) (models.Result, error) {
		return nil, nil
	}, nil, 0)
	assert.Error(t, err)
}

func TestContentProcessor_NotApplicable(t *testing.T) {
	cp := NewContentProcessor(newTestProcessor(t, DefaultConfig()))

	id, err := cp.ProcessContentAsync("plain", models.ContentText, func(context.Context, string) (models.Result, error) {
		return nil, nil
	}, nil, 0)
	require.NoError(t, err)

	res, ok := cp.GetResult(id, 0)
	require.True(t, ok)
	assert.True(t, res.Success)
	assert.Nil(t, ResultOf(res))
}
