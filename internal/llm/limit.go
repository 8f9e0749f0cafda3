package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/stellarlinkco/heartflow/internal/heartflow"
)

// Limited throttles judge calls so a busy group cannot exhaust the provider quota.
type Limited struct {
	next    heartflow.ChatModel
	limiter *rate.Limiter
}

// NewLimited allows perSecond calls with the given burst. A non-positive
// rate returns next unchanged.
func NewLimited(next heartflow.ChatModel, perSecond float64, burst int) heartflow.ChatModel {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limited) Chat(ctx context.Context, req heartflow.ChatRequest) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}
	return l.next.Chat(ctx, req)
}

// Timeout bounds each call.
type Timeout struct {
	next    heartflow.ChatModel
	timeout time.Duration
}

func NewTimeout(next heartflow.ChatModel, d time.Duration) heartflow.ChatModel {
	if d <= 0 {
		return next
	}
	return &Timeout{next: next, timeout: d}
}

func (t *Timeout) Chat(ctx context.Context, req heartflow.ChatRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Chat(ctx, req)
}
