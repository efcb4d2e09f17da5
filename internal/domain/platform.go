package domain

import (
	"context"
	"fmt"
	"time"
)

// PostOptions modify how a message is posted.
type PostOptions struct {
	ThreadParent string // message ID to thread the post under, empty for top-level
}

// Platform is the outbound surface of a chat platform: post a message,
// then update it in place as streamed content arrives.
type Platform interface {
	Name() string
	PostMessage(ctx context.Context, channel, text string, opts PostOptions) (MessageRef, error)
	UpdateMessage(ctx context.Context, ref MessageRef, text string) error
}

// RateLimitedError reports that the platform rejected a post/update call
// and asks the caller to wait before retrying. Adapters translate their
// SDK-specific rate-limit errors into this type.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("platform rate limited, retry after %s", e.RetryAfter)
}
