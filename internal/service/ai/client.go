package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"servicebot/internal/logging"
)

const (
	// TimeoutFallback is returned when every attempt timed out.
	TimeoutFallback = "Sorry, the AI service is responding slowly. Please try again later. We are working to improve service quality."
	// GenericFallback is returned for every other upstream failure.
	GenericFallback = "Sorry, the AI service is temporarily unavailable. Please try again later. If the problem persists, please contact technical support."
)

// Reply is the outcome of a blocking call. Fallback is set when Text is one
// of the canned apologies rather than model output.
type Reply struct {
	Text     string
	Attempts int
	Fallback bool
	TimedOut bool
}

// Client sends composed prompts to the upstream chat model.
type Client struct {
	model  model.BaseChatModel
	policy RetryPolicy
	events logging.EventRecorder
	log    *zap.Logger
}

// NewClient wraps chatModel with the retry policy.
func NewClient(chatModel model.BaseChatModel, policy RetryPolicy, events logging.EventRecorder, log *zap.Logger) *Client {
	if events == nil {
		events = logging.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		model:  chatModel,
		policy: policy.normalized(),
		events: events,
		log:    log.Named("ai"),
	}
}

// Answer asks the model for a full reply, retrying failed attempts. It never
// returns an error: when every attempt fails the reply carries a fallback text.
func (c *Client) Answer(ctx context.Context, prompt string) Reply {
	messages := []*schema.Message{schema.UserMessage(prompt)}
	var (
		lastErr  error
		timedOut bool
		attempt  int
	)
	for attempt = 1; attempt <= c.policy.MaxAttempts; attempt++ {
		text, err := c.generate(ctx, messages)
		if err == nil {
			if attempt > 1 {
				c.log.Info("upstream call succeeded after retry", zap.Int("attempt", attempt))
			}
			return Reply{Text: text, Attempts: attempt}
		}
		lastErr = err
		timedOut = errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
		if timedOut {
			c.events.Record(ctx, logging.EventAPITimeout,
				fmt.Sprintf("upstream call timed out after %s", c.policy.AttemptTimeout),
				zap.Int("attempt", attempt), zap.Int("max_attempts", c.policy.MaxAttempts))
		} else {
			c.events.Record(ctx, logging.EventAPIError,
				fmt.Sprintf("upstream call failed: %v", err),
				zap.Int("attempt", attempt), zap.Int("max_attempts", c.policy.MaxAttempts))
		}
		if ctx.Err() != nil || attempt == c.policy.MaxAttempts {
			break
		}
		if err := c.policy.Sleep(ctx, c.policy.Delay(attempt)); err != nil {
			break
		}
	}
	if attempt > c.policy.MaxAttempts {
		attempt = c.policy.MaxAttempts
	}

	c.log.Error("upstream call exhausted retries", zap.Int("attempts", attempt), zap.Error(lastErr))
	if timedOut {
		return Reply{Text: TimeoutFallback, Attempts: attempt, Fallback: true, TimedOut: true}
	}
	return Reply{Text: GenericFallback, Attempts: attempt, Fallback: true}
}

func (c *Client) generate(ctx context.Context, messages []*schema.Message) (string, error) {
	attemptCtx := ctx
	if c.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.policy.AttemptTimeout)
		defer cancel()
	}
	msg, err := c.model.Generate(attemptCtx, messages)
	if err != nil {
		if attemptCtx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return "", err
	}
	if msg == nil {
		return "", errors.New("upstream returned no message")
	}
	return strings.TrimSpace(msg.Content), nil
}

// Stream relays the model output fragment by fragment to onChunk and returns
// the concatenated text. There is no retry; a failure mid-stream is returned
// with whatever text had been relayed so far.
func (c *Client) Stream(ctx context.Context, prompt string, onChunk func(string) error) (string, error) {
	reader, err := c.model.Stream(ctx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		c.events.Record(ctx, logging.EventStreamError, fmt.Sprintf("open stream failed: %v", err))
		return "", fmt.Errorf("open upstream stream: %w", err)
	}
	defer reader.Close()

	var full strings.Builder
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			return full.String(), nil
		}
		if err != nil {
			if ctx.Err() == nil {
				c.events.Record(ctx, logging.EventStreamError, fmt.Sprintf("stream interrupted: %v", err))
			}
			return full.String(), fmt.Errorf("receive upstream chunk: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if onChunk != nil {
			if err := onChunk(chunk.Content); err != nil {
				return full.String(), err
			}
		}
		if err := ctx.Err(); err != nil {
			return full.String(), err
		}
	}
}
