package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/voice"
)

// Reply is the outcome of one utterance.
type Reply struct {
	// Text is the reply formatted for voice; it becomes the agent transcript entry.
	Text string
	// Spoken is the formatted first sentence already handed to the speech callback.
	Spoken   string
	Fallback bool
}

// Consumer turns one final utterance into one reply, streaming first and falling back to
// a one-shot request when the stream produced nothing.
type Consumer struct {
	streamer Streamer
	asker    Asker
	limits   voice.Limits
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewConsumer(streamer Streamer, asker Asker, limits voice.Limits, metrics *observability.Metrics) *Consumer {
	return &Consumer{
		streamer: streamer,
		asker:    asker,
		limits:   limits,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Respond sends prompt for chatSessionID. onFirstSentence is called at most once, with
// the formatted first sentence, as soon as the stream yields one.
func (c *Consumer) Respond(ctx context.Context, chatSessionID, prompt string, onFirstSentence func(string)) (Reply, error) {
	req := Request{SessionID: chatSessionID, Prompt: prompt}
	started := c.now()

	if c.streamer != nil {
		var (
			acc    Accumulator
			spoken string
		)
		received, err := c.streamer.Stream(ctx, req, func(chunk string) error {
			first, ok := acc.Append(chunk)
			if !ok {
				return nil
			}
			spoken = voice.FormatForVoice(first, c.limits)
			c.metrics.ObserveFirstSentenceLatency(c.now().Sub(started))
			if onFirstSentence != nil && spoken != "" {
				onFirstSentence(spoken)
			}
			return nil
		})
		switch {
		case err == nil:
			if text := voice.FormatForVoice(acc.Text(), c.limits); text != "" {
				c.metrics.ChatRequest("stream", "ok")
				c.metrics.ObserveStage(observability.StageReply, c.now().Sub(started))
				return Reply{Text: text, Spoken: spoken}, nil
			}
			// An empty body counts as no stream at all.
			c.metrics.ChatRequest("stream", "empty")
			log.Printf("chat: stream returned no usable text (received=%t), falling back", received)
		case received:
			c.metrics.ChatRequest("stream", "interrupted")
			c.recordUpstream(err)
			return Reply{}, fmt.Errorf("%w: %v", ErrStreamInterrupted, err)
		case errors.Is(err, context.Canceled):
			return Reply{}, err
		default:
			c.metrics.ChatRequest("stream", "error")
			c.recordUpstream(err)
			log.Printf("chat: stream failed before data, falling back: %v", err)
		}
	}

	if c.asker == nil {
		return Reply{}, ErrUnavailable
	}
	answer, err := c.asker.Ask(ctx, req)
	if err != nil {
		c.metrics.ChatRequest("fallback", "error")
		c.recordUpstream(err)
		return Reply{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.metrics.ChatRequest("fallback", "ok")
	c.metrics.ObserveStage(observability.StageReply, c.now().Sub(started))
	text := voice.FormatForVoice(answer, c.limits)
	if strings.TrimSpace(text) == "" {
		return Reply{}, fmt.Errorf("%w: %v", ErrUnavailable, ErrEmptyAnswer)
	}
	return Reply{Text: text, Fallback: true}, nil
}

func (c *Consumer) recordUpstream(err error) {
	c.metrics.UpstreamError("chat", IsRetryable(err))
}
