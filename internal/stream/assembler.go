// Package stream assembles a streamed model reply into a single growing chat message.
package stream

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/cognitutor/internal/metrics"
	"github.com/MegaGrindStone/cognitutor/internal/models"
)

// Client opens one streamed exchange with a model. The returned sequence is lazy, finite and can be ranged
// over only once. An error yielded by the sequence terminates the exchange.
type Client interface {
	Stream(ctx context.Context, req models.TurnRequest) iter.Seq2[models.StreamEvent, error]
}

// PublishFunc receives a snapshot of the in-flight message after every processed event and once more at
// the terminal transition.
type PublishFunc func(models.ChatMessage)

// ErrStreamFailure is returned when the model stream fails before it is exhausted. The partially assembled
// message is kept as it was at the moment of failure.
var ErrStreamFailure = errors.New("model stream failed")

// Assembler consumes partial-response events and folds them into one chat message.
type Assembler struct {
	client  Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const errLoggerKey = "err"

// NewAssembler creates an Assembler that streams from client.
func NewAssembler(client Client, m *metrics.Metrics, logger *slog.Logger) Assembler {
	return Assembler{
		client:  client,
		metrics: m,
		logger:  logger.With(slog.String("module", "stream")),
	}
}

// Citations is an ordered set of sources keyed by URL. The first title seen for a URL wins.
type Citations struct {
	list []models.CitationSource
	seen map[string]struct{}
}

// Add appends src unless a source with the same URL is already present. It reports whether src was added.
func (c *Citations) Add(src models.CitationSource) bool {
	if c.seen == nil {
		c.seen = make(map[string]struct{})
	}
	if _, ok := c.seen[src.URL]; ok {
		return false
	}
	c.seen[src.URL] = struct{}{}
	c.list = append(c.list, src)
	return true
}

// List returns a copy of the sources in first-seen order, or nil when there are none.
func (c *Citations) List() []models.CitationSource {
	if len(c.list) == 0 {
		return nil
	}
	return append([]models.CitationSource(nil), c.list...)
}

// Assemble streams req into msg, which must be the in-flight placeholder with IsStreaming set. Every event
// appends its text delta to the accumulated buffer, merges its citations and publishes a snapshot. When the
// sequence ends, successfully or not, the message is published once more with IsStreaming cleared and
// returned. A stream error is wrapped in ErrStreamFailure.
func (a Assembler) Assemble(
	ctx context.Context,
	req models.TurnRequest,
	msg models.ChatMessage,
	publish PublishFunc,
) (models.ChatMessage, error) {
	var (
		text      = []byte(msg.Text)
		citations Citations
		streamErr error
	)
	for _, src := range msg.Sources {
		citations.Add(src)
	}

	for ev, err := range a.client.Stream(ctx, req) {
		if err != nil {
			streamErr = err
			break
		}
		a.metrics.StreamEvent()

		if ev.Text != "" {
			text = append(text, ev.Text...)
		}
		for _, src := range ev.Citations {
			citations.Add(src)
		}

		msg.Text = string(text)
		msg.Sources = citations.List()

		a.logger.Debug("Stream event",
			slog.String("messageID", msg.ID),
			slog.Int("delta", len(ev.Text)),
			slog.Int("sources", len(msg.Sources)))

		publish(msg.Clone())
	}

	msg.IsStreaming = false
	publish(msg.Clone())

	if streamErr != nil {
		a.metrics.StreamTurn(metrics.OutcomeFailure)
		a.logger.Error("Error from model stream",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, streamErr.Error()))
		return msg, fmt.Errorf("%w: %w", ErrStreamFailure, streamErr)
	}

	a.metrics.StreamTurn(metrics.OutcomeSuccess)
	return msg, nil
}
