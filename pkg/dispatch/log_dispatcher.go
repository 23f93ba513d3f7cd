package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cadenzahq/cadenza/pkg/models"
)

// LogDispatcher logs deliveries instead of sending them. Used in
// development runs and as the default when a channel has no real provider
// configured.
type LogDispatcher struct {
	logger  *slog.Logger
	channel models.Channel
}

func NewLogDispatcher(logger *slog.Logger, channel models.Channel) *LogDispatcher {
	return &LogDispatcher{
		logger:  logger.With("module", "dispatch", "channel", channel),
		channel: channel,
	}
}

func (d *LogDispatcher) Channel() models.Channel {
	return d.channel
}

func (d *LogDispatcher) Send(ctx context.Context, req Request) (*Result, error) {
	d.logger.InfoContext(ctx, "Dispatching message",
		"execution_id", req.ExecutionID,
		"node_id", req.NodeID,
		"contact_id", req.ContactID,
		"template_id", req.TemplateID,
	)

	return &Result{
		MessageID:   uuid.New().String(),
		DeliveredAt: time.Now().UTC(),
	}, nil
}
