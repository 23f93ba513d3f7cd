package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cadenzahq/cadenza/pkg/models"
)

// Registry routes requests to the dispatcher registered for their channel.
type Registry struct {
	logger      *slog.Logger
	dispatchers map[models.Channel]Dispatcher
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:      logger,
		dispatchers: make(map[models.Channel]Dispatcher),
	}
}

func (r *Registry) Register(dispatcher Dispatcher) {
	r.dispatchers[dispatcher.Channel()] = dispatcher
}

// Send routes req to its channel's dispatcher. An unregistered channel is a
// permanent failure.
func (r *Registry) Send(ctx context.Context, req Request) (*Result, error) {
	dispatcher, ok := r.dispatchers[req.Channel]
	if !ok {
		return nil, Permanent(fmt.Errorf("channel '%s' not registered", req.Channel))
	}

	return dispatcher.Send(ctx, req)
}

// Channels returns the registered channel names.
func (r *Registry) Channels() []models.Channel {
	channels := make([]models.Channel, 0, len(r.dispatchers))
	for channel := range r.dispatchers {
		channels = append(channels, channel)
	}

	return channels
}
