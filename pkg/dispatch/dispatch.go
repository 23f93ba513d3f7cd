// Package dispatch defines the channel delivery boundary of the engine.
// Action nodes hand a Request to a Dispatcher; everything past that point
// (SMTP, SMS gateways, WhatsApp API) lives behind this interface.
package dispatch

import (
	"context"
	"time"

	"github.com/cadenzahq/cadenza/pkg/models"
)

// Request is one delivery attempt for an action node.
type Request struct {
	ExecutionID string
	NodeID      string
	Channel     models.Channel
	ContactID   string
	TemplateID  string
	Payload     map[string]any
}

// Result describes a successful delivery.
type Result struct {
	MessageID   string
	DeliveredAt time.Time
}

// Dispatcher delivers one message on one channel. Implementations classify
// failures as transient or permanent via the error types in this package;
// an unclassified error is treated as permanent.
type Dispatcher interface {
	Channel() models.Channel
	Send(ctx context.Context, req Request) (*Result, error)
}
