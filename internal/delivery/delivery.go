// Package delivery hands telemetry records to the ingestion endpoint.
//
// Delivery is fire-and-forget from the emitter's point of view: failures
// are reported through the returned error and never influence position
// computation.
package delivery

import (
	"context"
	"errors"

	"github.com/signalsfoundry/fleet-emitter/internal/logging"
	"github.com/signalsfoundry/fleet-emitter/model"
)

// ErrDelivery is wrapped by every error returned from a Sender.
var ErrDelivery = errors.New("delivery failed")

// Outcome summarises one Send call.
type Outcome struct {
	// StatusCode is the HTTP status of the last attempt, 0 when no
	// response was received.
	StatusCode int
	// Attempts counts requests made, including the first one.
	Attempts int
	// Body is the (truncated) response body of the last attempt.
	Body string
}

// Sender delivers a single record.
type Sender interface {
	Send(ctx context.Context, rec model.Record) (Outcome, error)
}

// NopSender logs records without sending them anywhere.
type NopSender struct {
	Log logging.Logger
}

// Send implements Sender.
func (n NopSender) Send(ctx context.Context, rec model.Record) (Outcome, error) {
	if n.Log != nil {
		n.Log.Debug(ctx, "dry run: record not sent",
			logging.String("record_id", rec.ID),
			logging.String("kind", string(rec.Kind)),
		)
	}
	return Outcome{Attempts: 1}, nil
}
