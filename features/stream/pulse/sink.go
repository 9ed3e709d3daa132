// Package pulse exposes an events.Sink implementation that publishes run
// events to goa.design/pulse streams. It mirrors the layering used by existing
// Pulse deployments: services build a Redis client, pass it to the Pulse
// client, and hand the resulting sink to the orchestrator.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/protofab/protofab/features/stream/pulse/clients/pulse"
	"github.com/protofab/protofab/runtime/forge/events"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// `run/<RunID>`.
		StreamID func(events.Event) (string, error)
		// Marshal allows overriding event serialization (primarily for tests).
		Marshal func(events.Event) ([]byte, error)
	}

	// Sink publishes run events into Pulse streams. The event already carries
	// its session, run, sequence and timestamp metadata, so the sink publishes
	// the event JSON directly under its type name.
	// Thread-safe for concurrent Send operations.
	Sink struct {
		client pulse.Client
		opts   sinkOptions
	}

	// sinkOptions holds internal configuration derived from Options.
	sinkOptions struct {
		streamID func(events.Event) (string, error)
		marshal  func(events.Event) ([]byte, error)
	}
)

// NewSink constructs a Pulse-backed event sink. The Client field in opts is
// required; StreamID and Marshal default to the built-in implementations when
// not provided.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := sinkOptions{
		streamID: defaultStreamID,
		marshal:  defaultMarshal,
	}
	if opts.StreamID != nil {
		cfg.streamID = opts.StreamID
	}
	if opts.Marshal != nil {
		cfg.marshal = opts.Marshal
	}
	return &Sink{
		client: opts.Client,
		opts:   cfg,
	}, nil
}

// Send publishes the event to the derived Pulse stream. It derives the stream
// ID, marshals the event to JSON, and publishes it via the Pulse client under
// the event type name. Thread-safe for concurrent calls.
func (s *Sink) Send(ctx context.Context, event events.Event) error {
	streamID, err := s.opts.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := s.opts.marshal(event)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, string(event.Type), payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink. This delegates to the underlying
// Pulse client, which may or may not close the Redis connection depending on
// the client implementation.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the event's RunID.
// Returns an error if the RunID is empty.
func defaultStreamID(event events.Event) (string, error) {
	if event.RunID == "" {
		return "", errors.New("run event missing run id")
	}
	return fmt.Sprintf("run/%s", event.RunID), nil
}

// defaultMarshal serializes an event to JSON.
func defaultMarshal(event events.Event) ([]byte, error) {
	return json.Marshal(event)
}
