package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	clientspulse "github.com/protofab/protofab/features/stream/pulse/clients/pulse"
	"github.com/protofab/protofab/runtime/forge/events"
)

func TestSubscribeDecodesAndAcks(t *testing.T) {
	sink := &fakeSink{ch: make(chan *streaming.Event, 1)}
	str := &fakeStream{newSinkFn: func(_ context.Context, name string) (clientspulse.Sink, error) {
		require.Equal(t, "protofab_subscriber", name)
		return sink, nil
	}}
	cli := &fakeClient{streamFn: func(name string) (clientspulse.Stream, error) {
		require.Equal(t, "run/run-1", name)
		return str, nil
	}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	evts, errs, cancel, err := sub.Subscribe(context.Background(), "run/run-1")
	require.NoError(t, err)
	defer cancel()

	payload, err := json.Marshal(testEvent("run-1", 7))
	require.NoError(t, err)
	sink.ch <- &streaming.Event{EventName: string(events.TypeAssistantDelta), Payload: payload}

	select {
	case got := <-evts:
		require.Equal(t, "run-1", got.RunID)
		require.Equal(t, uint64(7), got.Sequence)
		require.Equal(t, events.TypeAssistantDelta, got.Type)
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	require.Len(t, sink.acked, 1)
}

func TestSubscribeDecodeErrorSurfaces(t *testing.T) {
	sink := &fakeSink{ch: make(chan *streaming.Event, 1)}
	str := &fakeStream{newSinkFn: func(context.Context, string) (clientspulse.Sink, error) {
		return sink, nil
	}}
	cli := &fakeClient{streamFn: func(string) (clientspulse.Stream, error) {
		return str, nil
	}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	evts, errs, cancel, err := sub.Subscribe(context.Background(), "run/run-1")
	require.NoError(t, err)
	defer cancel()

	sink.ch <- &streaming.Event{EventName: "bad", Payload: []byte("{not json")}

	select {
	case err := <-errs:
		require.ErrorContains(t, err, "pulse decode payload")
	case <-evts:
		t.Fatal("expected decode error, got event")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error")
	}
}

func TestSubscribeAckErrorSurfaces(t *testing.T) {
	sink := &fakeSink{ch: make(chan *streaming.Event, 1), ackErr: errors.New("nack")}
	str := &fakeStream{newSinkFn: func(context.Context, string) (clientspulse.Sink, error) {
		return sink, nil
	}}
	cli := &fakeClient{streamFn: func(string) (clientspulse.Stream, error) {
		return str, nil
	}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	evts, errs, cancel, err := sub.Subscribe(context.Background(), "run/run-1")
	require.NoError(t, err)
	defer cancel()

	payload, err := json.Marshal(testEvent("run-1", 1))
	require.NoError(t, err)
	sink.ch <- &streaming.Event{EventName: string(events.TypeAssistantDelta), Payload: payload}

	// The event is emitted before the failed ack.
	select {
	case <-evts:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	select {
	case err := <-errs:
		require.ErrorContains(t, err, "pulse ack")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ack error")
	}
}

func TestCancelClosesSinkAndChannels(t *testing.T) {
	sink := &fakeSink{ch: make(chan *streaming.Event)}
	str := &fakeStream{newSinkFn: func(context.Context, string) (clientspulse.Sink, error) {
		return sink, nil
	}}
	cli := &fakeClient{streamFn: func(string) (clientspulse.Stream, error) {
		return str, nil
	}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli, SinkName: "custom", Buffer: 8})
	require.NoError(t, err)

	evts, _, cancel, err := sub.Subscribe(context.Background(), "run/run-1")
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-evts:
		require.False(t, ok, "expected event channel to close")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
	require.True(t, sink.closed)
}

func TestNewSubscriberRequiresClient(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	require.EqualError(t, err, "pulse client is required")
}
