package bus

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rsbio/spreadbus"
	"github.com/rsbio/spreadbus/assembly"
	"github.com/rsbio/spreadbus/dispatch"
)

func TestFragmentationFailsWhenHeaderCrowdsOutData(t *testing.T) {
	id := spreadbus.EventID{SenderID: uuid.New(), Sequence: 1}
	header := &spreadbus.NotificationHeader{
		ID:         id,
		Scope:      spreadbus.NewScope("/a/"),
		WireSchema: "utf-8-string",
		Metadata:   map[string]string{"filler": strings.Repeat("x", 400)},
	}

	encoded, err := spreadbus.EncodeFragmentHeader(spreadbus.FragmentedNotification{Header: header, ID: id, NumDataParts: 1})
	require.NoError(t, err)

	// A budget that leaves only MinDataSpace bytes of data room after the
	// serialized header must be rejected at publish time.
	maxFragmentSize := spreadbus.FramePrefixSize + len(encoded) + spreadbus.MinDataSpace
	_, err = fragmentPayload(id, header, []byte("payload"), maxFragmentSize)
	require.ErrorIs(t, err, spreadbus.ErrProtocolError)

	// One more byte of budget clears the floor.
	fragments, err := fragmentPayload(id, header, []byte("p"), maxFragmentSize+1)
	require.NoError(t, err)
	require.NotEmpty(t, fragments)
}

func TestInPullConnectorPullBlocksUntilDelivery(t *testing.T) {
	fd := newFakeDaemon(t)
	t.Cleanup(fd.close)
	host, port := fd.addr()

	factory := NewFactory(Config{DialTimeout: 2 * time.Second})
	b, err := factory.Obtain(context.Background(), host, port)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Deactivate(context.Background()) })

	conv := passthroughConverter{}
	out := NewOutConnector(b, conv, OutConnectorConfig{Scope: spreadbus.NewScope("/q/"), QoS: spreadbus.QoS{Ordering: spreadbus.OrderingUnordered, Reliability: spreadbus.ReliabilityUnreliable}})
	out.Activate()

	in := NewInPullConnector(b, conv, InPullConnectorConfig{Scope: spreadbus.NewScope("/q/")})
	require.NoError(t, in.Activate())
	t.Cleanup(func() { _ = in.Deactivate() })

	require.NoError(t, out.Handle(context.Background(), spreadbus.Event{Type: "text", Payload: "queued"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event, err := in.Pull(ctx, true)
	require.NoError(t, err)
	require.Equal(t, "queued", event.Payload)
}

func TestInPullConnectorNonBlockingPullOnEmptyQueue(t *testing.T) {
	fd := newFakeDaemon(t)
	t.Cleanup(fd.close)
	host, port := fd.addr()

	factory := NewFactory(Config{DialTimeout: 2 * time.Second})
	b, err := factory.Obtain(context.Background(), host, port)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Deactivate(context.Background()) })

	in := NewInPullConnector(b, passthroughConverter{}, InPullConnectorConfig{Scope: spreadbus.NewScope("/q/")})
	require.NoError(t, in.Activate())
	t.Cleanup(func() { _ = in.Deactivate() })

	_, err = in.Pull(context.Background(), false)
	require.ErrorIs(t, err, spreadbus.ErrQueueEmpty)
}

func TestSetQoSBelowFullyReliableEnablesPruning(t *testing.T) {
	fd := newFakeDaemon(t)
	t.Cleanup(fd.close)
	host, port := fd.addr()

	factory := NewFactory(Config{
		DialTimeout: 2 * time.Second,
		Pruning:     assembly.PruningConfig{MaxAge: time.Minute, Interval: time.Second},
	})
	b, err := factory.Obtain(context.Background(), host, port)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Deactivate(context.Background()) })

	in := NewInPushConnector(b, passthroughConverter{}, InPushConnectorConfig{Scope: spreadbus.NewScope("/q/")})
	require.NoError(t, in.Activate())
	t.Cleanup(func() { _ = in.Deactivate() })

	require.NoError(t, in.SetQoS(spreadbus.QoS{Ordering: spreadbus.OrderingUnordered, Reliability: spreadbus.ReliabilityUnreliable}))
	require.NoError(t, b.SetPruning(false))
}

type testSink struct {
	notifications chan spreadbus.Notification
	errs          chan error
}

func newTestSink() *testSink {
	return &testSink{notifications: make(chan spreadbus.Notification, 4), errs: make(chan error, 4)}
}

func (s *testSink) OnNotification(n spreadbus.Notification) { s.notifications <- n }
func (s *testSink) OnError(err error)                       { s.errs <- err }

func TestBusHandleErrorBroadcastsToAllSinks(t *testing.T) {
	fd := newFakeDaemon(t)
	t.Cleanup(fd.close)
	host, port := fd.addr()

	factory := NewFactory(Config{DialTimeout: 2 * time.Second})
	b, err := factory.Obtain(context.Background(), host, port)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Deactivate(context.Background()) })

	sinkA := newTestSink()
	sinkB := newTestSink()
	handleA := dispatch.NewHandle(sinkA)
	handleB := dispatch.NewHandle(sinkB)
	require.NoError(t, b.AddSink(spreadbus.NewScope("/a/"), handleA))
	require.NoError(t, b.AddSink(spreadbus.NewScope("/z/"), handleB))

	boom := errors.New("boom")
	b.HandleError(boom)

	select {
	case err := <-sinkA.errs:
		require.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("sinkA did not receive the broadcast error")
	}
	select {
	case err := <-sinkB.errs:
		require.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("sinkB did not receive the broadcast error")
	}
}
