package receiver

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rsbio/spreadbus"
	"github.com/rsbio/spreadbus/assembly"
	"github.com/rsbio/spreadbus/daemonconn"
)

type fakeConn struct {
	messages []daemonconn.Message
	errAfter error
	i        int
}

func (f *fakeConn) Receive(ctx context.Context) (daemonconn.Message, error) {
	if f.i >= len(f.messages) {
		if f.errAfter != nil {
			return daemonconn.Message{}, f.errAfter
		}
		return daemonconn.Message{}, spreadbus.ErrCancelled
	}
	m := f.messages[f.i]
	f.i++
	return m, nil
}

type fakeHandler struct {
	mu       sync.Mutex
	incoming []spreadbus.Notification
	errors   []error
}

func (h *fakeHandler) OnIncoming(n spreadbus.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.incoming = append(h.incoming, n)
}

func (h *fakeHandler) OnError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, err)
}

func mustEncode(t *testing.T, fragment spreadbus.FragmentedNotification) []byte {
	t.Helper()
	raw, err := spreadbus.EncodeFragment(fragment)
	require.NoError(t, err)
	return raw
}

func TestTaskDispatchesSingleFragmentDirectly(t *testing.T) {
	sender := uuid.New()
	header := &spreadbus.NotificationHeader{Scope: spreadbus.NewScope("/a/")}
	fragment := spreadbus.FragmentedNotification{
		Header: header, ID: spreadbus.EventID{SenderID: sender, Sequence: 1},
		DataPart: 0, NumDataParts: 1, Data: []byte("hello"),
	}

	conn := &fakeConn{messages: []daemonconn.Message{
		{Kind: daemonconn.KindRegular, Data: mustEncode(t, fragment)},
	}}
	handler := &fakeHandler{}
	task := New(conn, assembly.New(assembly.PruningConfig{}), handler, nil)

	require.NoError(t, task.Run(context.Background()))
	require.Len(t, handler.incoming, 1)
	require.Equal(t, []byte("hello"), handler.incoming[0].Payload)
	require.False(t, handler.incoming[0].Header.ReceiveTime.IsZero())
}

func TestTaskSkipsMembershipMessages(t *testing.T) {
	conn := &fakeConn{messages: []daemonconn.Message{
		{Kind: daemonconn.KindMembership, Groups: []string{"g"}},
	}}
	handler := &fakeHandler{}
	task := New(conn, assembly.New(assembly.PruningConfig{}), handler, nil)

	require.NoError(t, task.Run(context.Background()))
	require.Empty(t, handler.incoming)
	require.Empty(t, handler.errors)
}

func TestTaskReassemblesMultiFragmentViaPool(t *testing.T) {
	sender := uuid.New()
	header := &spreadbus.NotificationHeader{Scope: spreadbus.NewScope("/a/")}
	f0 := spreadbus.FragmentedNotification{Header: header, ID: spreadbus.EventID{SenderID: sender, Sequence: 9}, DataPart: 0, NumDataParts: 2, Data: []byte("AA")}
	f1 := spreadbus.FragmentedNotification{ID: spreadbus.EventID{SenderID: sender, Sequence: 9}, DataPart: 1, NumDataParts: 2, Data: []byte("BB")}

	conn := &fakeConn{messages: []daemonconn.Message{
		{Kind: daemonconn.KindRegular, Data: mustEncode(t, f0)},
		{Kind: daemonconn.KindRegular, Data: mustEncode(t, f1)},
	}}
	handler := &fakeHandler{}
	task := New(conn, assembly.New(assembly.PruningConfig{}), handler, nil)

	require.NoError(t, task.Run(context.Background()))
	require.Len(t, handler.incoming, 1)
	require.Equal(t, []byte("AABB"), handler.incoming[0].Payload)
}

func TestTaskReportsParseFailureAndContinues(t *testing.T) {
	sender := uuid.New()
	header := &spreadbus.NotificationHeader{Scope: spreadbus.NewScope("/a/")}
	good := spreadbus.FragmentedNotification{Header: header, ID: spreadbus.EventID{SenderID: sender, Sequence: 1}, DataPart: 0, NumDataParts: 1, Data: []byte("ok")}

	conn := &fakeConn{messages: []daemonconn.Message{
		{Kind: daemonconn.KindRegular, Data: []byte{0, 0, 0, 1}}, // truncated envelope
		{Kind: daemonconn.KindRegular, Data: mustEncode(t, good)},
	}}
	handler := &fakeHandler{}
	task := New(conn, assembly.New(assembly.PruningConfig{}), handler, nil)

	require.NoError(t, task.Run(context.Background()))
	require.Len(t, handler.errors, 1)
	require.Len(t, handler.incoming, 1)
}

func TestTaskReturnsDaemonErrorAfterReportingIt(t *testing.T) {
	daemonErr := errors.New("boom")
	conn := &fakeConn{errAfter: daemonErr}
	handler := &fakeHandler{}
	task := New(conn, assembly.New(assembly.PruningConfig{}), handler, nil)

	err := task.Run(context.Background())
	require.ErrorIs(t, err, daemonErr)
	require.Len(t, handler.errors, 1)
}
