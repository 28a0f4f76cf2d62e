package dispatch

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rsbio/spreadbus"
)

type recordingSink struct {
	name          string
	notifications []spreadbus.Notification
	errs          []error
}

func (s *recordingSink) OnNotification(n spreadbus.Notification) {
	s.notifications = append(s.notifications, n)
}

func (s *recordingSink) OnError(err error) {
	s.errs = append(s.errs, err)
}

func TestDispatcherDeliversToSuperScopesOnly(t *testing.T) {
	d := New()

	// Publish on /a/b/: the root, /a/ and /a/b/ subscribers receive; the
	// sub-scope /a/b/c/ and the unrelated /z/ subscribers do not.
	root := &recordingSink{name: "root"}
	a := &recordingSink{name: "a"}
	ab := &recordingSink{name: "ab"}
	abc := &recordingSink{name: "abc"}
	other := &recordingSink{name: "other"}

	handles := make([]*Handle, 0, 5)
	for _, reg := range []struct {
		scope spreadbus.Scope
		sink  *recordingSink
	}{
		{spreadbus.RootScope, root},
		{spreadbus.NewScope("/a/"), a},
		{spreadbus.NewScope("/a/b/"), ab},
		{spreadbus.NewScope("/a/b/c/"), abc},
		{spreadbus.NewScope("/z/"), other},
	} {
		h := NewHandle(reg.sink)
		handles = append(handles, h)
		d.Add(reg.scope, h)
	}

	n := spreadbus.Notification{Header: spreadbus.NotificationHeader{Scope: spreadbus.NewScope("/a/b/")}}
	d.ForEachUnder(n.ScopeValue(), func(s Sink) {
		s.OnNotification(n)
	})

	require.Len(t, root.notifications, 1)
	require.Len(t, a.notifications, 1)
	require.Len(t, ab.notifications, 1)
	require.Empty(t, abc.notifications)
	require.Empty(t, other.notifications)
	runtime.KeepAlive(handles)
}

func TestDispatcherRootSinkReceivesEverything(t *testing.T) {
	d := New()
	root := &recordingSink{}
	h := NewHandle(root)
	d.Add(spreadbus.RootScope, h)

	d.ForEachUnder(spreadbus.NewScope("/deep/nested/scope/"), func(s Sink) {
		s.OnNotification(spreadbus.Notification{})
	})
	require.Len(t, root.notifications, 1)
	runtime.KeepAlive(h)
}

func TestDispatcherRemoveStopsDelivery(t *testing.T) {
	d := New()
	sink := &recordingSink{}
	h := NewHandle(sink)
	scope := spreadbus.NewScope("/a/")
	d.Add(scope, h)
	d.Remove(scope, h)

	d.ForEachUnder(scope, func(s Sink) { s.OnNotification(spreadbus.Notification{}) })
	require.Empty(t, sink.notifications)
	runtime.KeepAlive(h)
}

func TestDispatcherPrunesCollectedHandles(t *testing.T) {
	d := New()
	scope := spreadbus.NewScope("/a/")

	func() {
		sink := &recordingSink{}
		h := NewHandle(sink)
		d.Add(scope, h)
		runtime.KeepAlive(h)
	}()

	runtime.GC()
	runtime.GC()

	called := 0
	d.ForEachUnder(scope, func(s Sink) { called++ })
	require.Equal(t, 0, called)
}

func TestDispatcherForEachAllIgnoresScope(t *testing.T) {
	d := New()
	a := &recordingSink{}
	b := &recordingSink{}
	ha := NewHandle(a)
	hb := NewHandle(b)
	d.Add(spreadbus.NewScope("/a/"), ha)
	d.Add(spreadbus.NewScope("/z/"), hb)

	err := spreadbus.ErrConnectionClosed
	d.ForEachAll(func(s Sink) { s.OnError(err) })

	require.Len(t, a.errs, 1)
	require.Len(t, b.errs, 1)
	runtime.KeepAlive(ha)
	runtime.KeepAlive(hb)
}
