package pluginhost

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/messagetype"
)

// registerStub reserves a bare Plugin record directly in the host's slot
// table, bypassing Load (which needs a real shared library) so routing and
// fan-out behavior can be exercised in isolation.
func registerStub(t *testing.T, h *Host, p *Plugin) int {
	t.Helper()
	id, err := h.Register(p)
	require.NoError(t, err)
	return id
}

func TestRouteDeliversToMatchingSubscribersInSlotOrder(t *testing.T) {
	h := New(SideIMV, nil)

	var order []int
	mk := func(pattern messagetype.Type) *Plugin {
		p := &Plugin{Name: "p"}
		p.SetSubscriptions([]messagetype.Type{pattern})
		p.ReceiveMessage = func(id, connID uint32, mt messagetype.Type, payload []byte) error {
			order = append(order, int(id))
			return nil
		}
		return p
	}

	registerStub(t, h, mk(messagetype.Type{Vendor: 1, Subtype: 1}))
	// a fully-wildcard subscription pattern (as opposed to a delivered
	// type, which forbids it) legitimately matches every delivered type.
	registerStub(t, h, mk(messagetype.Type{Vendor: messagetype.AnyVendor, Subtype: messagetype.AnySubtype}))
	registerStub(t, h, mk(messagetype.Type{Vendor: 1, Subtype: messagetype.AnySubtype}))
	registerStub(t, h, mk(messagetype.Type{Vendor: 2, Subtype: 1}))

	err := h.Route(context.Background(), 0, messagetype.Type{Vendor: 1, Subtype: 1}, []byte("x"))
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestRouteRejectsFullyWildcardDelivered(t *testing.T) {
	h := New(SideIMC, nil)
	err := h.Route(context.Background(), 0, messagetype.Type{Vendor: messagetype.AnyVendor, Subtype: messagetype.AnySubtype}, nil)
	require.Error(t, err)
}

func TestRouteDeliversEachPluginAtMostOnce(t *testing.T) {
	h := New(SideIMV, nil)
	calls := 0
	p := &Plugin{Name: "multi"}
	p.SetSubscriptions([]messagetype.Type{
		{Vendor: 1, Subtype: 1},
		{Vendor: 1, Subtype: messagetype.AnySubtype},
	})
	p.ReceiveMessage = func(id, connID uint32, mt messagetype.Type, payload []byte) error {
		calls++
		return nil
	}
	registerStub(t, h, p)

	require.NoError(t, h.Route(context.Background(), 0, messagetype.Type{Vendor: 1, Subtype: 1}, nil))
	assert.Equal(t, 1, calls)
}

func TestNotifyAllSkipsPluginsWithoutTheEntryPoint(t *testing.T) {
	h := New(SideIMC, nil)
	var seen []int

	withHook := &Plugin{Name: "a"}
	withHook.NotifyConnectionChange = func(id, connID uint32, state ConnectionState) error {
		seen = append(seen, int(id))
		return nil
	}
	registerStub(t, h, withHook)
	registerStub(t, h, &Plugin{Name: "b"}) // no NotifyConnectionChange

	h.NotifyAll(context.Background(), 0, StateCreate)
	assert.Equal(t, []int{0}, seen)
}

func TestBeginHandshakeAllInvokesOnlyIMCs(t *testing.T) {
	h := New(SideIMC, nil)
	called := false
	p := &Plugin{Name: "imc"}
	p.BeginHandshake = func(id, connID uint32) error {
		called = true
		return nil
	}
	registerStub(t, h, p)

	h.BeginHandshakeAll(context.Background(), 5)
	assert.True(t, called)
}

func TestTerminateAllUnloadsAndResetsAllocation(t *testing.T) {
	h := New(SideIMV, nil)
	terminated := false
	p := &Plugin{Name: "x"}
	p.Terminate = func(id uint32) error {
		terminated = true
		return nil
	}
	id := registerStub(t, h, p)

	h.TerminateAll(context.Background())
	assert.True(t, terminated)
	assert.Nil(t, h.Get(id))

	// nextID reset to 0 means a fresh Reserve reuses id 0.
	nextID, err := h.table.Reserve(&Plugin{Name: "y"})
	require.NoError(t, err)
	assert.Equal(t, 0, nextID)
}

func TestSideString(t *testing.T) {
	assert.Equal(t, "IMC", SideIMC.String())
	assert.Equal(t, "IMV", SideIMV.String())
}
