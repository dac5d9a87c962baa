// Package pluginhost implements C4/C5/C9: loading IMC/IMV shared libraries,
// resolving their entry points, tracking per-plugin message-type
// subscriptions, and fanning incoming messages out to interested plugins.
//
// Dynamic loading is modeled on Go's plugin package (plugin.Open/Lookup) as
// the idiomatic in-process analogue of dlopen/dlsym, grounded on
// libtncimc.c/libtncimv.c's TNC_IMC_Initialize-and-friends resolution dance.
package pluginhost

import (
	"context"
	"fmt"
	"plugin"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/messagetype"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/slottable"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/pkg/logger"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/pkg/tncerr"
)

// Side identifies which half of the symmetric IF-IMC/IF-IMV ABI a Host
// manages.
type Side int

const (
	SideIMC Side = iota
	SideIMV
)

func (s Side) String() string {
	if s == SideIMV {
		return "IMV"
	}
	return "IMC"
}

// ConnectionState mirrors the TNC_CONNECTION_STATE values passed to
// NotifyConnectionChange.
type ConnectionState int

const (
	StateCreate ConnectionState = iota
	StateHandshake
	StateAccessAllowed
	StateAccessIsolated
	StateAccessNone
	StateDelete
)

// BindFunc is the reverse-ABI dispatcher a plugin uses to resolve host
// callback names (send_message, log_message, provide_recommendation, ...)
// to callable values, per §4.2's bindFunction(id, name, out_ptr).
type BindFunc func(name string) (any, error)

// Entry-point function types, one per resolved symbol of §3's plugin
// record. All but Initialize and ProvideBindFunction (and the mandatory
// handshake entry point for the relevant Side) are optional; a nil field
// means the plugin did not export that symbol.
type (
	InitializeFunc         func(id uint32, minVersion, maxVersion uint32) (negotiated uint32, err error)
	NotifyConnectionChange func(id, connID uint32, state ConnectionState) error
	BeginHandshakeFunc     func(id, connID uint32) error
	SolicitRecommendation  func(id, connID uint32) error
	ReceiveMessageFunc     func(id, connID uint32, msgType messagetype.Type, payload []byte) error
	BatchEndingFunc        func(id, connID uint32) error
	TerminateFunc          func(id uint32) error
	ProvideBindFunctionFn  func(id uint32, bind BindFunc) error
)

// Plugin is one loaded IMC or IMV: its resolved entry points plus the
// message-type subscriptions it has reported via report_message_types.
type Plugin struct {
	ID   int
	Name string
	Path string
	Side Side

	Version uint32

	Initialize             InitializeFunc
	NotifyConnectionChange NotifyConnectionChange
	BeginHandshake         BeginHandshakeFunc
	SolicitRecommendation  SolicitRecommendation
	ReceiveMessage         ReceiveMessageFunc
	BatchEnding            BatchEndingFunc
	Terminate              TerminateFunc
	ProvideBindFunction    ProvideBindFunctionFn

	subsMu sync.Mutex
	subs   []messagetype.Type
}

// SetSubscriptions replaces the plugin's subscription list wholesale, per
// report_message_types's "replace with a freshly copied array" semantics.
func (p *Plugin) SetSubscriptions(types []messagetype.Type) {
	cp := make([]messagetype.Type, len(types))
	copy(cp, types)
	p.subsMu.Lock()
	p.subs = cp
	p.subsMu.Unlock()
}

func (p *Plugin) subscriptionsSnapshot() []messagetype.Type {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	cp := make([]messagetype.Type, len(p.subs))
	copy(cp, p.subs)
	return cp
}

func (p *Plugin) subscribedTo(delivered messagetype.Type) bool {
	for _, pattern := range p.subscriptionsSnapshot() {
		if pattern.Matches(delivered) {
			return true
		}
	}
	return false
}

// VendorHandler is the application-supplied handler for vendor-specific
// (vendor != 0) TNCC-TNCS control messages, which bypass the IMC-IMV
// router per §4.3.
type VendorHandler func(ctx context.Context, connID int, msgType messagetype.Type, xmlBody, binaryBody []byte, isXML bool) error

// Host owns one side's slot table and drives load/unload, entry-point
// invocation fan-out, and message routing for that side.
type Host struct {
	side   Side
	table  *slottable.Table[Plugin]
	binder func(pluginID int) BindFunc
}

// New creates a Host for the given side with the default slot capacity.
func New(side Side, binder func(pluginID int) BindFunc) *Host {
	return &Host{side: side, table: slottable.New[Plugin](slottable.DefaultCapacity), binder: binder}
}

// Side reports which half of the ABI this host manages.
func (h *Host) Side() Side { return h.side }

// resolvedEntryPoints is the raw, untyped shape a loaded shared library's
// exported symbols are asserted against.
type resolvedEntryPoints struct {
	initialize             InitializeFunc
	notifyConnectionChange NotifyConnectionChange
	beginHandshake         BeginHandshakeFunc
	solicitRecommendation  SolicitRecommendation
	receiveMessage         ReceiveMessageFunc
	batchEnding            BatchEndingFunc
	terminate              TerminateFunc
	provideBindFunction    ProvideBindFunctionFn
}

// Load opens the shared library at path, resolves its mandatory and
// optional entry points, registers it in the slot table, calls Initialize,
// and finally, when the host was built with a binder, invokes
// ProvideBindFunction — in that order, per §4.2's "register before
// provideBindFunction, because the plugin may immediately call back using
// its id." With a nil binder, ProvideBindFunction is not called.
func (h *Host) Load(ctx context.Context, name, path string) (int, error) {
	lib, err := plugin.Open(path)
	if err != nil {
		return 0, tncerr.Wrap(tncerr.Fatal, fmt.Sprintf("open plugin library %s", path), err)
	}

	eps, err := resolveEntryPoints(lib, h.side)
	if err != nil {
		return 0, err
	}

	record := &Plugin{
		Name:                   name,
		Path:                   path,
		Side:                   h.side,
		Initialize:             eps.initialize,
		NotifyConnectionChange: eps.notifyConnectionChange,
		BeginHandshake:         eps.beginHandshake,
		SolicitRecommendation:  eps.solicitRecommendation,
		ReceiveMessage:         eps.receiveMessage,
		BatchEnding:            eps.batchEnding,
		Terminate:              eps.terminate,
		ProvideBindFunction:    eps.provideBindFunction,
	}

	id, err := h.table.Reserve(record)
	if err != nil {
		return 0, tncerr.Wrap(tncerr.Fatal, fmt.Sprintf("register plugin %s", name), err)
	}
	record.ID = id

	const protocolVersion = 1
	negotiated, err := record.Initialize(uint32(id), protocolVersion, protocolVersion)
	if err != nil {
		h.table.Release(id)
		return 0, tncerr.Wrap(tncerr.CodeOf(err), fmt.Sprintf("initialize plugin %s", name), err)
	}
	record.Version = negotiated

	if h.binder != nil {
		if err := record.ProvideBindFunction(uint32(id), h.binder(id)); err != nil {
			logger.FromContext(ctx).Warn("plugin rejected bind function", "plugin", name, "err", err)
		}
	}

	return id, nil
}

// Register adds an already-constructed Plugin record to the slot table
// directly, bypassing Load's shared-library resolution step. This lets a
// statically linked, in-process IMC/IMV register itself exactly as a
// dynamically loaded one would, and is how tests exercise routing and
// fan-out without a real shared library on disk.
func (h *Host) Register(p *Plugin) (int, error) {
	id, err := h.table.Reserve(p)
	if err != nil {
		return 0, err
	}
	p.ID = id
	return id, nil
}

func resolveEntryPoints(lib *plugin.Plugin, side Side) (resolvedEntryPoints, error) {
	var eps resolvedEntryPoints

	initSym := "TNC_IMC_Initialize"
	bindSym := "TNC_IMC_ProvideBindFunction"
	if side == SideIMV {
		initSym = "TNC_IMV_Initialize"
		bindSym = "TNC_IMV_ProvideBindFunction"
	}

	if err := lookupMandatory(lib, initSym, &eps.initialize); err != nil {
		return eps, err
	}
	if err := lookupMandatory(lib, bindSym, &eps.provideBindFunction); err != nil {
		return eps, err
	}
	if side == SideIMC {
		if err := lookupMandatory(lib, "TNC_IMC_BeginHandshake", &eps.beginHandshake); err != nil {
			return eps, err
		}
	} else {
		if err := lookupMandatory(lib, "TNC_IMV_SolicitRecommendation", &eps.solicitRecommendation); err != nil {
			return eps, err
		}
	}

	notifySym, receiveSym, endingSym, termSym := "TNC_IMC_NotifyConnectionChange",
		"TNC_IMC_ReceiveMessage", "TNC_IMC_BatchEnding", "TNC_IMC_Terminate"
	if side == SideIMV {
		notifySym, receiveSym, endingSym, termSym = "TNC_IMV_NotifyConnectionChange",
			"TNC_IMV_ReceiveMessage", "TNC_IMV_BatchEnding", "TNC_IMV_Terminate"
	}
	lookupOptional(lib, notifySym, &eps.notifyConnectionChange)
	lookupOptional(lib, receiveSym, &eps.receiveMessage)
	lookupOptional(lib, endingSym, &eps.batchEnding)
	lookupOptional(lib, termSym, &eps.terminate)

	return eps, nil
}

func lookupMandatory[T any](lib *plugin.Plugin, name string, out *T) error {
	sym, err := lib.Lookup(name)
	if err != nil {
		return tncerr.Wrap(tncerr.Fatal, fmt.Sprintf("mandatory entry point %s", name), err)
	}
	fn, ok := sym.(T)
	if !ok {
		return tncerr.New(tncerr.Fatal, fmt.Sprintf("entry point %s has unexpected signature", name))
	}
	*out = fn
	return nil
}

func lookupOptional[T any](lib *plugin.Plugin, name string, out *T) {
	sym, err := lib.Lookup(name)
	if err != nil {
		return
	}
	if fn, ok := sym.(T); ok {
		*out = fn
	}
}

// TerminateAll calls Terminate (if present) on every live plugin, unloads
// the slot, and resets allocation — §4.2's terminate_all.
func (h *Host) TerminateAll(ctx context.Context) {
	var ids []int
	h.table.Iterate(func(id int, p *Plugin) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		p := h.table.Get(id)
		if p == nil {
			continue
		}
		if p.Terminate != nil {
			if err := p.Terminate(uint32(id)); err != nil {
				logger.FromContext(ctx).Warn("plugin terminate failed", "plugin", p.Name, "err", err)
			}
		}
		h.table.Release(id)
	}
	h.table.Reset()
}

// NotifyAll calls NotifyConnectionChange on every live plugin that exports
// it.
func (h *Host) NotifyAll(ctx context.Context, connID int, state ConnectionState) {
	h.forEachOptional(ctx, func(p *Plugin) error {
		if p.NotifyConnectionChange == nil {
			return nil
		}
		return p.NotifyConnectionChange(uint32(p.ID), uint32(connID), state)
	})
}

// BeginHandshakeAll calls BeginHandshake on every IMC.
func (h *Host) BeginHandshakeAll(ctx context.Context, connID int) {
	h.forEachOptional(ctx, func(p *Plugin) error {
		if p.BeginHandshake == nil {
			return nil
		}
		return p.BeginHandshake(uint32(p.ID), uint32(connID))
	})
}

// SolicitRecommendationAll calls SolicitRecommendation on every IMV.
func (h *Host) SolicitRecommendationAll(ctx context.Context, connID int) {
	h.forEachOptional(ctx, func(p *Plugin) error {
		if p.SolicitRecommendation == nil {
			return nil
		}
		return p.SolicitRecommendation(uint32(p.ID), uint32(connID))
	})
}

// BatchEndingAll calls BatchEnding on every plugin that exports it.
func (h *Host) BatchEndingAll(ctx context.Context, connID int) {
	h.forEachOptional(ctx, func(p *Plugin) error {
		if p.BatchEnding == nil {
			return nil
		}
		return p.BatchEnding(uint32(p.ID), uint32(connID))
	})
}

// forEachOptional invokes call against every live plugin concurrently and
// waits for all of them to return. §4.2's notify_all/begin_handshake_all/
// solicit_recommendation_all/batch_ending_all only specify iterating live
// slots and ignoring individual return codes; unlike Route, nothing in §5
// ties their fan-out to slot order, so a plugin that blocks (a slow IMV
// doing a filesystem scan, say) does not hold up its siblings. Individual
// plugin errors are logged, not propagated.
func (h *Host) forEachOptional(ctx context.Context, call func(p *Plugin) error) {
	var g errgroup.Group
	h.table.Iterate(func(id int, p *Plugin) bool {
		p, id := p, id
		g.Go(func() error {
			if err := call(p); err != nil {
				logger.FromContext(ctx).Warn("plugin callback failed", "plugin", p.Name, "id", id, "err", err)
			}
			return nil
		})
		return true
	})
	_ = g.Wait()
}

// Route delivers an incoming IMC-IMV payload to every plugin whose
// subscriptions match delivered, per §4.3's wildcard rules. A fully
// wildcard delivered type is rejected outright. Delivery order follows
// slot-allocation order and each plugin is invoked at most once.
func (h *Host) Route(ctx context.Context, connID int, delivered messagetype.Type, payload []byte) error {
	if delivered.IsFullyWildcard() {
		return tncerr.New(tncerr.InvalidParameter, "refusing to deliver fully-wildcard message type")
	}
	h.table.Iterate(func(id int, p *Plugin) bool {
		if p.ReceiveMessage == nil || !p.subscribedTo(delivered) {
			return true
		}
		if err := p.ReceiveMessage(uint32(id), uint32(connID), delivered, payload); err != nil {
			logger.FromContext(ctx).Warn("plugin receive_message failed", "plugin", p.Name, "err", err)
		}
		return true
	})
	return nil
}

// Get returns the plugin record registered at id, or nil if vacant.
func (h *Host) Get(id int) *Plugin { return h.table.Get(id) }
