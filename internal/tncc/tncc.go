// Package tncc implements the client-side half of C6's batch engine: the
// TNCC's per-connection handshake state machine, the bind-function
// dispatcher IMCs use to call back into the host, and the IMCC-side
// handling of control messages received from a TNCS. Grounded on
// libtnctncc.c and §4.4's TNCC state transitions.
package tncc

import (
	"context"

	"github.com/google/uuid"

	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/batch"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/connregistry"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/messagetype"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/pluginhost"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/pkg/logger"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/pkg/tncerr"
)

// AccessState is the recommendation-derived access state a connection
// settles into once the TNCS delivers a final Recommendation.
type AccessState int

const (
	AccessPending AccessState = iota
	AccessAllowed
	AccessIsolated
	AccessNone
)

// Connection is one TNCC-side handshake in progress. Per §5, operations on
// a single connection must be externally serialized by the caller; the
// fields here carry no lock of their own.
type Connection struct {
	ID          int
	SessionID   string // random id generated per connection and logged when the session begins
	AppData     any
	Outgoing    *batch.Document
	State       pluginhost.ConnectionState
	Access      AccessState
	IMCIMVCount int // IMC-IMV messages exchanged so far this turn
	Final       bool
}

// TransportFunc hands a flushed outgoing batch to the peer; the caller
// owns how bytes actually cross the wire.
type TransportFunc func(ctx context.Context, connID int, wire []byte) error

// Engine drives the TNCC side: plugin host, connection registry, and the
// transport callback that flushes built batches.
type Engine struct {
	Host      *pluginhost.Host
	Vendor    pluginhost.VendorHandler
	transport TransportFunc
	conns     *connregistry.Registry[Connection]
}

// New builds a TNCC Engine around an IMC-side plugin host. It does not
// install BindFunction on host: plugins reach send_message/log_message/etc
// only through whatever binder host was built with in pluginhost.New.
func New(host *pluginhost.Host, transport TransportFunc) *Engine {
	return &Engine{Host: host, transport: transport, conns: connregistry.New[Connection]()}
}

// BindFunction implements the bind dispatcher a loaded IMC resolves
// against: report_message_types, send_message, log_message, and
// request_handshake_retry, per §4.2. appBind, when non-nil, is tried
// first; this dispatcher only answers names appBind does not recognize.
func (e *Engine) BindFunction(appBind func(name string) (any, error)) pluginhost.BindFunc {
	return func(name string) (any, error) {
		if appBind != nil {
			if fn, err := appBind(name); err == nil {
				return fn, nil
			}
		}
		switch name {
		case "report_message_types":
			return func(pluginID int, types []messagetype.Type) error {
				p := e.Host.Get(pluginID)
				if p == nil {
					return tncerr.New(tncerr.InvalidParameter, "unknown plugin id")
				}
				p.SetSubscriptions(types)
				return nil
			}, nil
		case "send_message":
			return func(connID int, msgType messagetype.Type, payload []byte) error {
				conn := e.conns.Get(connID)
				if conn == nil || conn.Outgoing == nil {
					return tncerr.New(tncerr.InvalidParameter, "no outgoing batch for connection")
				}
				conn.Outgoing.AddIMCIMV(msgType, payload)
				conn.IMCIMVCount++
				return nil
			}, nil
		case "log_message":
			return func(ctx context.Context, severity, text string) {
				logMessage(ctx, severity, text)
			}, nil
		case "request_handshake_retry":
			return func() error { return nil }, nil
		}
		return nil, tncerr.New(tncerr.InvalidParameter, "unrecognized bind function name")
	}
}

func logMessage(ctx context.Context, severity, text string) {
	log := logger.FromContext(ctx)
	switch severity {
	case "err":
		log.Error(text)
	case "warning":
		log.Warn(text)
	default:
		log.Info(text, "severity", severity)
	}
}

// BeginSession creates a new connection, builds the opening BatchId=1
// batch addressed to the TNCS, notifies every IMC of CREATE then
// HANDSHAKE, invokes begin_handshake on all of them, and flushes the
// result to the transport, per §4.4's begin_session.
func (e *Engine) BeginSession(ctx context.Context, appData any) (int, error) {
	conn := &Connection{AppData: appData, State: pluginhost.StateCreate, SessionID: uuid.New().String()}
	connID := e.conns.Insert(conn)
	conn.ID = connID

	conn.Outgoing = batch.New(1, batch.RecipientTNCS)

	logger.FromContext(ctx).Info("session begun", "connection", connID, "session_id", conn.SessionID)
	e.Host.NotifyAll(ctx, connID, pluginhost.StateCreate)
	conn.State = pluginhost.StateHandshake
	e.Host.NotifyAll(ctx, connID, pluginhost.StateHandshake)
	e.Host.BeginHandshakeAll(ctx, connID)

	if err := e.flush(ctx, conn); err != nil {
		return connID, err
	}
	conn.Outgoing = nil
	return connID, nil
}

func (e *Engine) flush(ctx context.Context, conn *Connection) error {
	wire, err := conn.Outgoing.Encode()
	if err != nil {
		return tncerr.Wrap(tncerr.Fatal, "encode outgoing batch", err)
	}
	if e.transport == nil {
		return nil
	}
	return e.transport(ctx, conn.ID, wire)
}

// ReceiveBatch parses an incoming batch from the TNCS, dispatches its
// contents, applies any control-message effects, and flushes a reply
// unless the handshake has reached a final recommendation, per §4.4.
func (e *Engine) ReceiveBatch(ctx context.Context, connID int, data []byte) error {
	conn := e.conns.Get(connID)
	if conn == nil {
		return tncerr.New(tncerr.InvalidParameter, "unknown connection id")
	}

	incoming, err := batch.Parse(data, batch.RecipientTNCC)
	if err != nil {
		return err
	}

	conn.Outgoing = batch.New(incoming.BatchID+1, batch.RecipientTNCS)
	conn.IMCIMVCount = 0

	for _, msg := range incoming.Messages {
		if err := e.dispatch(ctx, conn, msg); err != nil {
			return err
		}
		if conn.Final {
			break
		}
	}

	if conn.Final {
		conn.Outgoing = nil
		return nil
	}

	e.Host.BatchEndingAll(ctx, connID)
	if err := e.flush(ctx, conn); err != nil {
		return err
	}
	conn.Outgoing = nil
	return nil
}

func (e *Engine) dispatch(ctx context.Context, conn *Connection, msg batch.Message) error {
	switch m := msg.(type) {
	case batch.IMCIMVMessage:
		conn.IMCIMVCount++
		return e.Host.Route(ctx, conn.ID, m.Type, m.Payload)
	case batch.RecommendationMessage:
		switch m.Type {
		case batch.RecAllow:
			conn.Access = AccessAllowed
		case batch.RecIsolate:
			conn.Access = AccessIsolated
		default:
			conn.Access = AccessNone
		}
		e.Host.NotifyAll(ctx, conn.ID, accessState(conn.Access))
		e.Host.NotifyAll(ctx, conn.ID, pluginhost.StateDelete)
		conn.Final = true
		return nil
	case batch.ErrorMessage:
		logger.FromContext(ctx).Error("TNCS reported error", "type", m.Type, "text", m.Text)
		return nil
	case batch.ReasonStringsMessage:
		for _, r := range m.Reasons {
			logger.FromContext(ctx).Info("reason string", "lang", r.Lang, "text", r.Text)
		}
		return nil
	case batch.ContactInfoMessage:
		logger.FromContext(ctx).Info("TNCS contact info", "address", m.Address, "port", m.Port)
		return nil
	case batch.VendorMessage:
		if e.Vendor == nil {
			logger.FromContext(ctx).Warn("no vendor handler for vendor message", "vendor", m.Type.Vendor)
			return nil
		}
		return e.Vendor(ctx, conn.ID, m.Type, m.XMLBody, m.BinaryBody, m.IsXML)
	default:
		return nil
	}
}

func accessState(a AccessState) pluginhost.ConnectionState {
	switch a {
	case AccessAllowed:
		return pluginhost.StateAccessAllowed
	case AccessIsolated:
		return pluginhost.StateAccessIsolated
	default:
		return pluginhost.StateAccessNone
	}
}

// DeleteConnection detaches connID from the registry, notifies DELETE, and
// frees its context, per §5's cancellation contract.
func (e *Engine) DeleteConnection(ctx context.Context, connID int) {
	e.Host.NotifyAll(ctx, connID, pluginhost.StateDelete)
	e.conns.Delete(connID)
}

// Connection returns the connection context for connID, or nil.
func (e *Engine) Connection(connID int) *Connection {
	return e.conns.Get(connID)
}
