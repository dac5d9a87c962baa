// Package tncs implements the server-side half of C6's batch engine: the
// TNCS's per-connection handshake state machine, the bind-function
// dispatcher IMVs use to call back into the host (including
// provide_recommendation/get_attribute/set_attribute), aggregator wiring,
// and the end-of-batch heuristics that decide when to force a
// recommendation out of a stalled handshake. Grounded on libtnctncs.c and
// §4.4/§4.5.
package tncs

import (
	"context"

	"github.com/google/uuid"

	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/aggregator"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/attrstore"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/batch"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/connregistry"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/messagetype"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/pluginhost"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/pkg/logger"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/pkg/tncerr"
)

// Connection is one TNCS-side handshake in progress. Per §5, operations on
// a single connection must be externally serialized by the caller.
type Connection struct {
	ID         int
	SessionID  string // random id generated per connection and logged when it is created
	AppData    any
	Outgoing   *batch.Document
	Aggregator *aggregator.Aggregator

	incomingIMCIMV int
	outgoingIMCIMV int
	Final          bool
}

// TransportFunc hands a flushed outgoing batch to the peer.
type TransportFunc func(ctx context.Context, connID int, wire []byte) error

// Engine drives the TNCS side: plugin host, the process-global attribute
// store (§3: "lifetime: process-global by design of IF-IMV"), connection
// registry, and the transport callback.
type Engine struct {
	Host    *pluginhost.Host
	Attrs   *attrstore.Store
	Vendor  pluginhost.VendorHandler
	Policy  aggregator.Policy
	NumIMVs int

	transport TransportFunc
	conns     *connregistry.Registry[Connection]
}

// New builds a TNCS Engine around an IMV-side plugin host. policy and
// numIMVs parameterize every connection's recommendation aggregator.
func New(host *pluginhost.Host, attrs *attrstore.Store, policy aggregator.Policy, numIMVs int, transport TransportFunc) *Engine {
	return &Engine{
		Host:      host,
		Attrs:     attrs,
		Policy:    policy,
		NumIMVs:   numIMVs,
		transport: transport,
		conns:     connregistry.New[Connection](),
	}
}

// BindFunction implements the bind dispatcher a loaded IMV resolves
// against: the shared IMC/IMV names plus the TNCS-only
// provide_recommendation/get_attribute/set_attribute, per §4.2.
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
				conn.outgoingIMCIMV++
				return nil
			}, nil
		case "log_message":
			return func(ctx context.Context, severity, text string) {
				logMessage(ctx, severity, text)
			}, nil
		case "request_handshake_retry":
			return func() error { return nil }, nil
		case "provide_recommendation":
			return func(imvID, connID int, rec aggregator.Recommendation, eval uint32) error {
				conn := e.conns.Get(connID)
				if conn == nil {
					return tncerr.New(tncerr.InvalidParameter, "unknown connection id")
				}
				conn.Aggregator.Provide(imvID, rec, eval)
				return nil
			}, nil
		case "get_attribute":
			return func(id attrstore.AttributeID) ([]byte, error) {
				return e.Attrs.Get(id)
			}, nil
		case "set_attribute":
			return func(id attrstore.AttributeID, value []byte) error {
				return e.Attrs.Set(id, value)
			}, nil
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

// NewConnection registers a fresh TNCS-side connection, notifies every IMV
// of CREATE then HANDSHAKE, and returns its id. The caller drives the
// handshake forward by feeding TNCC batches to ReceiveBatch.
func (e *Engine) NewConnection(ctx context.Context, appData any) int {
	conn := &Connection{AppData: appData, Aggregator: aggregator.New(e.Policy, e.NumIMVs), SessionID: uuid.New().String()}
	connID := e.conns.Insert(conn)
	conn.ID = connID
	logger.FromContext(ctx).Info("connection created", "connection", connID, "session_id", conn.SessionID)
	e.Host.NotifyAll(ctx, connID, pluginhost.StateCreate)
	e.Host.NotifyAll(ctx, connID, pluginhost.StateHandshake)
	return connID
}

// ReceiveBatch parses an incoming TNCC batch, routes its IMC-IMV payloads
// and dispatches its control messages, then applies the end-of-batch
// heuristics of §4.4: a recommendation produced during dispatch finalizes
// the connection; otherwise, if either direction carried no IMC-IMV
// message this turn, laggard IMVs are asked to vote via
// solicit_recommendation_all, and the connection is finalized if that
// completes the vote. When no final recommendation results, the outgoing
// batch is flushed without one and the handshake continues.
func (e *Engine) ReceiveBatch(ctx context.Context, connID int, data []byte) error {
	conn := e.conns.Get(connID)
	if conn == nil {
		return tncerr.New(tncerr.InvalidParameter, "unknown connection id")
	}

	incoming, err := batch.Parse(data, batch.RecipientTNCS)
	if err != nil {
		return err
	}

	conn.Outgoing = batch.New(incoming.BatchID+1, batch.RecipientTNCC)
	conn.incomingIMCIMV = 0
	conn.outgoingIMCIMV = 0

	for _, msg := range incoming.Messages {
		if err := e.dispatch(ctx, conn, msg); err != nil {
			return err
		}
	}

	e.Host.BatchEndingAll(ctx, connID)

	if rec, eval, have := conn.Aggregator.HaveRecommendation(); have {
		return e.finalize(ctx, conn, rec, eval)
	}

	if conn.incomingIMCIMV == 0 || conn.outgoingIMCIMV == 0 {
		e.Host.SolicitRecommendationAll(ctx, connID)
		if rec, eval, have := conn.Aggregator.HaveRecommendation(); have {
			return e.finalize(ctx, conn, rec, eval)
		}
	}

	return e.flush(ctx, conn)
}

func (e *Engine) dispatch(ctx context.Context, conn *Connection, msg batch.Message) error {
	switch m := msg.(type) {
	case batch.IMCIMVMessage:
		conn.incomingIMCIMV++
		return e.Host.Route(ctx, conn.ID, m.Type, m.Payload)
	case batch.ErrorMessage:
		logger.FromContext(ctx).Error("TNCC reported error", "type", m.Type, "text", m.Text)
		return nil
	case batch.PreferredLanguageMessage:
		return e.Attrs.Set(attrstore.PreferredLanguage, []byte(m.Language))
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

// finalize appends a Recommendation control message (plus any
// ReasonStrings/ContactInfo the attribute store carries), flushes, and
// marks the connection FINAL.
func (e *Engine) finalize(ctx context.Context, conn *Connection, rec aggregator.Recommendation, _ uint32) error {
	conn.Outgoing.Add(batch.RecommendationMessage{Type: recommendationWireType(rec)})

	if reason, lang, ok := e.reasonString(); ok {
		conn.Outgoing.Add(batch.ReasonStringsMessage{Reasons: []batch.ReasonString{{Lang: lang, Text: reason}}})
	}
	if addr, port, ok := e.contactInfo(); ok {
		conn.Outgoing.Add(batch.ContactInfoMessage{Address: addr, Port: port})
	}

	if err := e.flush(ctx, conn); err != nil {
		return err
	}
	conn.Final = true
	conn.Outgoing = nil
	return nil
}

func (e *Engine) reasonString() (text, lang string, ok bool) {
	t, err := e.Attrs.Get(attrstore.ReasonString)
	if err != nil {
		return "", "", false
	}
	l, _ := e.Attrs.Get(attrstore.ReasonLanguage)
	return string(t), string(l), true
}

func (e *Engine) contactInfo() (address, port string, ok bool) {
	a, err := e.Attrs.Get(attrstore.ContactAddress)
	if err != nil {
		return "", "", false
	}
	p, _ := e.Attrs.Get(attrstore.ContactPort)
	return string(a), string(p), true
}

func recommendationWireType(rec aggregator.Recommendation) batch.RecommendationType {
	switch rec {
	case aggregator.Allow:
		return batch.RecAllow
	case aggregator.Isolate:
		return batch.RecIsolate
	default:
		return batch.RecNone
	}
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

// DeleteConnection detaches connID from the registry and notifies DELETE.
func (e *Engine) DeleteConnection(ctx context.Context, connID int) {
	e.Host.NotifyAll(ctx, connID, pluginhost.StateDelete)
	e.conns.Delete(connID)
}

// Connection returns the connection context for connID, or nil.
func (e *Engine) Connection(connID int) *Connection {
	return e.conns.Get(connID)
}
