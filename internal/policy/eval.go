package policy

import (
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/messagetype"
)

// Posture-collector system names recognized by the system-to-message-type
// table of §4.6. Each maps to a distinct TCG-vendor message subtype used
// to request missing posture data from the client side.
const (
	SystemRegistry   = "Registry"
	SystemPackage    = "Package"
	SystemFile       = "File"
	SystemExtcommand = "Extcommand"
)

// requestSubtypes is the system-to-message-type table named in §4.6.
var requestSubtypes = map[string]uint32{
	SystemRegistry:   10,
	SystemPackage:    11,
	SystemFile:       12,
	SystemExtcommand: 13,
}

// RequestMessageType returns the IMC-IMV message type used to ask the
// collector side for data from the given system, and true if system is
// recognized.
func RequestMessageType(system string) (messagetype.Type, bool) {
	subtype, ok := requestSubtypes[system]
	if !ok {
		return messagetype.Type{}, false
	}
	return messagetype.Type{Vendor: messagetype.TCGVendorID, Subtype: subtype}, true
}

// DataRequest is one outstanding "please collect this" request produced by
// evaluating a FunctionCall whose value is not yet in the posture cache.
type DataRequest struct {
	System    string
	Subsystem string
	Arg       string
}

// MessageType resolves the wire message type this request should be
// carried as; ok is false for an unrecognized system name.
func (r DataRequest) MessageType() (messagetype.Type, bool) {
	return RequestMessageType(r.System)
}

// Payload is the request body sent to the collector: subsystem and arg
// joined so the collector can identify both the target entity (e.g. a
// file path) and which field of it is being asked for.
func (r DataRequest) Payload() []byte {
	return []byte(r.Subsystem + "|" + r.Arg)
}

// LogEntry is one queued "log" statement.
type LogEntry struct {
	Severity Severity
	Text     string
}

// EvalContext carries one evaluation pass's posture cache, accumulated
// data requests, and statement side effects. A fresh Requests/Logs/
// UserMessages slice is expected per pass; Cache persists across passes
// for a connection (new posture data survives from earlier batches).
type EvalContext struct {
	Cache *lru.Cache[string, string]

	Requests     []DataRequest
	Recommended  *RecommendLevel
	Logs         []LogEntry
	UserMessages []string

	requested map[string]bool
}

// DefaultCacheSize bounds the per-connection posture cache; policy files
// address a small, fixed set of system/subsystem/arg triples in practice.
const DefaultCacheSize = 256

// NewEvalContext builds an EvalContext backed by a fresh posture cache.
func NewEvalContext() (*EvalContext, error) {
	cache, err := lru.New[string, string](DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &EvalContext{Cache: cache, requested: make(map[string]bool)}, nil
}

// requestData records a pending DataRequest for f, deduplicated within a
// single evaluation pass (re-evaluating the same absent function from two
// predicates should not emit two copies of the same request).
func (ctx *EvalContext) requestData(f FunctionCall) {
	key := f.cacheKey()
	if ctx.requested[key] {
		return
	}
	ctx.requested[key] = true
	ctx.Requests = append(ctx.Requests, DataRequest{System: f.System, Subsystem: f.Subsystem, Arg: f.Arg})
}

// Reset clears the per-pass accumulators (Requests, Recommended, Logs,
// UserMessages) before re-evaluating the same Program against possibly
// newly-arrived posture data, per §4.6's "idempotent under re-evaluation"
// state machine.
func (ctx *EvalContext) Reset() {
	ctx.Requests = nil
	ctx.Recommended = nil
	ctx.Logs = nil
	ctx.UserMessages = nil
	ctx.requested = make(map[string]bool)
}

// Observe feeds a collector's response for (system, subsystem, arg) into
// the posture cache, making it available to the next evaluation pass.
func (ctx *EvalContext) Observe(system, subsystem, arg, value string) {
	key := system + "." + subsystem + "." + arg
	ctx.Cache.Add(key, value)
}

// Evaluate runs every top-level statement of p against ctx in order.
func Evaluate(p *Program, ctx *EvalContext) {
	for _, stmt := range p.Statements {
		stmt.evaluate(ctx)
	}
}

func compare(op Operator, value, literal string) bool {
	switch op {
	case OpEq:
		return value == literal
	case OpContains:
		return strings.Contains(value, literal)
	case OpLike:
		return likeMatch(value, literal)
	case OpEquals, OpGT, OpLT:
		v, err1 := strconv.Atoi(value)
		l, err2 := strconv.Atoi(literal)
		if err1 != nil || err2 != nil {
			return false
		}
		switch op {
		case OpEquals:
			return v == l
		case OpGT:
			return v > l
		case OpLT:
			return v < l
		}
	}
	return false
}

// likeMatch implements the "like" operator's reserved glob semantics: '*'
// matches any run of characters, every other rune matches literally. The
// source leaves "like" underspecified beyond reserving the keyword; this
// is the simplest interpretation consistent with its name.
func likeMatch(value, pattern string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return value == pattern
	}
	rest := value
	for i, part := range parts {
		if part == "" {
			continue
		}
		idx := strings.Index(rest, part)
		if idx == -1 {
			return false
		}
		if i == 0 && idx != 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	if last := parts[len(parts)-1]; last != "" {
		return strings.HasSuffix(value, last)
	}
	return true
}
