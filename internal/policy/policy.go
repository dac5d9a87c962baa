// Package policy implements C11: parsing the posture-policy DSL of §4.6
// into a small typed AST and evaluating it against a per-connection
// posture cache, requesting missing data from the collector side without
// short-circuiting sibling evaluations. Grounded on policy_tree.c/policy.h,
// reworked from a C-style node+vtable into a Go sum-type-by-interface.
//
// The grammar is small and pinned by spec; no parser-generator framework
// in the retrieved pack targets a grammar this size without checked-in
// generated code, so the lexer and recursive-descent parser here are
// hand-written against the standard library — see DESIGN.md.
package policy

import (
	"fmt"
)

// RecommendLevel is the "recommend" statement's target value.
type RecommendLevel string

const (
	RecommendAllow            RecommendLevel = "allow"
	RecommendNoAccess         RecommendLevel = "no-access"
	RecommendIsolate          RecommendLevel = "isolate"
	RecommendNoRecommendation RecommendLevel = "no-recommendation"
)

// Severity is the "log" statement's severity keyword.
type Severity string

const (
	SeverityErr     Severity = "err"
	SeverityWarning Severity = "warning"
	SeverityNotice  Severity = "notice"
	SeverityInfo    Severity = "info"
	SeverityDebug   Severity = "debug"
)

// Operator is a predicate comparison operator.
type Operator string

const (
	OpEquals   Operator = "=="
	OpContains Operator = "contains"
	OpLike     Operator = "like"
	OpGT       Operator = ">"
	OpLT       Operator = "<"
	OpEq       Operator = "eq"
)

// Statement is one program- or if-body-level node.
type Statement interface {
	evaluate(ctx *EvalContext)
}

// Program is a parsed policy file: an ordered sequence of top-level
// statements.
type Program struct {
	Statements []Statement
}

// IfStmt evaluates Cond and, if true, runs Body.
type IfStmt struct {
	Cond Disjunction
	Body []Statement
}

func (s *IfStmt) evaluate(ctx *EvalContext) {
	if s.Cond.evaluate(ctx) {
		for _, stmt := range s.Body {
			stmt.evaluate(ctx)
		}
	}
}

// RecommendStmt writes a recommendation into the evaluation context.
type RecommendStmt struct {
	Level RecommendLevel
}

func (s *RecommendStmt) evaluate(ctx *EvalContext) {
	ctx.Recommended = &s.Level
}

// LogStmt emits a severity-tagged diagnostic.
type LogStmt struct {
	Severity Severity
	Text     string
}

func (s *LogStmt) evaluate(ctx *EvalContext) {
	ctx.Logs = append(ctx.Logs, LogEntry{Severity: s.Severity, Text: s.Text})
}

// UserMessageStmt queues a message for local surfacing to the end user.
type UserMessageStmt struct {
	Text string
}

func (s *UserMessageStmt) evaluate(ctx *EvalContext) {
	ctx.UserMessages = append(ctx.UserMessages, s.Text)
}

// Disjunction is `conjunction ("or" conjunction)?`. Per §9's no-short-circuit
// design note, both operands are always evaluated.
type Disjunction struct {
	Left  Conjunction
	Right *Conjunction
}

func (d Disjunction) evaluate(ctx *EvalContext) bool {
	left := d.Left.evaluate(ctx)
	if d.Right == nil {
		return left
	}
	right := d.Right.evaluate(ctx)
	return left || right
}

// Conjunction is `predicate ("and" predicate)?`, likewise evaluated
// without short-circuiting.
type Conjunction struct {
	Left  Predicate
	Right *Predicate
}

func (c Conjunction) evaluate(ctx *EvalContext) bool {
	left := c.Left.evaluate(ctx)
	if c.Right == nil {
		return left
	}
	right := c.Right.evaluate(ctx)
	return left && right
}

// Predicate compares a Function's resolved value against Literal using Op.
type Predicate struct {
	Func    FunctionCall
	Op      Operator
	Literal string
}

func (p Predicate) evaluate(ctx *EvalContext) bool {
	value, ok := p.Func.evaluate(ctx)
	if !ok {
		return false
	}
	return compare(p.Op, value, p.Literal)
}

// FunctionCall is `system.subsystem.arg`, e.g. `File.x.status`.
type FunctionCall struct {
	System    string
	Subsystem string
	Arg       string
}

// cacheKey is the posture-cache lookup key for this call.
func (f FunctionCall) cacheKey() string {
	return fmt.Sprintf("%s.%s.%s", f.System, f.Subsystem, f.Arg)
}

// evaluate returns the cached posture value for this call. If absent, it
// queues exactly one DataRequest for (System, Subsystem, Arg) and reports
// not-ok, per §4.6/§8 property 9.
func (f FunctionCall) evaluate(ctx *EvalContext) (string, bool) {
	if v, ok := ctx.Cache.Get(f.cacheKey()); ok {
		return v, true
	}
	ctx.requestData(f)
	return "", false
}
