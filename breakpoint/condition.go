// Package breakpoint implements the Breakpoint Engine: software INT3
// lifecycle with the transparent restore/re-arm protocol, hardware
// DR0-DR3/DR7 programming, and conditional breakpoints.
package breakpoint

import (
	"fmt"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/coredbg/coredbg/osdbg"
)

// ConditionOp is a comparison operator for a simple condition.
type ConditionOp int

const (
	OpEqual ConditionOp = iota
	OpNotEqual
	OpLess
	OpGreater
	OpLessEqual
	OpGreaterEqual
)

// ConditionSource is what the left-hand side of a simple condition
// reads from.
type ConditionSource int

const (
	SourceRegister ConditionSource = iota
	SourceMemory
	SourceHitCount
)

// ConditionKind distinguishes a simple comparator condition from a
// scripted Lua predicate.
type ConditionKind int

const (
	KindComparator ConditionKind = iota
	KindScript
)

// Condition gates whether a breakpoint hit is reported to the client.
// A nil *Condition, or one with Kind == KindComparator and a zero
// value, is unconditional.
type Condition struct {
	Kind ConditionKind

	// Comparator fields (Kind == KindComparator).
	Source  ConditionSource
	RegName string
	MemAddr uint64
	Op      ConditionOp
	Value   uint64

	// Script is a Lua boolean expression (Kind == KindScript),
	// evaluated with the thread's general-purpose registers bound as
	// globals by name (e.g. `RAX > 0x10 and RCX == 0`).
	Script string
}

// ParseCondition parses the simple comparator syntax: `r1==$FF`,
// `[$1000]==$42`, `hitcount>10`.
func ParseCondition(text string) (*Condition, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("breakpoint: empty condition")
	}

	var op ConditionOp
	var opStr string
	var opIdx int
	for _, candidate := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		if idx := strings.Index(text, candidate); idx >= 0 {
			opStr, opIdx = candidate, idx
			break
		}
	}
	if opStr == "" {
		return nil, fmt.Errorf("breakpoint: condition %q has no operator (==, !=, <, >, <=, >=)", text)
	}
	switch opStr {
	case "==":
		op = OpEqual
	case "!=":
		op = OpNotEqual
	case "<":
		op = OpLess
	case ">":
		op = OpGreater
	case "<=":
		op = OpLessEqual
	case ">=":
		op = OpGreaterEqual
	}

	lhs := strings.TrimSpace(text[:opIdx])
	rhs := strings.TrimSpace(text[opIdx+len(opStr):])

	value, ok := parseNumber(rhs)
	if !ok {
		return nil, fmt.Errorf("breakpoint: invalid condition value %q", rhs)
	}

	if strings.HasPrefix(lhs, "[") && strings.HasSuffix(lhs, "]") {
		addrStr := lhs[1 : len(lhs)-1]
		addr, ok := parseNumber(addrStr)
		if !ok {
			return nil, fmt.Errorf("breakpoint: invalid condition address %q", addrStr)
		}
		return &Condition{Kind: KindComparator, Source: SourceMemory, MemAddr: addr, Op: op, Value: value}, nil
	}
	if strings.EqualFold(lhs, "hitcount") {
		return &Condition{Kind: KindComparator, Source: SourceHitCount, Op: op, Value: value}, nil
	}
	return &Condition{Kind: KindComparator, Source: SourceRegister, RegName: strings.ToUpper(lhs), Op: op, Value: value}, nil
}

// NewScriptCondition wraps a Lua boolean expression as a condition.
func NewScriptCondition(script string) *Condition {
	return &Condition{Kind: KindScript, Script: script}
}

func parseNumber(s string) (uint64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		return v, err == nil
	}
	if v, err := strconv.ParseUint(s, 16, 64); err == nil {
		return v, true
	}
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err == nil
}

// memReader is the read access a condition needs to evaluate a
// SourceMemory comparator.
type memReader interface {
	Read(addr uint64, size int) ([]byte, error)
}

// Evaluate reports whether cond holds. A nil condition always holds.
// hitCount is the number of times this breakpoint has fired so far,
// including the current hit.
func Evaluate(cond *Condition, ctx *osdbg.Context, mem memReader, hitCount uint64) bool {
	if cond == nil || *cond == (Condition{}) {
		return true
	}
	switch cond.Kind {
	case KindScript:
		return evaluateScript(cond.Script, ctx)
	default:
		return evaluateComparator(cond, ctx, mem, hitCount)
	}
}

func evaluateComparator(cond *Condition, ctx *osdbg.Context, mem memReader, hitCount uint64) bool {
	var actual uint64
	switch cond.Source {
	case SourceRegister:
		v, ok := ctx.GP[cond.RegName]
		if !ok {
			return false
		}
		actual = v
	case SourceMemory:
		data, err := mem.Read(cond.MemAddr, 1)
		if err != nil || len(data) == 0 {
			return false
		}
		actual = uint64(data[0])
	case SourceHitCount:
		actual = hitCount
	}
	return compare(actual, cond.Op, cond.Value)
}

func compare(actual uint64, op ConditionOp, expected uint64) bool {
	switch op {
	case OpEqual:
		return actual == expected
	case OpNotEqual:
		return actual != expected
	case OpLess:
		return actual < expected
	case OpGreater:
		return actual > expected
	case OpLessEqual:
		return actual <= expected
	case OpGreaterEqual:
		return actual >= expected
	default:
		return false
	}
}

// evaluateScript runs cond as a Lua expression with the thread's
// general-purpose registers bound as globals, returning whether it
// evaluated to a Lua-truthy value. A script that fails to compile or
// run is treated as not satisfied, so a typo silently disarms a
// breakpoint rather than panicking the event loop.
func evaluateScript(script string, ctx *osdbg.Context) bool {
	L := lua.NewState()
	defer L.Close()

	for name, v := range ctx.GP {
		L.SetGlobal(name, lua.LNumber(v))
	}
	L.SetGlobal("PC", lua.LNumber(ctx.PC))
	L.SetGlobal("SP", lua.LNumber(ctx.SP))

	if err := L.DoString("__cond_result = (" + script + ")"); err != nil {
		return false
	}
	result := L.GetGlobal("__cond_result")
	return lua.LVAsBool(result)
}

// FormatCondition renders cond for display.
func FormatCondition(cond *Condition) string {
	if cond == nil {
		return ""
	}
	if cond.Kind == KindScript {
		return cond.Script
	}
	var lhs string
	switch cond.Source {
	case SourceRegister:
		lhs = cond.RegName
	case SourceMemory:
		lhs = fmt.Sprintf("[$%X]", cond.MemAddr)
	case SourceHitCount:
		lhs = "hitcount"
	}
	var opStr string
	switch cond.Op {
	case OpEqual:
		opStr = "=="
	case OpNotEqual:
		opStr = "!="
	case OpLess:
		opStr = "<"
	case OpGreater:
		opStr = ">"
	case OpLessEqual:
		opStr = "<="
	case OpGreaterEqual:
		opStr = ">="
	}
	return fmt.Sprintf("%s%s$%X", lhs, opStr, cond.Value)
}
