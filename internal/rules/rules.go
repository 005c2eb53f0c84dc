// Package rules implements the boolean rule trees that drive strategy
// entries and exits. Leaves compare indicator values, prices, and
// constants; internal nodes are AND/OR/NOT. Evaluation short-circuits,
// and any referenced indicator without enough history makes the whole
// expression false so a data gap can never fire a trade.
package rules

import (
	"encoding/json"
	"fmt"

	"github.com/atlas-desktop/executor-agent/internal/errs"
	"github.com/atlas-desktop/executor-agent/internal/market"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// Operand is one side of a comparison: exactly one of Indicator, Price,
// or Value is set.
type Operand struct {
	Indicator string             `json:"indicator,omitempty"`
	Params    map[string]float64 `json:"params,omitempty"`
	Price     string             `json:"price,omitempty"` // "bid", "ask", "mid"
	Value     *float64           `json:"value,omitempty"`
}

// Node is a rule-tree node: either an internal node (Op + Children) or a
// comparison leaf (Cmp + Left/Right).
type Node struct {
	Op       string   `json:"op,omitempty"` // "AND", "OR", "NOT"
	Children []*Node  `json:"children,omitempty"`
	Cmp      string   `json:"cmp,omitempty"` // "<", "<=", ">", ">=", "=="
	Left     *Operand `json:"left,omitempty"`
	Right    *Operand `json:"right,omitempty"`
}

// Source supplies indicator values and current prices during evaluation.
// The market store satisfies it.
type Source interface {
	Value(symbol string, tf types.Timeframe, name string, params map[string]float64) (float64, bool)
	LastTick(symbol string) (types.Tick, bool)
}

// Parse decodes and validates a rule tree. A nil or empty payload yields a
// nil tree, which never fires.
func Parse(raw json.RawMessage) (*Node, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var node Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, errs.Wrap(errs.KindMalformed, "rule tree", err)
	}
	if err := validate(&node); err != nil {
		return nil, err
	}
	return &node, nil
}

func validate(n *Node) error {
	switch n.Op {
	case "AND", "OR":
		if len(n.Children) == 0 {
			return errs.Newf(errs.KindMalformed, "%s node without children", n.Op)
		}
		for _, child := range n.Children {
			if err := validate(child); err != nil {
				return err
			}
		}
		return nil
	case "NOT":
		if len(n.Children) != 1 {
			return errs.New(errs.KindMalformed, "NOT node needs exactly one child")
		}
		return validate(n.Children[0])
	case "":
		// Comparison leaf.
	default:
		return errs.Newf(errs.KindMalformed, "unknown rule op %q", n.Op)
	}

	switch n.Cmp {
	case "<", "<=", ">", ">=", "==":
	default:
		return errs.Newf(errs.KindMalformed, "unknown comparison %q", n.Cmp)
	}
	for _, operand := range []*Operand{n.Left, n.Right} {
		if operand == nil {
			return errs.New(errs.KindMalformed, "comparison missing operand")
		}
		if err := validateOperand(operand); err != nil {
			return err
		}
	}
	return nil
}

func validateOperand(op *Operand) error {
	set := 0
	if op.Indicator != "" {
		set++
		if !market.KnownIndicator(op.Indicator) {
			return errs.Newf(errs.KindMalformed, "unknown indicator %q", op.Indicator)
		}
	}
	if op.Price != "" {
		set++
		switch op.Price {
		case "bid", "ask", "mid":
		default:
			return errs.Newf(errs.KindMalformed, "unknown price ref %q", op.Price)
		}
	}
	if op.Value != nil {
		set++
	}
	if set != 1 {
		return errs.New(errs.KindMalformed, "operand must set exactly one of indicator, price, value")
	}
	return nil
}

// Evaluate runs the tree for one symbol. It returns false when the tree is
// nil, when the expression is false, or when any referenced indicator or
// price is unavailable.
func Evaluate(n *Node, src Source, symbol string, tf types.Timeframe) bool {
	if n == nil {
		return false
	}
	value, ok := eval(n, src, symbol, tf)
	return ok && value
}

// eval returns (value, ok). ok=false means an operand was unavailable; per
// the data-gap rule that poisons the whole expression.
func eval(n *Node, src Source, symbol string, tf types.Timeframe) (bool, bool) {
	switch n.Op {
	case "AND":
		for _, child := range n.Children {
			v, ok := eval(child, src, symbol, tf)
			if !ok {
				return false, false
			}
			if !v {
				return false, true
			}
		}
		return true, true
	case "OR":
		for _, child := range n.Children {
			v, ok := eval(child, src, symbol, tf)
			if !ok {
				return false, false
			}
			if v {
				return true, true
			}
		}
		return false, true
	case "NOT":
		v, ok := eval(n.Children[0], src, symbol, tf)
		if !ok {
			return false, false
		}
		return !v, true
	}

	left, ok := resolve(n.Left, src, symbol, tf)
	if !ok {
		return false, false
	}
	right, ok := resolve(n.Right, src, symbol, tf)
	if !ok {
		return false, false
	}
	return compare(n.Cmp, left, right), true
}

func resolve(op *Operand, src Source, symbol string, tf types.Timeframe) (float64, bool) {
	switch {
	case op.Indicator != "":
		return src.Value(symbol, tf, op.Indicator, op.Params)
	case op.Price != "":
		tick, ok := src.LastTick(symbol)
		if !ok {
			return 0, false
		}
		switch op.Price {
		case "bid":
			v, _ := tick.Bid.Float64()
			return v, true
		case "ask":
			v, _ := tick.Ask.Float64()
			return v, true
		default:
			v, _ := tick.Mid().Float64()
			return v, true
		}
	case op.Value != nil:
		return *op.Value, true
	}
	return 0, false
}

func compare(cmp string, left, right float64) bool {
	switch cmp {
	case "<":
		return left < right
	case "<=":
		return left <= right
	case ">":
		return left > right
	case ">=":
		return left >= right
	case "==":
		return left == right
	}
	return false
}

// MaxLookback walks the tree and returns the largest bar history any
// indicator reference needs, used to size the market store's windows.
func MaxLookback(n *Node) int {
	if n == nil {
		return 0
	}
	max := 0
	if n.Op != "" {
		for _, child := range n.Children {
			if v := MaxLookback(child); v > max {
				max = v
			}
		}
		return max
	}
	for _, operand := range []*Operand{n.Left, n.Right} {
		if operand == nil || operand.Indicator == "" {
			continue
		}
		// Sum of the parameters over-approximates compound lookbacks
		// (MACD slow+signal, Stoch fastK+slowK+slowD).
		total := 0
		for _, v := range operand.Params {
			total += int(v)
		}
		if total == 0 {
			total = 34 // widest default among the registered indicators
		}
		// One extra bar covers first-difference indicators (RSI, ATR).
		total++
		if total > max {
			max = total
		}
	}
	return max
}

func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Sprintf("rule(%v)", err)
	}
	return string(data)
}
