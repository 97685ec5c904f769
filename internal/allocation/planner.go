// Package allocation proposes per-agent splits of available stock. Proposals
// are pure computations; callers submit them through the stock service.
package allocation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Strategy names a split rule.
type Strategy string

const (
	StrategyEqual        Strategy = "equal"
	StrategyPattern      Strategy = "pattern"
	StrategyProportional Strategy = "proportional"
)

var (
	// ErrInvalidStrategy indicates an unknown strategy name.
	ErrInvalidStrategy = errors.New("allocation: invalid strategy")
	// ErrNoAgents indicates an empty agent list.
	ErrNoAgents = errors.New("allocation: no agents")
	// ErrEmptyProposal indicates a proposal totalling zero.
	ErrEmptyProposal = errors.New("allocation: proposal total must be positive")
	// ErrExceedsAvailable indicates a proposal larger than the available stock.
	ErrExceedsAvailable = errors.New("allocation: proposal exceeds available stock")
)

// DefaultPattern is the fixed per-position sequence used by StrategyPattern.
var DefaultPattern = []decimal.Decimal{
	decimal.NewFromInt(1000),
	decimal.NewFromInt(2000),
	decimal.NewFromInt(2500),
}

// DefaultPercentages is the vector used by StrategyProportional.
var DefaultPercentages = []decimal.Decimal{
	decimal.NewFromInt(50),
	decimal.NewFromInt(30),
	decimal.NewFromInt(20),
}

var hundred = decimal.NewFromInt(100)

// ParseStrategy normalises s.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StrategyEqual, StrategyPattern, StrategyProportional:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, s)
}

// Agent identifies a receiver of a proposed quantity.
type Agent struct {
	ID   string `json:"agentId"`
	Name string `json:"agentName"`
}

// Line is one proposed agent quantity.
type Line struct {
	AgentID   string          `json:"agentId"`
	AgentName string          `json:"agentName"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// Proposal is the planner output.
type Proposal struct {
	Strategy  Strategy        `json:"strategy"`
	Available decimal.Decimal `json:"available"`
	Lines     []Line          `json:"lines"`
	Total     decimal.Decimal `json:"total"`
}

// Options overrides the preset vectors and rounding.
type Options struct {
	Pattern     []decimal.Decimal
	Percentages []decimal.Decimal
	// Places is the number of decimal places kept when splitting; quantities
	// are rounded down.
	Places int32
}

// Plan splits available across agents using strategy.
func Plan(strategy Strategy, available decimal.Decimal, agents []Agent, opts Options) (Proposal, error) {
	if len(agents) == 0 {
		return Proposal{}, ErrNoAgents
	}
	if available.IsNegative() {
		available = decimal.Zero
	}
	pattern := opts.Pattern
	if len(pattern) == 0 {
		pattern = DefaultPattern
	}
	percentages := opts.Percentages
	if len(percentages) == 0 {
		percentages = DefaultPercentages
	}

	qty := make([]decimal.Decimal, len(agents))
	switch strategy {
	case StrategyEqual:
		share := split(available, len(agents), opts.Places)
		for i := range qty {
			qty[i] = share
		}
	case StrategyPattern:
		assigned := decimal.Zero
		n := min(len(pattern), len(agents))
		for i := 0; i < n; i++ {
			qty[i] = pattern[i]
			assigned = assigned.Add(pattern[i])
		}
		if rest := len(agents) - n; rest > 0 {
			remainder := available.Sub(assigned)
			if remainder.IsNegative() {
				remainder = decimal.Zero
			}
			share := split(remainder, rest, opts.Places)
			for i := n; i < len(agents); i++ {
				qty[i] = share
			}
		}
	case StrategyProportional:
		for i := range qty {
			if i >= len(percentages) {
				qty[i] = decimal.Zero
				continue
			}
			qty[i] = available.Mul(percentages[i]).Div(hundred).RoundFloor(opts.Places)
		}
	default:
		return Proposal{}, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}

	p := Proposal{Strategy: strategy, Available: available, Lines: make([]Line, len(agents)), Total: decimal.Zero}
	for i, a := range agents {
		p.Lines[i] = Line{AgentID: a.ID, AgentName: a.Name, Quantity: qty[i]}
		p.Total = p.Total.Add(qty[i])
	}
	return p, nil
}

// Validate checks a proposal is positive and fits within available.
func Validate(lines []Line, available decimal.Decimal) error {
	total := decimal.Zero
	for _, l := range lines {
		if l.Quantity.IsNegative() {
			return fmt.Errorf("allocation: negative quantity for agent %s", l.AgentID)
		}
		total = total.Add(l.Quantity)
	}
	if !total.IsPositive() {
		return ErrEmptyProposal
	}
	if total.GreaterThan(available) {
		return fmt.Errorf("%w: %s > %s", ErrExceedsAvailable, total, available)
	}
	return nil
}

func split(total decimal.Decimal, n int, places int32) decimal.Decimal {
	if n <= 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(int64(n))).RoundFloor(places)
}
