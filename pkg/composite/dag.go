package composite

import (
	"context"
	"fmt"
)

// MaxDepth bounds composite trees. Deeper trees are rejected at
// registration time, never at evaluation time.
const MaxDepth = 8

// Operator is a logical combinator over guardrail outcomes.
type Operator string

const (
	OpAnd Operator = "AND"
	OpOr  Operator = "OR"
	OpNot Operator = "NOT"
)

// Outcome is the decision of a node or leaf.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeBlock Outcome = "block"
	// OutcomeSkip marks a leaf that could not participate (for example an
	// uncalibrated kernel guardrail). Ancestors treat skip as the identity
	// of their operator.
	OutcomeSkip Outcome = "skip"
)

// Node is one element of an AND/OR/NOT tree. A node is either a leaf
// referencing a guardrail id, or an inner node with an operator and
// children. NOT has exactly one child.
type Node struct {
	Op          Operator `json:"op,omitempty"`
	GuardrailID string   `json:"guardrail_id,omitempty"`
	Children    []*Node  `json:"children,omitempty"`
}

// IsLeaf reports whether the node references a guardrail directly.
func (n *Node) IsLeaf() bool {
	return n.GuardrailID != ""
}

// Depth returns the height of the tree rooted at n.
func (n *Node) Depth() int {
	if n == nil {
		return 0
	}
	if n.IsLeaf() {
		return 1
	}
	max := 0
	for _, c := range n.Children {
		if d := c.Depth(); d > max {
			max = d
		}
	}
	return max + 1
}

// Validate checks the structural invariants: known operators, NOT arity,
// non-empty children, and the depth bound.
func (n *Node) Validate() error {
	if n == nil {
		return fmt.Errorf("composite node is nil")
	}
	if n.Depth() > MaxDepth {
		return fmt.Errorf("composite tree exceeds max depth %d", MaxDepth)
	}
	return n.validateNode()
}

func (n *Node) validateNode() error {
	if n.IsLeaf() {
		if n.Op != "" || len(n.Children) > 0 {
			return fmt.Errorf("leaf %q must not carry an operator or children", n.GuardrailID)
		}
		return nil
	}
	switch n.Op {
	case OpAnd, OpOr:
		if len(n.Children) == 0 {
			return fmt.Errorf("%s node has no children", n.Op)
		}
	case OpNot:
		if len(n.Children) != 1 {
			return fmt.Errorf("NOT node must have exactly one child, got %d", len(n.Children))
		}
	default:
		return fmt.Errorf("unknown operator %q", n.Op)
	}
	for _, c := range n.Children {
		if err := c.validateNode(); err != nil {
			return err
		}
	}
	return nil
}

// LeafIDs returns every guardrail id referenced by the tree.
func (n *Node) LeafIDs() []string {
	if n == nil {
		return nil
	}
	if n.IsLeaf() {
		return []string{n.GuardrailID}
	}
	var ids []string
	for _, c := range n.Children {
		ids = append(ids, c.LeafIDs()...)
	}
	return ids
}

// LeafResult is what the caller's evaluator produces for one guardrail.
type LeafResult struct {
	GuardrailID string
	Outcome     Outcome
	Score       float64
}

// LeafFunc evaluates a single guardrail leaf.
type LeafFunc func(ctx context.Context, guardrailID string) LeafResult

// LeafReport records how one leaf participated in an evaluation.
// Short-circuited leaves were never evaluated.
type LeafReport struct {
	GuardrailID    string  `json:"guardrail_id"`
	Outcome        Outcome `json:"outcome"`
	Score          float64 `json:"score"`
	ShortCircuited bool    `json:"short_circuited,omitempty"`
}

// Result is the aggregated decision and score of a tree.
type Result struct {
	Outcome Outcome
	Score   float64
	Leaves  []LeafReport
}

// Evaluate walks the tree pre-order with short-circuiting: AND stops on the
// first block, OR on the first allow, NOT flips its single child. Children
// are evaluated sequentially in declared order. Skipped leaves act as the
// identity of their operator; a node whose children all skipped returns
// skip itself. Aggregated scores: AND=max, OR=min, NOT=1-child.
func Evaluate(ctx context.Context, root *Node, leaf LeafFunc) Result {
	r := &Result{}
	outcome, score := evalNode(ctx, root, leaf, r)
	r.Outcome = outcome
	r.Score = score
	return *r
}

func evalNode(ctx context.Context, n *Node, leaf LeafFunc, r *Result) (Outcome, float64) {
	if n.IsLeaf() {
		lr := leaf(ctx, n.GuardrailID)
		r.Leaves = append(r.Leaves, LeafReport{
			GuardrailID: n.GuardrailID,
			Outcome:     lr.Outcome,
			Score:       lr.Score,
		})
		return lr.Outcome, lr.Score
	}

	switch n.Op {
	case OpNot:
		outcome, score := evalNode(ctx, n.Children[0], leaf, r)
		if outcome == OutcomeSkip {
			return OutcomeSkip, 0
		}
		if outcome == OutcomeBlock {
			return OutcomeAllow, 1 - score
		}
		return OutcomeBlock, 1 - score

	case OpAnd:
		decided := false
		maxScore := 0.0
		for i, c := range n.Children {
			outcome, score := evalNode(ctx, c, leaf, r)
			if outcome == OutcomeSkip {
				continue
			}
			decided = true
			if score > maxScore {
				maxScore = score
			}
			if outcome == OutcomeBlock {
				markSkipped(ctx, n.Children[i+1:], r)
				return OutcomeBlock, maxScore
			}
		}
		if !decided {
			return OutcomeSkip, 0
		}
		return OutcomeAllow, maxScore

	case OpOr:
		decided := false
		first := true
		minScore := 0.0
		for i, c := range n.Children {
			outcome, score := evalNode(ctx, c, leaf, r)
			if outcome == OutcomeSkip {
				continue
			}
			decided = true
			if first || score < minScore {
				minScore = score
				first = false
			}
			if outcome == OutcomeAllow {
				markSkipped(ctx, n.Children[i+1:], r)
				return OutcomeAllow, minScore
			}
		}
		if !decided {
			return OutcomeSkip, 0
		}
		return OutcomeBlock, minScore
	}

	// Validate rejects unknown operators before evaluation is reachable.
	return OutcomeSkip, 0
}

// markSkipped records leaves that short-circuiting left unevaluated.
func markSkipped(ctx context.Context, nodes []*Node, r *Result) {
	for _, n := range nodes {
		for _, id := range n.LeafIDs() {
			r.Leaves = append(r.Leaves, LeafReport{
				GuardrailID:    id,
				Outcome:        OutcomeSkip,
				ShortCircuited: true,
			})
		}
	}
}
