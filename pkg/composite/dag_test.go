package composite

import (
	"context"
	"testing"
)

func leafFuncFrom(outcomes map[string]LeafResult, evaluated *[]string) LeafFunc {
	return func(_ context.Context, id string) LeafResult {
		if evaluated != nil {
			*evaluated = append(*evaluated, id)
		}
		if r, ok := outcomes[id]; ok {
			return r
		}
		return LeafResult{GuardrailID: id, Outcome: OutcomeAllow}
	}
}

func TestEvaluateOperators(t *testing.T) {
	tests := []struct {
		name     string
		root     *Node
		outcomes map[string]LeafResult
		want     Outcome
		score    float64
	}{
		{
			name: "AND all allow",
			root: &Node{Op: OpAnd, Children: []*Node{
				{GuardrailID: "a"}, {GuardrailID: "b"},
			}},
			outcomes: map[string]LeafResult{
				"a": {Outcome: OutcomeAllow, Score: 0.2},
				"b": {Outcome: OutcomeAllow, Score: 0.4},
			},
			want:  OutcomeAllow,
			score: 0.4,
		},
		{
			name: "AND one block",
			root: &Node{Op: OpAnd, Children: []*Node{
				{GuardrailID: "a"}, {GuardrailID: "b"},
			}},
			outcomes: map[string]LeafResult{
				"a": {Outcome: OutcomeBlock, Score: 0.9},
				"b": {Outcome: OutcomeAllow, Score: 0.1},
			},
			want:  OutcomeBlock,
			score: 0.9,
		},
		{
			name: "OR all block",
			root: &Node{Op: OpOr, Children: []*Node{
				{GuardrailID: "a"}, {GuardrailID: "b"},
			}},
			outcomes: map[string]LeafResult{
				"a": {Outcome: OutcomeBlock, Score: 0.8},
				"b": {Outcome: OutcomeBlock, Score: 0.6},
			},
			want:  OutcomeBlock,
			score: 0.6,
		},
		{
			name: "OR one allow",
			root: &Node{Op: OpOr, Children: []*Node{
				{GuardrailID: "a"}, {GuardrailID: "b"},
			}},
			outcomes: map[string]LeafResult{
				"a": {Outcome: OutcomeAllow, Score: 0.3},
				"b": {Outcome: OutcomeBlock, Score: 0.9},
			},
			want:  OutcomeAllow,
			score: 0.3,
		},
		{
			name: "NOT flips block to allow",
			root: &Node{Op: OpNot, Children: []*Node{{GuardrailID: "a"}}},
			outcomes: map[string]LeafResult{
				"a": {Outcome: OutcomeBlock, Score: 0.9},
			},
			want:  OutcomeAllow,
			score: 0.1,
		},
		{
			name: "NOT flips allow to block",
			root: &Node{Op: OpNot, Children: []*Node{{GuardrailID: "a"}}},
			outcomes: map[string]LeafResult{
				"a": {Outcome: OutcomeAllow, Score: 0.2},
			},
			want:  OutcomeBlock,
			score: 0.8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(context.Background(), tt.root, leafFuncFrom(tt.outcomes, nil))
			if got.Outcome != tt.want {
				t.Errorf("Expected outcome %s, got %s", tt.want, got.Outcome)
			}
			if got.Score < tt.score-1e-9 || got.Score > tt.score+1e-9 {
				t.Errorf("Expected score %.3f, got %.3f", tt.score, got.Score)
			}
		})
	}
}

func TestEvaluateShortCircuit(t *testing.T) {
	root := &Node{Op: OpAnd, Children: []*Node{
		{GuardrailID: "first"}, {GuardrailID: "second"}, {GuardrailID: "third"},
	}}
	outcomes := map[string]LeafResult{
		"first": {Outcome: OutcomeBlock, Score: 1.0},
	}

	var evaluated []string
	got := Evaluate(context.Background(), root, leafFuncFrom(outcomes, &evaluated))

	if got.Outcome != OutcomeBlock {
		t.Fatalf("Expected block, got %s", got.Outcome)
	}
	if len(evaluated) != 1 || evaluated[0] != "first" {
		t.Errorf("Expected only 'first' evaluated, got %v", evaluated)
	}

	shortCircuited := 0
	for _, leaf := range got.Leaves {
		if leaf.ShortCircuited {
			shortCircuited++
			if leaf.Outcome != OutcomeSkip {
				t.Errorf("Short-circuited leaf %s should report skip, got %s", leaf.GuardrailID, leaf.Outcome)
			}
		}
	}
	if shortCircuited != 2 {
		t.Errorf("Expected 2 short-circuited leaves, got %d", shortCircuited)
	}
}

func TestEvaluateSkipIdentity(t *testing.T) {
	tests := []struct {
		name     string
		root     *Node
		outcomes map[string]LeafResult
		want     Outcome
	}{
		{
			name: "AND ignores skipped child",
			root: &Node{Op: OpAnd, Children: []*Node{
				{GuardrailID: "skipped"}, {GuardrailID: "blocks"},
			}},
			outcomes: map[string]LeafResult{
				"skipped": {Outcome: OutcomeSkip},
				"blocks":  {Outcome: OutcomeBlock, Score: 0.9},
			},
			want: OutcomeBlock,
		},
		{
			name: "OR ignores skipped child",
			root: &Node{Op: OpOr, Children: []*Node{
				{GuardrailID: "skipped"}, {GuardrailID: "allows"},
			}},
			outcomes: map[string]LeafResult{
				"skipped": {Outcome: OutcomeSkip},
				"allows":  {Outcome: OutcomeAllow, Score: 0.1},
			},
			want: OutcomeAllow,
		},
		{
			name: "all children skipped skips the node",
			root: &Node{Op: OpAnd, Children: []*Node{
				{GuardrailID: "s1"}, {GuardrailID: "s2"},
			}},
			outcomes: map[string]LeafResult{
				"s1": {Outcome: OutcomeSkip},
				"s2": {Outcome: OutcomeSkip},
			},
			want: OutcomeSkip,
		},
		{
			name: "NOT of skip is skip",
			root: &Node{Op: OpNot, Children: []*Node{{GuardrailID: "s"}}},
			outcomes: map[string]LeafResult{
				"s": {Outcome: OutcomeSkip},
			},
			want: OutcomeSkip,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(context.Background(), tt.root, leafFuncFrom(tt.outcomes, nil))
			if got.Outcome != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got.Outcome)
			}
		})
	}
}

// The terminal decision must not depend on the declared child order, only
// the evaluation cost may.
func TestEvaluateOrderInvariance(t *testing.T) {
	outcomes := map[string]LeafResult{
		"a": {Outcome: OutcomeAllow, Score: 0.1},
		"b": {Outcome: OutcomeBlock, Score: 0.7},
		"c": {Outcome: OutcomeSkip},
	}

	orders := [][]string{
		{"a", "b", "c"}, {"b", "a", "c"}, {"c", "b", "a"},
		{"a", "c", "b"}, {"b", "c", "a"}, {"c", "a", "b"},
	}

	for _, op := range []Operator{OpAnd, OpOr} {
		var want Outcome
		for i, order := range orders {
			children := make([]*Node, len(order))
			for j, id := range order {
				children[j] = &Node{GuardrailID: id}
			}
			got := Evaluate(context.Background(), &Node{Op: op, Children: children}, leafFuncFrom(outcomes, nil))
			if i == 0 {
				want = got.Outcome
				continue
			}
			if got.Outcome != want {
				t.Errorf("%s order %v: expected %s, got %s", op, order, want, got.Outcome)
			}
		}
	}
}

func TestValidate(t *testing.T) {
	deep := &Node{GuardrailID: "leaf"}
	for i := 0; i < MaxDepth; i++ {
		deep = &Node{Op: OpNot, Children: []*Node{deep}}
	}

	tests := []struct {
		name    string
		node    *Node
		wantErr bool
	}{
		{"single leaf", &Node{GuardrailID: "a"}, false},
		{"valid AND", &Node{Op: OpAnd, Children: []*Node{{GuardrailID: "a"}}}, false},
		{"AND without children", &Node{Op: OpAnd}, true},
		{"NOT with two children", &Node{Op: OpNot, Children: []*Node{{GuardrailID: "a"}, {GuardrailID: "b"}}}, true},
		{"unknown operator", &Node{Op: "XOR", Children: []*Node{{GuardrailID: "a"}}}, true},
		{"leaf with children", &Node{GuardrailID: "a", Children: []*Node{{GuardrailID: "b"}}}, true},
		{"exceeds max depth", deep, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.node.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLeafIDs(t *testing.T) {
	root := &Node{Op: OpOr, Children: []*Node{
		{GuardrailID: "a"},
		{Op: OpAnd, Children: []*Node{{GuardrailID: "b"}, {GuardrailID: "c"}}},
	}}
	ids := root.LeafIDs()
	if len(ids) != 3 {
		t.Fatalf("Expected 3 leaf ids, got %v", ids)
	}
}
