package search

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/rahul/datastory/internal/pipeline"
	"github.com/rahul/datastory/internal/report"
)

// Node is one report snapshot in the search tree.
//
// The snapshot is immutable once the node exists. Structural fields
// (children, n, q, gen, reward) are guarded by mu; expandMu serialises
// rebuilds so that long expansions never block statistics updates.
type Node struct {
	ID string

	state    *report.Report
	action   pipeline.Action
	parent   *Node
	depth    int
	degraded bool

	expandMu sync.Mutex

	mu       sync.Mutex
	children []*Node
	n        int64
	q        float64
	gen      uint64
	reward   *Reward
}

// NewRoot wraps the initial snapshot of a run.
func NewRoot(r *report.Report) *Node {
	return &Node{ID: uuid.NewString(), state: r}
}

func newChild(parent *Node, action pipeline.Action, c pipeline.Candidate) *Node {
	return &Node{
		ID:       uuid.NewString(),
		state:    c.Report,
		action:   action,
		parent:   parent,
		depth:    parent.depth + 1,
		degraded: c.Degraded,
	}
}

// detach copies the node without its tree links. Rollouts expand detached
// copies so the search tree does not grow during simulation.
func (n *Node) detach() *Node {
	return &Node{
		ID:       n.ID,
		state:    n.state,
		action:   n.action,
		depth:    n.depth,
		degraded: n.degraded,
	}
}

func (n *Node) State() *report.Report   { return n.state }
func (n *Node) Parent() *Node           { return n.parent }
func (n *Node) Depth() int              { return n.depth }
func (n *Node) Degraded() bool          { return n.degraded }
func (n *Node) Action() pipeline.Action { return n.action }

// ActionName is the producing action, empty for the root.
func (n *Node) ActionName() string {
	if n.action == nil {
		return ""
	}
	return n.action.Name()
}

// Stats returns the visit count and cumulative reward.
func (n *Node) Stats() (int64, float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.n, n.q
}

// Children returns a copy of the child list.
func (n *Node) Children() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Node(nil), n.children...)
}

// Generation counts completed rebuilds of the child list.
func (n *Node) Generation() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gen
}

func (n *Node) IsTerminal(table *pipeline.Table) bool {
	return table.IsTerminal(n.state.Stage)
}

// ActionResult summarises one action call during an expansion.
type ActionResult struct {
	Action   string
	Kind     pipeline.OutcomeKind
	Children int
	Err      error
}

// Expand rebuilds the child list from every legal action. Existing children
// are replaced, never appended to. Terminal nodes are left untouched.
// Children are stamped with iteration, or with the parent's own stamp when
// that is later, so stamps never decrease along a path.
func (n *Node) Expand(ctx context.Context, table *pipeline.Table, iteration int64) ([]ActionResult, error) {
	return n.expandFrom(ctx, table, iteration, n.Generation())
}

// expandFrom rebuilds only if no other caller finished a rebuild since seen
// was read; a caller that queued behind one observes its result instead.
func (n *Node) expandFrom(ctx context.Context, table *pipeline.Table, iteration int64, seen uint64) ([]ActionResult, error) {
	if n.IsTerminal(table) {
		return nil, nil
	}
	n.expandMu.Lock()
	defer n.expandMu.Unlock()
	if n.Generation() != seen {
		return nil, nil
	}

	if iteration < n.state.Iteration {
		iteration = n.state.Iteration
	}
	actions := table.LegalActions(n.state.Stage)
	var (
		children []*Node
		results  = make([]ActionResult, 0, len(actions))
	)
	for _, a := range actions {
		out := a.Expand(ctx, n.state)
		if out.Kind == pipeline.Fatal {
			return results, out.Err
		}
		kept := 0
		for _, c := range out.Children {
			if c.Report == nil || c.Report.Stage != c.Stage || !table.Allows(n.state.Stage, c.Stage) {
				continue
			}
			c.Report.Iteration = iteration
			children = append(children, newChild(n, a, c))
			kept++
		}
		results = append(results, ActionResult{Action: a.Name(), Kind: out.Kind, Children: kept, Err: out.Err})
	}

	if len(children) == 0 && len(actions) > 0 {
		// Every action declined; carry the snapshot forward so the path
		// still reaches the terminal stage.
		a := actions[0]
		fallback := n.state.Clone()
		fallback.Stage = a.Target()
		fallback.Iteration = iteration
		children = append(children, newChild(n, a, pipeline.Candidate{Stage: a.Target(), Report: fallback, Degraded: true}))
		results = append(results, ActionResult{Action: a.Name(), Kind: pipeline.Degraded, Children: 1, Err: pipeline.ErrNoOutputs})
	}

	n.mu.Lock()
	n.children = children
	n.gen++
	n.mu.Unlock()
	return results, nil
}

func (n *Node) update(reward float64) {
	n.mu.Lock()
	n.n++
	n.q += reward
	n.mu.Unlock()
}

func (n *Node) cachedReward() (Reward, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.reward == nil {
		return Reward{}, false
	}
	return *n.reward, true
}

func (n *Node) cacheReward(r Reward) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.reward == nil {
		n.reward = &r
	}
}

// Path returns the nodes from the root down to n.
func (n *Node) Path() []*Node {
	var path []*Node
	for cur := n; cur != nil; cur = cur.parent {
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Walk visits n and its descendants depth first.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children() {
		c.Walk(fn)
	}
}

// MaxDepth is the depth of the deepest node below n, relative to the root.
func (n *Node) MaxDepth() int {
	d := n.depth
	n.Walk(func(c *Node) {
		if c.depth > d {
			d = c.depth
		}
	})
	return d
}

// Count is the number of nodes in the subtree rooted at n.
func (n *Node) Count() int {
	total := 0
	n.Walk(func(*Node) { total++ })
	return total
}
