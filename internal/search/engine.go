package search

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rahul/datastory/internal/observability"
	"github.com/rahul/datastory/internal/pipeline"
	"github.com/rahul/datastory/internal/report"
)

// Config controls one search run. Zero limits and weights fall back to
// DefaultConfig, so a pure-exploitation search (ExplorationConstant 0) or a
// zero fallback reward cannot be asked for.
type Config struct {
	MaxIterations int
	// TimeLimit bounds the wall-clock time of Solve. Zero means no limit.
	TimeLimit time.Duration
	// ExplorationConstant weighs the UCB1 exploration term. Zero means 1.414.
	ExplorationConstant float64
	// MaxDepth bounds rollouts, measured from the root.
	MaxDepth int
	// DefaultReward scores rollouts that never reach the reward model.
	// Zero means 5, the middle of the scale.
	DefaultReward float64
	// Workers is the number of concurrent rollouts.
	Workers int
	// Seed fixes the tie-breaking RNG. Zero seeds from the clock.
	Seed  uint64
	RunID string
}

func DefaultConfig() Config {
	return Config{
		MaxIterations:       20,
		ExplorationConstant: 1.414,
		MaxDepth:            len(report.Stages),
		DefaultReward:       5.0,
		Workers:             1,
	}
}

// Engine runs Monte-Carlo tree search over report snapshots.
type Engine struct {
	table  *pipeline.Table
	reward RewardModel
	cfg    Config

	sink   AuditSink
	logger *observability.Logger
	tracer *observability.Tracer

	rngMu sync.Mutex
	rng   *rand.Rand

	bestMu     sync.Mutex
	best       *report.Report
	bestReward Reward
}

type Option func(*Engine)

func WithAuditSink(s AuditSink) Option {
	return func(e *Engine) { e.sink = s }
}

func WithLogger(l *observability.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithTracer(t *observability.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

func NewEngine(table *pipeline.Table, reward RewardModel, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.ExplorationConstant == 0 {
		cfg.ExplorationConstant = def.ExplorationConstant
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.DefaultReward == 0 {
		cfg.DefaultReward = def.DefaultReward
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	e := &Engine{
		table:  table,
		reward: reward,
		cfg:    cfg,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		tracer: observability.NewTracer(false),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// UCB1 is the upper confidence bound of a child with n visits and cumulative
// reward q under a parent with parentN visits.
func UCB1(q float64, n, parentN int64, c float64) float64 {
	if n == 0 {
		return math.Inf(1)
	}
	if parentN < 1 {
		parentN = 1
	}
	return q/float64(n) + c*math.Sqrt(math.Log(float64(parentN))/float64(n))
}

// Select descends from root to the first node without children. Unvisited
// children are taken first; otherwise the highest UCB1 wins, ties going to
// the earlier child.
func (e *Engine) Select(root *Node) *Node {
	cur := root
	for {
		children := cur.Children()
		if len(children) == 0 {
			return cur
		}
		cur = e.pick(cur, children)
	}
}

func (e *Engine) pick(parent *Node, children []*Node) *Node {
	parentN, _ := parent.Stats()
	best := children[0]
	bestScore := math.Inf(-1)
	for _, c := range children {
		n, q := c.Stats()
		if n == 0 {
			return c
		}
		if s := UCB1(q, n, parentN, e.cfg.ExplorationConstant); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

// ExpandLeaf expands a leaf returned by Select. A leaf that gained children
// since it was selected is left as is.
func (e *Engine) ExpandLeaf(ctx context.Context, leaf *Node, iteration int64) ([]ActionResult, error) {
	seen := leaf.Generation()
	if len(leaf.Children()) > 0 {
		return nil, nil
	}
	return leaf.expandFrom(ctx, e.table, iteration, seen)
}

// Rollout is the result of one simulation.
type Rollout struct {
	Final    *report.Report
	Reward   Reward
	Terminal bool
	// DefaultReward is set when the reward model was not consulted.
	DefaultReward bool
	Degraded      bool
	Depth         int
}

// Simulate plays random actions from a copy of start until a terminal
// snapshot or the depth limit. Only terminal snapshots are scored by the
// reward model; depth-limited rollouts get the default reward.
func (e *Engine) Simulate(ctx context.Context, start *Node) (Rollout, error) {
	if start.IsTerminal(e.table) {
		r, err := e.scoreTerminal(ctx, start)
		if err != nil {
			return Rollout{}, err
		}
		return Rollout{Final: start.state, Reward: r, Terminal: true, Degraded: start.degraded, Depth: start.depth}, nil
	}

	cur := start.detach()
	degraded := cur.degraded
	for !cur.IsTerminal(e.table) && cur.depth < e.cfg.MaxDepth {
		if err := ctx.Err(); err != nil {
			return Rollout{}, err
		}
		results, err := cur.Expand(ctx, e.table, 0)
		if err != nil {
			return Rollout{}, err
		}
		e.recordExpansions(cur, results)
		children := cur.Children()
		if len(children) == 0 {
			break
		}
		cur = e.choose(children)
		degraded = degraded || cur.degraded
	}

	ro := Rollout{Final: cur.state, Degraded: degraded, Depth: cur.depth}
	if !cur.IsTerminal(e.table) {
		ro.Reward = Reward{Total: e.cfg.DefaultReward, Degraded: true}
		ro.DefaultReward = true
		return ro, nil
	}
	observability.SetStatus(observability.PhaseEvaluate, string(cur.state.Stage))
	ro.Reward = e.reward.Evaluate(ctx, cur.state)
	if err := ctx.Err(); err != nil {
		return Rollout{}, err
	}
	ro.Terminal = true
	return ro, nil
}

// scoreTerminal evaluates a terminal tree node once and reuses the score.
func (e *Engine) scoreTerminal(ctx context.Context, n *Node) (Reward, error) {
	if r, ok := n.cachedReward(); ok {
		return r, nil
	}
	observability.SetStatus(observability.PhaseEvaluate, string(n.state.Stage))
	r := e.reward.Evaluate(ctx, n.state)
	if err := ctx.Err(); err != nil {
		return Reward{}, err
	}
	n.cacheReward(r)
	return r, nil
}

func (e *Engine) choose(children []*Node) *Node {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return children[e.rng.IntN(len(children))]
}

// Backpropagate adds one visit and reward to node and every ancestor.
func (e *Engine) Backpropagate(node *Node, reward float64) {
	for cur := node; cur != nil; cur = cur.parent {
		cur.update(reward)
	}
}

// Result is the outcome of Solve.
type Result struct {
	Root *Node
	// Best is the best-scoring terminal snapshot, or the root snapshot when
	// no rollout reached the terminal stage.
	Best       *report.Report
	BestReward Reward
	Reached    bool
	// Iterations counts completed iterations; cancelled ones are excluded.
	Iterations int64
	Elapsed    time.Duration
}

// Solve runs iterations until MaxIterations, TimeLimit or cancellation of
// ctx. It returns ctx's error only when the caller cancelled.
func (e *Engine) Solve(ctx context.Context, root *Node) (Result, error) {
	started := time.Now()
	runCtx := ctx
	if e.cfg.TimeLimit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.TimeLimit)
		defer cancel()
	}
	runCtx, span := e.tracer.Start(runCtx, "mcts.run",
		attribute.String("mcts.run_id", e.cfg.RunID),
		attribute.Int("mcts.max_iterations", e.cfg.MaxIterations),
		attribute.Int("mcts.workers", e.cfg.Workers),
	)
	e.logger.LogRun(e.cfg.RunID, "start", map[string]any{
		"max_iterations": e.cfg.MaxIterations,
		"workers":        e.cfg.Workers,
		"time_limit":     e.cfg.TimeLimit.String(),
	})

	// Zero iterations with a time limit runs until the deadline.
	limit := int64(e.cfg.MaxIterations)
	if limit <= 0 && e.cfg.TimeLimit <= 0 {
		limit = int64(DefaultConfig().MaxIterations)
	}

	var claimed, completed atomic.Int64
	var wg sync.WaitGroup
	for range e.cfg.Workers {
		wg.Go(func() {
			for runCtx.Err() == nil {
				i := claimed.Add(1)
				if limit > 0 && i > limit {
					return
				}
				if err := e.runIteration(runCtx, root, i); err != nil {
					if !IsCancellation(err) {
						log.Printf("[search] iteration %d failed: %v", i, err)
					}
					continue
				}
				done := completed.Add(1)
				observability.SetProgress(done, e.bestTotal())
			}
		})
	}
	wg.Wait()
	observability.SetStatus(observability.PhaseIdle, "")

	res := Result{Root: root, Iterations: completed.Load(), Elapsed: time.Since(started)}
	e.bestMu.Lock()
	if e.best != nil {
		res.Best, res.BestReward, res.Reached = e.best, e.bestReward, true
	} else {
		res.Best = root.state
	}
	e.bestMu.Unlock()

	err := ctx.Err()
	observability.End(span, err)
	e.logger.LogRun(e.cfg.RunID, "done", map[string]any{
		"iterations":  res.Iterations,
		"reached":     res.Reached,
		"best_reward": res.BestReward.Total,
		"elapsed":     res.Elapsed.String(),
	})
	return res, err
}

func (e *Engine) runIteration(ctx context.Context, root *Node, i int64) (err error) {
	ctx, span := e.tracer.Start(ctx, "mcts.iteration", attribute.Int64("mcts.iteration", i))
	defer func() { observability.End(span, err) }()

	observability.SetStatus(observability.PhaseSelect, fmt.Sprintf("iteration %d", i))
	leaf := e.Select(root)

	observability.SetStatus(observability.PhaseExpand, string(leaf.state.Stage))
	results, err := e.ExpandLeaf(ctx, leaf, i)
	if err != nil {
		return fmt.Errorf("expand %s: %w", leaf.state.Stage, err)
	}
	e.recordExpansions(leaf, results)

	start := leaf
	if children := leaf.Children(); len(children) > 0 {
		start = e.choose(children)
	}

	observability.SetStatus(observability.PhaseSimulate, string(start.state.Stage))
	ro, err := e.Simulate(ctx, start)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}
	e.logger.LogRollout(e.cfg.RunID, start.ID, string(ro.Final.Stage), ro.Depth, ro.Terminal, ro.Degraded)

	observability.SetStatus(observability.PhaseBackprop, "")
	e.Backpropagate(start, ro.Reward.Total)

	if ro.Terminal {
		e.offerBest(ro.Final, ro.Reward)
	}
	observability.Iterations.Inc()
	observability.Rewards.Observe(ro.Reward.Total)
	observability.TreeNodes.Set(float64(root.Count()))
	e.logger.LogIteration(e.cfg.RunID, i, start.ID, ro.Reward.Total, ro.Depth)
	if ro.Terminal {
		e.logger.LogReward(e.cfg.RunID, start.ID, ro.Reward.Total, ro.Reward.Breakdown, ro.Reward.Degraded)
	}

	fallback := ro.Degraded
	for _, n := range start.Path() {
		fallback = fallback || n.degraded
	}
	rec := AuditRecord{
		RunID:           e.cfg.RunID,
		IterationIndex:  i,
		TotalReward:     ro.Reward.Total,
		RewardBreakdown: ro.Reward.Breakdown,
		FinalStage:      ro.Final.Stage,
		TreeDepth:       root.MaxDepth(),
		ChapterCount:    len(ro.Final.Chapters),
		ChartCount:      ro.Final.ChartCount(),
		DefaultReward:   ro.DefaultReward || ro.Reward.Degraded,
		FallbackState:   fallback,
		Timestamp:       time.Now().UTC(),
	}
	if e.sink != nil {
		// The iteration already counted; a lost audit row is only logged.
		if serr := e.sink.Record(context.WithoutCancel(ctx), rec); serr != nil {
			log.Printf("[search] audit record %d: %v", i, serr)
		}
	}
	return nil
}

func (e *Engine) recordExpansions(n *Node, results []ActionResult) {
	for _, r := range results {
		observability.Expansions.WithLabelValues(r.Action, r.Kind.String()).Inc()
		e.logger.LogExpand(e.cfg.RunID, n.ID, r.Action, r.Kind.String(), r.Children)
		if r.Kind == pipeline.Degraded {
			e.logger.LogDegraded(e.cfg.RunID, n.ID, r.Action, r.Err)
		}
	}
}

func (e *Engine) offerBest(r *report.Report, reward Reward) {
	e.bestMu.Lock()
	defer e.bestMu.Unlock()
	if e.best == nil || reward.Total > e.bestReward.Total {
		e.best, e.bestReward = r, reward
	}
}

func (e *Engine) bestTotal() float64 {
	e.bestMu.Lock()
	defer e.bestMu.Unlock()
	return e.bestReward.Total
}

// IsCancellation reports whether err came from a cancelled or expired
// context.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
