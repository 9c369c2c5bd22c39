package graph

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxgraph/internal/persistence"
	"github.com/petrijr/fluxgraph/internal/scheduler"
	"github.com/petrijr/fluxgraph/pkg/api"
	"github.com/petrijr/fluxgraph/pkg/stream"
)

type handlers map[string]api.TaskHandler

func (h handlers) Handler(id string) (api.TaskHandler, bool) {
	t, ok := h[id]
	return t, ok
}

func ev(from, to, rule string) *api.FlowEvent {
	return &api.FlowEvent{MetaID: from + "->" + to, From: from, To: to, ConditionRule: rule}
}

func onError(from, to string) *api.FlowEvent {
	e := ev(from, to, "")
	e.OnError = true
	return e
}

func node(id string, kind api.NodeKind, events ...*api.FlowEvent) *api.FlowNode {
	return &api.FlowNode{MetaID: id, Kind: kind, Events: events}
}

func task(id, taskID string, events ...*api.FlowEvent) *api.FlowNode {
	n := node(id, api.KindState, events...)
	n.TaskID = taskID
	return n
}

func flow(nodes ...*api.FlowNode) *api.FlowDefinition {
	def := &api.FlowDefinition{MetaID: "flow", Version: "1", Nodes: map[string]*api.FlowNode{}}
	for _, n := range nodes {
		def.Nodes[n.MetaID] = n
	}
	return def
}

type harness struct {
	t       *testing.T
	repo    api.ContextRepository
	sched   *scheduler.Scheduler
	metrics *api.BasicMetrics
	cache   *Cache
	env     Env

	mu         sync.Mutex
	recovered  []*api.FlowContext
	terminated map[string]bool
}

func newHarness(t *testing.T, repo api.ContextRepository, h handlers) *harness {
	t.Helper()
	if repo == nil {
		repo = persistence.NewInMemoryStore()
	}
	sched := scheduler.New(scheduler.Config{DefaultParallelism: 2})
	t.Cleanup(sched.Close)

	hs := &harness{
		t:          t,
		repo:       repo,
		sched:      sched,
		metrics:    &api.BasicMetrics{},
		cache:      NewCache(),
		terminated: map[string]bool{},
	}
	hs.env = Env{
		Env: api.Env{
			Repository: repo,
			Observer:   hs.metrics,
		},
		Scheduler: sched,
		Handlers:  h,
		Terminated: func(trace string) bool {
			hs.mu.Lock()
			defer hs.mu.Unlock()
			return hs.terminated[trace]
		},
		Recovery: func(_ context.Context, fc *api.FlowContext, _ error) {
			hs.mu.Lock()
			defer hs.mu.Unlock()
			hs.recovered = append(hs.recovered, fc)
		},
	}
	return hs
}

func (h *harness) compile(def *api.FlowDefinition) *Graph {
	h.t.Helper()
	g, err := h.cache.CompileGraph(context.Background(), def, h.env)
	require.NoError(h.t, err)
	return g
}

func (h *harness) wait() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.sched.WaitIdle(ctx))
}

func (h *harness) trace(traceID string) []*api.FlowContext {
	h.t.Helper()
	list, err := h.repo.FindByTrace(context.Background(), traceID)
	require.NoError(h.t, err)
	return list
}

func at(list []*api.FlowContext, position string) []*api.FlowContext {
	var out []*api.FlowContext
	for _, fc := range list {
		if fc.Position == position {
			out = append(out, fc)
		}
	}
	return out
}

type archiveRecorder struct {
	mu  sync.Mutex
	got []*api.FlowContext
}

func record(g *Graph) *archiveRecorder {
	r := &archiveRecorder{}
	g.Archive().Register(stream.ListenerFuncs[*api.FlowContext]{
		Next: func(_ context.Context, item stream.Item[*api.FlowContext]) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.got = append(r.got, item.Data)
		},
	})
	return r
}

func (r *archiveRecorder) all() []*api.FlowContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*api.FlowContext(nil), r.got...)
}

func setKey(key string, value any) api.TaskHandler {
	return api.HandlerFunc(func(_ context.Context, batch []*api.FlowContext) ([]*api.FlowContext, error) {
		for _, fc := range batch {
			fc.BusinessData[key] = value
		}
		return batch, nil
	})
}

func linear() *api.FlowDefinition {
	return flow(
		node("start", api.KindStart, ev("start", "a", "")),
		task("a", "enrich", ev("a", "end", "")),
		node("end", api.KindEnd),
	)
}

func TestCompile_SameStreamReturnsSamePublisher(t *testing.T) {
	h := newHarness(t, nil, handlers{"enrich": setKey("y", 2)})
	def := linear()

	const callers = 16
	got := make([]*stream.Publisher[map[string]any], callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := h.cache.Compile(context.Background(), def, h.env)
			assert.NoError(t, err)
			got[i] = p
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		require.Same(t, got[0], got[i])
	}
	assert.Equal(t, int64(1), h.metrics.Snapshot().GraphsWired)
	assert.Equal(t, 1, h.cache.Len())

	g, ok := h.cache.Graph(def.StreamID())
	require.True(t, ok)
	assert.Equal(t, 2, g.Edges())
	assert.Same(t, got[0], g.Entry())
}

func TestCompile_DefinitionErrorsCacheNothing(t *testing.T) {
	tests := []struct {
		name string
		def  *api.FlowDefinition
		want error
	}{
		{
			name: "no start node",
			def: flow(
				task("a", "", ev("a", "end", "")),
				node("end", api.KindEnd),
			),
			want: api.ErrNoStartNode,
		},
		{
			name: "missing target",
			def: flow(
				node("start", api.KindStart, ev("start", "ghost", "")),
				node("end", api.KindEnd),
			),
			want: api.ErrTargetNodeNotFound,
		},
		{
			name: "no end node",
			def: flow(
				node("start", api.KindStart, ev("start", "a", "")),
				task("a", ""),
			),
			want: api.ErrEntityNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, nil)
			p, err := h.cache.Compile(context.Background(), tt.def, h.env)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.ErrorIs(t, err, tt.want)

			var defErr *api.DefinitionError
			assert.ErrorAs(t, err, &defErr)
			assert.Equal(t, 0, h.cache.Len())
			assert.Equal(t, int64(0), h.metrics.Snapshot().GraphsWired)
		})
	}
}

func TestCompile_InvalidNodeProperties(t *testing.T) {
	h := newHarness(t, nil, nil)
	def := linear()
	def.Nodes["a"].Properties = map[string]any{"flushAfter": "soon"}

	_, err := h.cache.Compile(context.Background(), def, h.env)
	require.ErrorIs(t, err, api.ErrInvalidDefinition)
	assert.Equal(t, 0, h.cache.Len())
}

func TestLinearFlow_ArchivesUnionOfBusinessData(t *testing.T) {
	h := newHarness(t, nil, handlers{"enrich": setKey("y", 2)})
	g := h.compile(linear())
	rec := record(g)

	require.NoError(t, g.Entry().EmitToken(context.Background(), map[string]any{"x": 1}, "trace-1"))
	h.wait()

	archived := rec.all()
	require.Len(t, archived, 1)
	out := archived[0]
	assert.Equal(t, api.ContextArchived, out.Status)
	assert.Equal(t, "end", out.Position)
	assert.Equal(t, "trace-1", out.TraceID)
	assert.EqualValues(t, 1, out.BusinessData["x"])
	assert.EqualValues(t, 2, out.BusinessData["y"])

	list := h.trace("trace-1")
	require.Len(t, list, 3)
	for _, fc := range list {
		assert.Equal(t, "trace-1", fc.TraceID)
		assert.Equal(t, "flow1", fc.StreamID)
	}
	assert.Equal(t, api.ContextForwarded, at(list, "start")[0].Status)
	assert.Equal(t, api.ContextForwarded, at(list, "a")[0].Status)
	assert.Equal(t, at(list, "a")[0].ID, at(list, "end")[0].ParentID)

	snap := h.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.ContextsArchived)
	assert.Equal(t, int64(3), snap.HopsCompleted)
}

func TestSubmit_UsesFreshTraceWithoutToken(t *testing.T) {
	h := newHarness(t, nil, handlers{"enrich": setKey("y", 2)})
	g := h.compile(linear())

	root, err := g.Submit(context.Background(), map[string]any{"x": 1}, "")
	require.NoError(t, err)
	require.NotEmpty(t, root.TraceID)
	assert.Equal(t, "start", root.Position)
	h.wait()

	list := h.trace(root.TraceID)
	require.Len(t, at(list, "end"), 1)
}

func TestParallel_EmitsOneContextPerEvent(t *testing.T) {
	h := newHarness(t, nil, nil)
	def := flow(
		node("start", api.KindStart, ev("start", "fork", "")),
		node("fork", api.KindParallel, ev("fork", "a", ""), ev("fork", "b", ""), ev("fork", "c", "")),
		task("a", "", ev("a", "end", "")),
		task("b", "", ev("b", "end", "")),
		task("c", "", ev("c", "end", "")),
		node("end", api.KindEnd),
	)
	g := h.compile(def)
	rec := record(g)

	_, err := g.Submit(context.Background(), map[string]any{"k": "v"}, "fan")
	require.NoError(t, err)
	h.wait()

	assert.Len(t, rec.all(), 3)
	list := h.trace("fan")
	fork := at(list, "fork")
	require.Len(t, fork, 1)
	for _, id := range []string{"a", "b", "c"} {
		children := at(list, id)
		require.Len(t, children, 1, id)
		assert.Equal(t, fork[0].ID, children[0].ParentID)
	}
}

func branching(rules ...string) *api.FlowDefinition {
	events := []*api.FlowEvent{ev("check", "hi", rules[0])}
	if len(rules) > 1 {
		events = append(events, ev("check", "lo", rules[1]))
	}
	return flow(
		node("start", api.KindStart, ev("start", "check", "")),
		node("check", api.KindCondition, events...),
		task("hi", "hi", ev("hi", "end", "")),
		task("lo", "lo", ev("lo", "end", "")),
		node("end", api.KindEnd),
	)
}

func TestCondition_FirstMatchingEventWins(t *testing.T) {
	tests := []struct {
		x    int
		want string
	}{
		{x: 7, want: "hi"},
		{x: 5, want: "lo"},
		{x: 1, want: "lo"},
	}
	for _, tt := range tests {
		h := newHarness(t, nil, handlers{"hi": setKey("branch", "hi"), "lo": setKey("branch", "lo")})
		def := branching("x > 5", "x <= 5")
		g := h.compile(def)
		rec := record(g)

		_, err := g.Submit(context.Background(), map[string]any{"x": tt.x}, "cond")
		require.NoError(t, err)
		h.wait()

		archived := rec.all()
		require.Len(t, archived, 1)
		assert.Equal(t, tt.want, archived[0].BusinessData["branch"])
	}
}

func TestCondition_MissingKeyDoesNotHideTrueRule(t *testing.T) {
	h := newHarness(t, nil, handlers{"hi": setKey("branch", "hi"), "lo": setKey("branch", "lo")})
	g := h.compile(branching("vip == true || x > 5", "x <= 5"))
	rec := record(g)

	_, err := g.Submit(context.Background(), map[string]any{"x": 7}, "no-vip")
	require.NoError(t, err)
	h.wait()

	archived := rec.all()
	require.Len(t, archived, 1)
	assert.Equal(t, "hi", archived[0].BusinessData["branch"])
	assert.Empty(t, at(h.trace("no-vip"), "lo"))
}

func TestCondition_NoMatchMarksUnmatched(t *testing.T) {
	h := newHarness(t, nil, handlers{"hi": setKey("branch", "hi")})
	def := flow(
		node("start", api.KindStart, ev("start", "check", "")),
		node("check", api.KindCondition, ev("check", "hi", "x > 5")),
		task("hi", "hi", ev("hi", "end", "")),
		node("end", api.KindEnd),
	)
	g := h.compile(def)

	_, err := g.Submit(context.Background(), map[string]any{"x": 1}, "miss")
	require.NoError(t, err)
	h.wait()

	check := at(h.trace("miss"), "check")
	require.Len(t, check, 1)
	assert.Equal(t, api.ContextUnmatched, check[0].Status)
	require.NotNil(t, check[0].ErrorInfo)
	assert.Equal(t, api.ErrCodeNoMatch, check[0].ErrorInfo.ErrorCode)
	assert.Empty(t, at(h.trace("miss"), "end"))
}

func TestCondition_EvaluationErrorArchivesWithError(t *testing.T) {
	h := newHarness(t, nil, handlers{"hi": setKey("branch", "hi"), "lo": setKey("branch", "lo")})
	g := h.compile(branching("x >", "x <= 5"))
	rec := record(g)

	_, err := g.Submit(context.Background(), map[string]any{"x": 1}, "bad-rule")
	require.NoError(t, err)
	h.wait()

	archived := rec.all()
	require.Len(t, archived, 1)
	assert.Equal(t, api.ContextError, archived[0].Status)
	require.NotNil(t, archived[0].ErrorInfo)
	assert.Equal(t, api.ErrCodeGrammar, archived[0].ErrorInfo.ErrorCode)
	assert.Equal(t, int64(1), h.metrics.Snapshot().ContextsFailed)
}

func TestState_ExecutionErrorHaltsContext(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	h := newHarness(t, nil, handlers{"enrich": api.HandlerFunc(func(context.Context, []*api.FlowContext) ([]*api.FlowContext, error) {
		calls.Add(1)
		return nil, boom
	})})
	def := linear()
	def.Nodes["a"].Properties = map[string]any{"retry": map[string]any{"maxAttempts": 3}}
	g := h.compile(def)

	_, err := g.Submit(context.Background(), nil, "fails")
	require.NoError(t, err)
	h.wait()

	assert.Equal(t, int32(3), calls.Load())
	a := at(h.trace("fails"), "a")
	require.Len(t, a, 1)
	assert.Equal(t, api.ContextError, a[0].Status)
	require.NotNil(t, a[0].ErrorInfo)
	assert.Equal(t, api.ErrCodeExecution, a[0].ErrorInfo.ErrorCode)
	assert.Equal(t, "enrich", a[0].ErrorInfo.FitableID)
	assert.Equal(t, "a", a[0].ErrorInfo.NodeName)
	assert.Contains(t, a[0].ErrorMessage, "boom")
}

func TestState_ExecutionErrorFollowsErrorEdge(t *testing.T) {
	h := newHarness(t, nil, handlers{
		"enrich": api.HandlerFunc(func(context.Context, []*api.FlowContext) ([]*api.FlowContext, error) {
			return nil, &api.ExecutionError{Code: 42001, Args: []string{"quota"}, Err: errors.New("rejected")}
		}),
		"compensate": setKey("compensated", true),
	})
	def := flow(
		node("start", api.KindStart, ev("start", "a", "")),
		task("a", "enrich", ev("a", "end", ""), onError("a", "fix")),
		task("fix", "compensate", ev("fix", "end", "")),
		node("end", api.KindEnd),
	)
	g := h.compile(def)
	rec := record(g)

	_, err := g.Submit(context.Background(), nil, "routed")
	require.NoError(t, err)
	h.wait()

	archived := rec.all()
	require.Len(t, archived, 1)
	assert.Equal(t, true, archived[0].BusinessData["compensated"])
	require.NotNil(t, archived[0].ErrorInfo)
	assert.Equal(t, api.ErrorCode(42001), archived[0].ErrorInfo.ErrorCode)
	assert.Equal(t, []string{"quota"}, archived[0].ErrorInfo.Args)

	a := at(h.trace("routed"), "a")
	require.Len(t, a, 1)
	assert.Equal(t, api.ContextForwarded, a[0].Status)
}

func TestState_UnknownHandlerIsExecutionError(t *testing.T) {
	h := newHarness(t, nil, handlers{})
	g := h.compile(linear())

	_, err := g.Submit(context.Background(), nil, "nohandler")
	require.NoError(t, err)
	h.wait()

	a := at(h.trace("nohandler"), "a")
	require.Len(t, a, 1)
	assert.Equal(t, api.ContextError, a[0].Status)
	assert.Contains(t, a[0].ErrorMessage, api.ErrHandlerNotFound.Error())
}

func TestManual_ParksUntilCompleted(t *testing.T) {
	h := newHarness(t, nil, nil)
	def := flow(
		node("start", api.KindStart, ev("start", "review", "")),
		node("review", api.KindManual, ev("review", "end", "approved == true")),
		node("end", api.KindEnd),
	)
	g := h.compile(def)
	rec := record(g)

	_, err := g.Submit(context.Background(), map[string]any{"doc": "d1"}, "manual")
	require.NoError(t, err)
	h.wait()

	waiting := at(h.trace("manual"), "review")
	require.Len(t, waiting, 1)
	assert.Equal(t, api.ContextWaiting, waiting[0].Status)
	assert.Empty(t, rec.all())
	assert.Equal(t, int64(1), h.metrics.Snapshot().ContextsWaiting)

	require.NoError(t, g.Complete(context.Background(), waiting[0], map[string]any{"approved": true}, "alice"))
	h.wait()

	archived := rec.all()
	require.Len(t, archived, 1)
	assert.Equal(t, "alice", archived[0].Operator)
	assert.Equal(t, "d1", archived[0].BusinessData["doc"])
	assert.Equal(t, true, archived[0].BusinessData["approved"])

	err = g.Complete(context.Background(), waiting[0], nil, "bob")
	assert.ErrorIs(t, err, api.ErrInvalidTransition)
}

func TestState_CountWindowBatchesContexts(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	h := newHarness(t, nil, handlers{"batch": api.HandlerFunc(func(_ context.Context, batch []*api.FlowContext) ([]*api.FlowContext, error) {
		mu.Lock()
		sizes = append(sizes, len(batch))
		mu.Unlock()
		return batch, nil
	})})
	def := flow(
		node("start", api.KindStart, ev("start", "a", "")),
		task("a", "batch", ev("a", "end", "")),
		node("end", api.KindEnd),
	)
	def.Nodes["a"].Properties = map[string]any{"batchSize": 3, "parallelism": 1}
	g := h.compile(def)
	rec := record(g)

	for i := 0; i < 6; i++ {
		_, err := g.Submit(context.Background(), map[string]any{"i": i}, "")
		require.NoError(t, err)
	}
	h.wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{3, 3}, sizes)
	assert.Len(t, rec.all(), 6)
}

func TestState_FlushAfterClosesPartialWindow(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, nil, handlers{"batch": api.HandlerFunc(func(_ context.Context, batch []*api.FlowContext) ([]*api.FlowContext, error) {
		calls.Add(1)
		return batch, nil
	})})
	def := flow(
		node("start", api.KindStart, ev("start", "a", "")),
		task("a", "batch", ev("a", "end", "")),
		node("end", api.KindEnd),
	)
	def.Nodes["a"].Properties = map[string]any{"batchSize": 10, "flushAfter": "20ms"}
	g := h.compile(def)
	rec := record(g)

	for i := 0; i < 2; i++ {
		_, err := g.Submit(context.Background(), nil, "")
		require.NoError(t, err)
	}
	h.wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, rec.all(), 2)
}

func TestState_ManyToManyOutputs(t *testing.T) {
	h := newHarness(t, nil, handlers{"split": api.HandlerFunc(func(_ context.Context, batch []*api.FlowContext) ([]*api.FlowContext, error) {
		var out []*api.FlowContext
		for _, fc := range batch {
			for _, part := range []string{"p1", "p2"} {
				o := &api.FlowContext{BusinessData: map[string]any{"part": part, "src": fc.BusinessData["src"]}}
				out = append(out, o)
			}
		}
		return out, nil
	})})
	def := flow(
		node("start", api.KindStart, ev("start", "a", "")),
		task("a", "split", ev("a", "end", "")),
		node("end", api.KindEnd),
	)
	g := h.compile(def)
	rec := record(g)

	_, err := g.Submit(context.Background(), map[string]any{"src": "s"}, "split")
	require.NoError(t, err)
	h.wait()

	archived := rec.all()
	require.Len(t, archived, 2)
	parts := map[any]bool{}
	for _, fc := range archived {
		parts[fc.BusinessData["part"]] = true
		assert.Equal(t, "split", fc.TraceID)
		assert.Equal(t, "s", fc.BusinessData["src"])
	}
	assert.Equal(t, map[any]bool{"p1": true, "p2": true}, parts)
}

type saveRecord struct {
	id       string
	position string
	status   api.ContextStatus
}

type orderingRepo struct {
	*persistence.InMemoryStore
	mu    sync.Mutex
	saves []saveRecord
}

func (r *orderingRepo) Save(ctx context.Context, fc *api.FlowContext) error {
	r.mu.Lock()
	r.saves = append(r.saves, saveRecord{id: fc.ID, position: fc.Position, status: fc.Status})
	r.mu.Unlock()
	return r.InMemoryStore.Save(ctx, fc)
}

func TestHop_ChildSavedBeforeParentForwarded(t *testing.T) {
	repo := &orderingRepo{InMemoryStore: persistence.NewInMemoryStore()}
	h := newHarness(t, repo, handlers{"enrich": setKey("y", 2)})
	g := h.compile(linear())

	_, err := g.Submit(context.Background(), nil, "order")
	require.NoError(t, err)
	h.wait()

	list := h.trace("order")
	parent := at(list, "a")[0]
	child := at(list, "end")[0]

	repo.mu.Lock()
	defer repo.mu.Unlock()
	childSaved, parentForwarded := -1, -1
	for i, s := range repo.saves {
		if s.id == child.ID && s.status == api.ContextPending && childSaved < 0 {
			childSaved = i
		}
		if s.id == parent.ID && s.status == api.ContextForwarded {
			parentForwarded = i
		}
	}
	require.GreaterOrEqual(t, childSaved, 0)
	require.GreaterOrEqual(t, parentForwarded, 0)
	assert.Less(t, childSaved, parentForwarded)
}

func TestTerminatedLineageIsDropped(t *testing.T) {
	h := newHarness(t, nil, nil)
	def := flow(
		node("start", api.KindStart, ev("start", "review", "")),
		node("review", api.KindManual, ev("review", "end", "")),
		node("end", api.KindEnd),
	)
	g := h.compile(def)

	h.mu.Lock()
	h.terminated["gone"] = true
	h.mu.Unlock()

	_, err := g.Submit(context.Background(), nil, "gone")
	assert.ErrorIs(t, err, api.ErrLineageTerminated)

	_, err = g.Submit(context.Background(), nil, "live")
	require.NoError(t, err)
	h.wait()
	waiting := at(h.trace("live"), "review")[0]

	h.mu.Lock()
	h.terminated["live"] = true
	h.mu.Unlock()
	require.NoError(t, g.Terminate(context.Background(), waiting))

	got, err := h.repo.FindByID(context.Background(), waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, api.ContextTerminated, got.Status)
	assert.Equal(t, api.ErrCodeTerminated, got.ErrorInfo.ErrorCode)

	err = g.Complete(context.Background(), got, nil, "")
	assert.ErrorIs(t, err, api.ErrInvalidTransition)
}

type failingRepo struct {
	*persistence.InMemoryStore
	failAt string
}

func (r *failingRepo) Save(ctx context.Context, fc *api.FlowContext) error {
	if fc.Position == r.failAt {
		return errors.New("disk full")
	}
	return r.InMemoryStore.Save(ctx, fc)
}

func TestPersistenceFailureParksForRecovery(t *testing.T) {
	repo := &failingRepo{InMemoryStore: persistence.NewInMemoryStore(), failAt: "a"}
	h := newHarness(t, repo, handlers{"enrich": setKey("y", 2)})
	g := h.compile(linear())

	_, err := g.Submit(context.Background(), map[string]any{"x": 1}, "rec")
	require.NoError(t, err)
	h.wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.recovered, 1)
	fc := h.recovered[0]
	assert.Equal(t, api.ContextRecovery, fc.Status)
	assert.Equal(t, "start", fc.Position)
	assert.Equal(t, api.ErrCodePersistence, fc.ErrorInfo.ErrorCode)
	assert.EqualValues(t, 1, fc.BusinessData["x"])

	list := h.trace("rec")
	assert.Empty(t, at(list, "a"))
	start := at(list, "start")
	require.Len(t, start, 1)
	assert.Equal(t, api.ContextPending, start[0].Status)
}

// secondChildRepo fails the first save of a context positioned at failAt.
type secondChildRepo struct {
	*persistence.InMemoryStore
	failAt string

	mu     sync.Mutex
	failed bool
}

func (r *secondChildRepo) Save(ctx context.Context, fc *api.FlowContext) error {
	r.mu.Lock()
	fail := fc.Position == r.failAt && !r.failed
	if fail {
		r.failed = true
	}
	r.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return r.InMemoryStore.Save(ctx, fc)
}

func TestParallel_PartialChildSaveRollsBackHop(t *testing.T) {
	repo := &secondChildRepo{InMemoryStore: persistence.NewInMemoryStore(), failAt: "b"}
	h := newHarness(t, repo, nil)
	g := h.compile(flow(
		node("start", api.KindStart, ev("start", "fork", "")),
		node("fork", api.KindParallel, ev("fork", "a", ""), ev("fork", "b", "")),
		task("a", "", ev("a", "end", "")),
		task("b", "", ev("b", "end", "")),
		node("end", api.KindEnd),
	))
	rec := record(g)

	_, err := g.Submit(context.Background(), nil, "split")
	require.NoError(t, err)
	h.wait()

	list := h.trace("split")
	assert.Empty(t, at(list, "a"))
	assert.Empty(t, at(list, "b"))
	assert.Empty(t, rec.all())

	h.mu.Lock()
	require.Len(t, h.recovered, 1)
	assert.Equal(t, "fork", h.recovered[0].Position)
	h.mu.Unlock()

	stranded, err := repo.List(context.Background(), api.ContextFilter{StreamID: g.StreamID(), Status: api.ContextPending})
	require.NoError(t, err)
	require.Len(t, stranded, 1)
	assert.Equal(t, "fork", stranded[0].Position)

	stranded[0].PassData = map[string]any{}
	require.NoError(t, g.Enter(context.Background(), stranded[0], stranded[0].TraceID))
	h.wait()

	list = h.trace("split")
	assert.Len(t, at(list, "a"), 1)
	assert.Len(t, at(list, "b"), 1)
	assert.Len(t, at(list, "end"), 2)
	assert.Len(t, rec.all(), 2)
}

func TestEnter_RejectsContextAlreadyQueued(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	h := newHarness(t, nil, handlers{"slow": api.HandlerFunc(func(ctx context.Context, batch []*api.FlowContext) ([]*api.FlowContext, error) {
		if runs.Add(1) == 1 {
			close(entered)
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return batch, nil
	})})
	g := h.compile(flow(
		node("start", api.KindStart, ev("start", "a", "")),
		task("a", "slow", ev("a", "end", "")),
		node("end", api.KindEnd),
	))
	rec := record(g)

	_, err := g.Submit(context.Background(), nil, "busy")
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not start")
	}

	running := at(h.trace("busy"), "a")
	require.Len(t, running, 1)
	assert.True(t, g.InFlight(running[0].ID))
	err = g.Enter(context.Background(), running[0], running[0].TraceID)
	assert.ErrorIs(t, err, api.ErrInvalidTransition)

	close(release)
	h.wait()

	assert.False(t, g.InFlight(running[0].ID))
	assert.Equal(t, int32(1), runs.Load())
	assert.Len(t, rec.all(), 1)
}

func TestState_StaleFlushDoesNotCloseNextWindow(t *testing.T) {
	var (
		mu    sync.Mutex
		sizes []int
	)
	h := newHarness(t, nil, handlers{"batch": api.HandlerFunc(func(_ context.Context, batch []*api.FlowContext) ([]*api.FlowContext, error) {
		mu.Lock()
		sizes = append(sizes, len(batch))
		mu.Unlock()
		return batch, nil
	})})
	def := flow(
		node("start", api.KindStart, ev("start", "a", "")),
		task("a", "batch", ev("a", "end", "")),
		node("end", api.KindEnd),
	)
	def.Nodes["a"].Properties = map[string]any{"batchSize": 2, "flushAfter": "200ms"}
	g := h.compile(def)

	for i := 0; i < 2; i++ {
		_, err := g.Submit(context.Background(), nil, "")
		require.NoError(t, err)
	}
	time.Sleep(100 * time.Millisecond)
	_, err := g.Submit(context.Background(), nil, "late")
	require.NoError(t, err)

	// The first window's timer fires here; the late context's window is
	// still open.
	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int{2}, sizes)
	mu.Unlock()

	h.wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{2, 1}, sizes)
}

func TestCompile_PoolFailureStopsStartedPools(t *testing.T) {
	h := newHarness(t, nil, handlers{"enrich": setKey("y", 2)})
	sched := scheduler.New(scheduler.Config{MaxPools: 2})
	t.Cleanup(sched.Close)
	h.sched = sched
	h.env.Scheduler = sched

	_, err := h.cache.CompileGraph(context.Background(), linear(), h.env)
	require.ErrorIs(t, err, scheduler.ErrPoolLimit)
	assert.Equal(t, 0, sched.Len())
	assert.Equal(t, 0, h.cache.Len())

	g := h.compile(flow(
		node("start", api.KindStart, ev("start", "end", "")),
		node("end", api.KindEnd),
	))
	rec := record(g)
	_, err = g.Submit(context.Background(), nil, "small")
	require.NoError(t, err)
	h.wait()
	assert.Len(t, rec.all(), 1)
}

func TestOutputScopeRestrictsArchivedData(t *testing.T) {
	h := newHarness(t, nil, handlers{"enrich": setKey("y", 2)})
	def := linear()
	def.Properties = map[string]any{api.PropertyEnableOutputScope: true}
	def.Nodes["end"].Properties = map[string]any{"outputs": []string{"y"}}
	g := h.compile(def)
	rec := record(g)

	_, err := g.Submit(context.Background(), map[string]any{"x": 1}, "scoped")
	require.NoError(t, err)
	h.wait()

	archived := rec.all()
	require.Len(t, archived, 1)
	assert.Equal(t, map[string]any{"y": 2}, archived[0].BusinessData)
}
