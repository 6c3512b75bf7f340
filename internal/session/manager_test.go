package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/remoterunner/internal/eventbus"
	"github.com/jxucoder/remoterunner/internal/materialize"
	"github.com/jxucoder/remoterunner/internal/sandbox"
	"github.com/jxucoder/remoterunner/internal/sandbox/memory"
	"github.com/jxucoder/remoterunner/internal/tree"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	rt    *memory.Runtime
	m     *Manager
	clock *clock
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	mcfg := memory.DefaultConfig()
	mcfg.ExposeTimeout = 300 * time.Millisecond
	rt := memory.New(mcfg)
	c := newClock()
	mat := materialize.New(rt, materialize.ForRuntime(rt, nil), 0)
	m := New(rt, mat, cfg, append([]Option{WithClock(c.Now)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &harness{rt: rt, m: m, clock: c}
}

func app(extra ...*tree.Node) *tree.Node {
	children := []*tree.Node{
		tree.NewFile("package", "json", []byte(`{"scripts":{"dev":"next dev --turbopack"}}`)),
		tree.NewDir("src", tree.NewFile("index", "ts", []byte("export {}\n"))),
	}
	return tree.NewDir("app", append(children, extra...)...)
}

func (h *harness) start(t *testing.T, root *tree.Node) Status {
	t.Helper()
	st, err := h.m.Start(context.Background(), StartRequest{Tree: root})
	require.NoError(t, err)
	return h.settle(t, st.ID)
}

func (h *harness) settle(t *testing.T, id string) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := h.m.Wait(ctx, id, Settled)
	require.NoError(t, err)
	return st
}

func (h *harness) handle(t *testing.T, id string) *sandbox.Handle {
	t.Helper()
	s, err := h.m.lookup(id)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotNil(t, s.handle)
	return s.handle
}

func (h *harness) files(t *testing.T, id string) map[string]string {
	t.Helper()
	got, err := h.rt.Snapshot(context.Background(), h.handle(t, id))
	require.NoError(t, err)
	out := make(map[string]string, len(got))
	for p, data := range got {
		out[p] = string(data)
	}
	return out
}

func TestStart_Running(t *testing.T) {
	h := newHarness(t, Config{})

	st := h.start(t, app())
	require.Equal(t, Running, st.State, st.LastError)
	assert.Regexp(t, `^http://mem-.*\.sandbox\.local:3000$`, st.PreviewURL)
	assert.Equal(t, "memory", st.Backend)
	assert.Equal(t, 2, st.Files)
	assert.Empty(t, st.LastError)

	assert.Equal(t, map[string]string{
		"package.json": `{"scripts":{"dev":"next dev"}}`,
		"src/index.ts": "export {}\n",
	}, h.files(t, st.ID))

	procs := h.rt.Processes(h.handle(t, st.ID))
	require.Len(t, procs, 1)
	assert.Equal(t, DefaultCommand, procs[0].Command)
}

func TestStart_Overrides(t *testing.T) {
	h := newHarness(t, Config{PublicURL: "https://runner.example.com/"})

	st, err := h.m.Start(context.Background(), StartRequest{Tree: app(), Command: "pnpm dev", Port: 5173})
	require.NoError(t, err)
	assert.Equal(t, Provisioning, st.State)

	st = h.settle(t, st.ID)
	require.Equal(t, Running, st.State)
	assert.Equal(t, "https://runner.example.com/preview/"+st.ID+"/", st.PreviewURL)

	target, err := h.m.Target(st.ID)
	require.NoError(t, err)
	assert.Contains(t, target, ":5173")
	assert.Equal(t, "pnpm dev", h.rt.Processes(h.handle(t, st.ID))[0].Command)
}

func TestResourceHints(t *testing.T) {
	h := newHarness(t, Config{Image: "node:22", MemoryMB: 512, CPUs: 2, Env: []string{"HOST=0.0.0.0"}})
	got := h.m.hints(&session{id: "s1", port: 5173})
	assert.Equal(t, sandbox.ResourceHints{
		SessionID: "s1",
		Image:     "node:22",
		MemoryMB:  512,
		CPUs:      2,
		Port:      5173,
		Env:       []string{"HOST=0.0.0.0"},
	}, got)
}

func TestStart_MalformedTree(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.m.Start(context.Background(), StartRequest{})
	assert.ErrorIs(t, err, tree.ErrMalformedTree)

	_, err = h.m.Start(context.Background(), StartRequest{Tree: tree.NewFile("index", "html", nil)})
	assert.ErrorIs(t, err, tree.ErrMalformedTree)

	assert.Empty(t, h.m.List())
	assert.Zero(t, h.rt.Live())
}

func TestStart_Failures(t *testing.T) {
	tests := []struct {
		name   string
		faults memory.Faults
		want   string
	}{
		{
			name:   "provision",
			faults: memory.Faults{ProvisionErr: errors.New("no capacity")},
			want:   "provision: backend unavailable: no capacity",
		},
		{
			name:   "materialize",
			faults: memory.Faults{WriteErr: func(string) error { return errors.New("read-only file system") }},
			want:   "materialize:",
		},
		{
			name:   "run",
			faults: memory.Faults{RunErr: errors.New("exec format error")},
			want:   "run:",
		},
		{
			name:   "expose never succeeds",
			faults: memory.Faults{ExposeNever: true},
			want:   "expose: expose port 3000: timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.rt.SetFaults(tt.faults)

			st := h.start(t, app())
			assert.Equal(t, Closed, st.State)
			assert.Contains(t, st.LastError, tt.want)
			assert.Empty(t, st.PreviewURL)
			assert.NotNil(t, st.ClosedAt)
			assert.Zero(t, h.rt.Live(), "sandbox must be released")

			_, err := h.m.Update(context.Background(), st.ID, UpdateRequest{Tree: app()})
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestStart_NeverRunningOnFailure(t *testing.T) {
	bus := eventbus.NewInMemoryBus()
	h := newHarness(t, Config{}, WithBus(bus), WithIDGenerator(func() string { return "s-1" }))
	h.rt.SetFaults(memory.Faults{ExposeNever: true})
	ch := bus.Subscribe("s-1")
	defer bus.Unsubscribe("s-1", ch)

	h.start(t, app())

	var states []string
	for len(states) == 0 || states[len(states)-1] != "closed" {
		select {
		case ev := <-ch:
			states = append(states, ev.State)
		case <-time.After(2 * time.Second):
			t.Fatalf("no closed event, got %v", states)
		}
	}
	assert.Equal(t, []string{"provisioning", "stopping", "closed"}, states)
}

func TestStart_DuplicateID(t *testing.T) {
	h := newHarness(t, Config{}, WithIDGenerator(func() string { return "fixed" }))
	h.start(t, app())
	_, err := h.m.Start(context.Background(), StartRequest{Tree: app()})
	assert.Error(t, err)
	assert.Len(t, h.m.List(), 1)
}

func TestUpdate_AppliesDiff(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.start(t, app())

	next := tree.NewDir("app",
		tree.NewFile("package", "json", []byte(`{"scripts":{"dev":"next dev --turbopack"}}`)),
		tree.NewDir("src",
			tree.NewFile("index", "ts", []byte("export default 1\n")),
			tree.NewFile("page", "tsx", []byte("<p/>\n")),
		),
	)
	res, err := h.m.Update(context.Background(), st.ID, UpdateRequest{Tree: next})
	require.NoError(t, err)
	assert.False(t, res.Full)
	assert.Len(t, res.Diff.Added, 1)
	assert.Len(t, res.Diff.Modified, 1)
	assert.Empty(t, res.Diff.Removed)
	assert.Equal(t, 2, res.Stats.Inserted)

	assert.Equal(t, map[string]string{
		"package.json": `{"scripts":{"dev":"next dev"}}`,
		"src/index.ts": "export default 1\n",
		"src/page.tsx": "<p/>\n",
	}, h.files(t, st.ID))

	got, err := h.m.Status(st.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Files)
}

func TestUpdate_DirectoryBecomesFile(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.start(t, app())

	next := tree.NewDir("app",
		tree.NewFile("package", "json", []byte(`{"scripts":{"dev":"next dev --turbopack"}}`)),
		tree.NewFile("src", "", []byte("flattened\n")),
	)
	res, err := h.m.Update(context.Background(), st.ID, UpdateRequest{Tree: next})
	require.NoError(t, err)
	assert.False(t, res.Full)
	assert.Equal(t, []string{"src"}, res.Diff.RemovedDirs)

	got, err := h.m.Status(st.ID)
	require.NoError(t, err)
	assert.Equal(t, Running, got.State)
	assert.Equal(t, map[string]string{
		"package.json": `{"scripts":{"dev":"next dev"}}`,
		"src":          "flattened\n",
	}, h.files(t, st.ID))
}

func TestUpdate_NoChangesWritesNothing(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.start(t, app())

	var writes int
	h.rt.SetFaults(memory.Faults{WriteErr: func(string) error {
		writes++
		return nil
	}})
	res, err := h.m.Update(context.Background(), st.ID, UpdateRequest{Tree: app()})
	require.NoError(t, err)
	assert.True(t, res.Diff.Empty())
	assert.Zero(t, writes)
}

func TestUpdate_Full(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.start(t, app(tree.NewFile("old", "txt", []byte("x"))))

	res, err := h.m.Update(context.Background(), st.ID, UpdateRequest{Tree: app(), Full: true})
	require.NoError(t, err)
	assert.True(t, res.Full)
	assert.NotContains(t, h.files(t, st.ID), "old.txt")
	assert.Contains(t, h.files(t, st.ID), "src/index.ts")
}

func TestUpdate_Rejections(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.m.Update(context.Background(), "missing", UpdateRequest{Tree: app()})
	assert.ErrorIs(t, err, ErrNotFound)

	h.rt.SetFaults(memory.Faults{ProvisionDelay: time.Second})
	st, err := h.m.Start(context.Background(), StartRequest{Tree: app()})
	require.NoError(t, err)
	_, err = h.m.Update(context.Background(), st.ID, UpdateRequest{Tree: app()})
	assert.ErrorIs(t, err, ErrProvisioning)

	require.NoError(t, h.m.Close(context.Background(), st.ID))
	_, err = h.m.Update(context.Background(), st.ID, UpdateRequest{Tree: app()})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = h.m.Update(context.Background(), st.ID, UpdateRequest{})
	assert.ErrorIs(t, err, tree.ErrMalformedTree)
}

func TestUpdate_FailureDegrades(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.start(t, app())

	h.rt.SetFaults(memory.Faults{WriteErr: func(p string) error {
		if p == "src/new.ts" {
			return errors.New("disk quota exceeded")
		}
		return nil
	}})
	next := app(tree.NewFile("README", "md", []byte("hi")))
	next.Children[1].Children = append(next.Children[1].Children, tree.NewFile("new", "ts", []byte("x")))

	_, err := h.m.Update(context.Background(), st.ID, UpdateRequest{Tree: next})
	var merr *materialize.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, []string{"src/new.ts"}, merr.Paths())

	got, err := h.m.Status(st.ID)
	require.NoError(t, err)
	assert.Equal(t, Degraded, got.State)
	assert.Contains(t, got.LastError, "disk quota exceeded")

	_, err = h.m.Update(context.Background(), st.ID, UpdateRequest{Tree: app()})
	assert.ErrorIs(t, err, ErrDegraded)
	assert.Contains(t, err.Error(), "disk quota exceeded")
}

func TestUpdate_FIFO(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.start(t, app())
	s, err := h.m.lookup(st.ID)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		written []string
	)
	gate := make(chan struct{})
	first := make(chan struct{})
	h.rt.SetFaults(memory.Faults{WriteErr: func(p string) error {
		mu.Lock()
		written = append(written, p)
		n := len(written)
		mu.Unlock()
		if n == 1 {
			close(first)
			<-gate
		}
		return nil
	}})

	// Update i adds f1..fi, so each diff adds exactly fi.
	treeFor := func(i int) *tree.Node {
		var extra []*tree.Node
		for j := 1; j <= i; j++ {
			extra = append(extra, tree.NewFile(fmt.Sprintf("f%d", j), "txt", []byte("x")))
		}
		return app(extra...)
	}

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n+1)
	submit := func(i int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.m.Update(context.Background(), st.ID, UpdateRequest{Tree: treeFor(i)})
		}()
	}

	submit(1)
	<-first
	for i := 2; i <= n; i++ {
		submit(i)
		require.Eventually(t, func() bool { return s.lock.queued() == i-1 }, time.Second, time.Millisecond)
	}
	close(gate)
	wg.Wait()

	for i := 1; i <= n; i++ {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, []string{"f1.txt", "f2.txt", "f3.txt", "f4.txt", "f5.txt"}, written)
}

func TestUpdate_CanceledForcesFullRewrite(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.start(t, app())

	h.rt.SetFaults(memory.Faults{WriteDelay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.m.Update(ctx, st.ID, UpdateRequest{Tree: app(tree.NewFile("a", "txt", nil))})
	require.Error(t, err)

	got, err := h.m.Status(st.ID)
	require.NoError(t, err)
	assert.Equal(t, Running, got.State)

	h.rt.SetFaults(memory.Faults{})
	res, err := h.m.Update(context.Background(), st.ID, UpdateRequest{Tree: app()})
	require.NoError(t, err)
	assert.True(t, res.Full)
}

func TestClose(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.start(t, app())
	require.Equal(t, 1, h.rt.Live())

	require.NoError(t, h.m.Close(context.Background(), st.ID))
	require.NoError(t, h.m.Close(context.Background(), st.ID))
	assert.Zero(t, h.rt.Live())

	got, err := h.m.Status(st.ID)
	require.NoError(t, err)
	assert.Equal(t, Closed, got.State)
	assert.Empty(t, got.LastError)

	assert.ErrorIs(t, h.m.Close(context.Background(), "missing"), ErrNotFound)

	_, err = h.m.Heartbeat(st.ID)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.m.Target(st.ID)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClose_DuringProvisioning(t *testing.T) {
	h := newHarness(t, Config{})
	h.rt.SetFaults(memory.Faults{ProvisionDelay: 5 * time.Second})

	st, err := h.m.Start(context.Background(), StartRequest{Tree: app()})
	require.NoError(t, err)
	require.NoError(t, h.m.Close(context.Background(), st.ID))

	got := h.settle(t, st.ID)
	assert.Equal(t, Closed, got.State)
	assert.Empty(t, got.LastError)
	assert.Zero(t, h.rt.Live())
}

func TestClose_DuringMaterialize(t *testing.T) {
	h := newHarness(t, Config{})
	h.rt.SetFaults(memory.Faults{WriteDelay: 5 * time.Second})

	st, err := h.m.Start(context.Background(), StartRequest{Tree: app()})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.rt.Live() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.m.Close(context.Background(), st.ID))
	got, err := h.m.Status(st.ID)
	require.NoError(t, err)
	assert.Equal(t, Closed, got.State)
	assert.Zero(t, h.rt.Live())
}

// blockWrites makes every file write wait for release. entered is closed by
// the first write to arrive.
func blockWrites(h *harness) (entered, release chan struct{}) {
	entered, release = make(chan struct{}), make(chan struct{})
	var once sync.Once
	h.rt.SetFaults(memory.Faults{WriteErr: func(string) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}})
	return entered, release
}

func (h *harness) eventuallyClosed(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := h.m.Status(id)
		return err == nil && st.State == Closed && h.rt.Live() == 0
	}, 5*time.Second, time.Millisecond)
}

func TestClose_CanceledContextDuringProvisioning(t *testing.T) {
	h := newHarness(t, Config{})
	entered, release := blockWrites(h)

	st, err := h.m.Start(context.Background(), StartRequest{Tree: app()})
	require.NoError(t, err)
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.m.Close(ctx, st.ID), context.Canceled)
	close(release)

	h.eventuallyClosed(t, st.ID)
	got, err := h.m.Status(st.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LastError)
}

func TestClose_CanceledContextDuringUpdate(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.start(t, app())
	entered, release := blockWrites(h)

	done := make(chan error, 1)
	go func() {
		_, err := h.m.Update(context.Background(), st.ID, UpdateRequest{Tree: app(tree.NewFile("new", "txt", []byte("x")))})
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.m.Close(ctx, st.ID), context.Canceled)
	close(release)
	require.NoError(t, <-done)

	h.eventuallyClosed(t, st.ID)
}

func TestWait_Timeout(t *testing.T) {
	h := newHarness(t, Config{})
	h.rt.SetFaults(memory.Faults{ProvisionDelay: 5 * time.Second})
	st, err := h.m.Start(context.Background(), StartRequest{Tree: app()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got, err := h.m.Wait(ctx, st.ID, Settled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Provisioning, got.State)

	_, err = h.m.Wait(context.Background(), "missing", Settled)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.start(t, app())
	h.clock.Advance(time.Second)
	b := h.start(t, app())

	list := h.m.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.start(t, app())
	b := h.start(t, app())
	h.rt.SetFaults(memory.Faults{ProvisionDelay: 5 * time.Second})
	c, err := h.m.Start(context.Background(), StartRequest{Tree: app()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.m.Shutdown(ctx))
	assert.Zero(t, h.rt.Live())

	for _, id := range []string{a.ID, b.ID, c.ID} {
		st, err := h.m.Status(id)
		require.NoError(t, err)
		assert.Equal(t, Closed, st.State)
	}
	st, _ := h.m.Status(a.ID)
	assert.Equal(t, ErrShutdown.Error(), st.LastError)

	_, err = h.m.Start(context.Background(), StartRequest{Tree: app()})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

type recordingSink struct {
	mu    sync.Mutex
	saved map[string]*tree.Node
}

func (r *recordingSink) SaveSnapshot(_ context.Context, projectID string, root *tree.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saved == nil {
		r.saved = make(map[string]*tree.Node)
	}
	r.saved[projectID] = root
	return nil
}

func (r *recordingSink) get(id string) *tree.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved[id]
}

func TestSnapshotSink(t *testing.T) {
	sink := &recordingSink{}
	h := newHarness(t, Config{}, WithSnapshotSink(sink))

	first := app()
	st, err := h.m.Start(context.Background(), StartRequest{Tree: first, ProjectID: "p1"})
	require.NoError(t, err)
	require.Equal(t, Running, h.settle(t, st.ID).State)
	require.Eventually(t, func() bool { return sink.get("p1") == first }, time.Second, time.Millisecond)

	second := app(tree.NewFile("b", "txt", nil))
	_, err = h.m.Update(context.Background(), st.ID, UpdateRequest{Tree: second})
	require.NoError(t, err)
	assert.Same(t, second, sink.get("p1"))

	// Sessions without a project are not saved.
	h.start(t, app())
	assert.Len(t, sink.saved, 1)
}

func TestState_Text(t *testing.T) {
	for s := Provisioning; s <= Closed; s++ {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, s, got)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
	assert.Equal(t, "State(9)", State(9).String())
}
