// Package materialize writes template trees into sandbox file systems.
//
// Materialization is not transactional: every path is attempted, and the
// paths that failed are reported together in an *Error so the caller can
// decide whether to retry or give up on the session.
package materialize

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jxucoder/remoterunner/internal/sandbox"
	"github.com/jxucoder/remoterunner/internal/tree"
)

// DefaultConcurrency bounds parallel file operations per call.
const DefaultConcurrency = 8

// FileSystem is the part of sandbox.Runtime the materializer needs.
type FileSystem interface {
	WriteFile(ctx context.Context, h *sandbox.Handle, path string, data []byte) error
	DeleteFile(ctx context.Context, h *sandbox.Handle, path string) error
}

// Failure is one path that did not apply.
type Failure struct {
	Path string
	Err  error
}

// Error lists every path that failed, sorted.
type Error struct {
	Failures []Failure
	// Total is the number of paths attempted.
	Total int
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "materialize: %d of %d paths failed", len(e.Failures), e.Total)
	for i, f := range e.Failures {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(e.Failures)-i)
			break
		}
		fmt.Fprintf(&b, "; %s: %v", f.Path, f.Err)
	}
	return b.String()
}

// Paths returns the paths that did not apply.
func (e *Error) Paths() []string {
	out := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Path
	}
	return out
}

func (e *Error) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Err
	}
	return out
}

// Materializer writes trees through a FileSystem, applying adaptations.
type Materializer struct {
	fs          FileSystem
	adaptations Adaptations
	concurrency int
}

// New returns a materializer. A concurrency below one uses
// DefaultConcurrency.
func New(fs FileSystem, adaptations Adaptations, concurrency int) *Materializer {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Materializer{fs: fs, adaptations: adaptations, concurrency: concurrency}
}

// Adaptations returns the table applied to every written file.
func (m *Materializer) Adaptations() Adaptations { return m.adaptations }

type op struct {
	path string
	file *tree.Node // nil deletes path
}

// Materialize writes every file of root under the handle's workdir.
func (m *Materializer) Materialize(ctx context.Context, h *sandbox.Handle, root *tree.Node) error {
	var ops []op
	for p, f := range tree.Walk(root) {
		ops = append(ops, op{path: p, file: f})
	}
	return m.apply(ctx, h, ops)
}

// MaterializeDiff deletes removed files and vanished directories, then
// writes added and modified files. Unchanged files are not touched. Deletes
// go first so a file may replace a directory of the same name and vice
// versa.
func (m *Materializer) MaterializeDiff(ctx context.Context, h *sandbox.Handle, d tree.Diff) error {
	deletes := make([]op, 0, len(d.RemovedDirs)+len(d.Removed))
	for _, dir := range d.RemovedDirs {
		deletes = append(deletes, op{path: dir})
	}
	for _, c := range d.Removed {
		if !under(c.Path, d.RemovedDirs) {
			deletes = append(deletes, op{path: c.Path})
		}
	}
	writes := make([]op, 0, len(d.Added)+len(d.Modified))
	for _, c := range d.Added {
		writes = append(writes, op{path: c.Path, file: c.New})
	}
	for _, c := range d.Modified {
		writes = append(writes, op{path: c.Path, file: c.New})
	}

	var merr *Error
	for _, batch := range [][]op{deletes, writes} {
		if err := m.apply(ctx, h, batch); err != nil {
			e := err.(*Error)
			if merr == nil {
				merr = &Error{}
			}
			merr.Failures = append(merr.Failures, e.Failures...)
		}
	}
	if merr != nil {
		merr.Total = len(deletes) + len(writes)
		sortFailures(merr.Failures)
		return merr
	}
	return nil
}

// Rewrite writes every file of to, whether or not it changed, and deletes
// the files of from that to no longer has. It recovers a sandbox whose
// contents are no longer known to match from.
func (m *Materializer) Rewrite(ctx context.Context, h *sandbox.Handle, from, to *tree.Node) error {
	stale := tree.Compare(from, to)
	d := tree.Diff{Removed: stale.Removed, RemovedDirs: stale.RemovedDirs}
	for p, f := range tree.Walk(to) {
		d.Added = append(d.Added, tree.Change{Path: p, New: f})
	}
	return m.MaterializeDiff(ctx, h, d)
}

func (m *Materializer) apply(ctx context.Context, h *sandbox.Handle, ops []op) error {
	var (
		mu       sync.Mutex
		failures []Failure
		g        errgroup.Group
	)
	g.SetLimit(m.concurrency)
	for _, o := range ops {
		g.Go(func() error {
			if err := m.do(ctx, h, o); err != nil {
				mu.Lock()
				failures = append(failures, Failure{Path: o.path, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) == 0 {
		return nil
	}
	sortFailures(failures)
	return &Error{Failures: failures, Total: len(ops)}
}

func (m *Materializer) do(ctx context.Context, h *sandbox.Handle, o op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.file == nil {
		return m.fs.DeleteFile(ctx, h, o.path)
	}
	data, err := m.adaptations.Apply(o.path, o.file)
	if err != nil {
		return err
	}
	return m.fs.WriteFile(ctx, h, o.path, data)
}

// under reports whether p lies inside one of dirs.
func under(p string, dirs []string) bool {
	for _, dir := range dirs {
		if strings.HasPrefix(p, dir+"/") {
			return true
		}
	}
	return false
}

func sortFailures(fs []Failure) {
	sort.Slice(fs, func(i, j int) bool { return fs[i].Path < fs[j].Path })
}
