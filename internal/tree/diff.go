package tree

import (
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Change is one file-level difference between two trees. Old is nil for
// added files and New is nil for removed ones.
type Change struct {
	Path string
	Old  *Node
	New  *Node
}

// Diff lists file changes between two trees, each slice sorted by path.
type Diff struct {
	Added    []Change
	Modified []Change
	Removed  []Change
	// RemovedDirs are the topmost directories that held files before and
	// hold none after. Their files are also listed in Removed.
	RemovedDirs []string
}

// Empty reports whether the trees were identical.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// Len is the total number of changed files.
func (d Diff) Len() int {
	return len(d.Added) + len(d.Modified) + len(d.Removed)
}

func (d Diff) String() string {
	return fmt.Sprintf("+%d ~%d -%d", len(d.Added), len(d.Modified), len(d.Removed))
}

// Compare computes the file-level diff between two trees. Files compare by
// content bytes; a directory present on only one side contributes all of its
// files as added or removed. Either tree may be nil.
func Compare(from, to *Node) Diff {
	before := Files(from)
	after := Files(to)

	var d Diff
	for p, n := range after {
		o, ok := before[p]
		switch {
		case !ok:
			d.Added = append(d.Added, Change{Path: p, New: n})
		case !bytes.Equal(o.Content, n.Content):
			d.Modified = append(d.Modified, Change{Path: p, Old: o, New: n})
		}
	}
	for p, o := range before {
		if _, ok := after[p]; !ok {
			d.Removed = append(d.Removed, Change{Path: p, Old: o})
		}
	}

	byPath := func(cs []Change) {
		sort.Slice(cs, func(i, j int) bool { return cs[i].Path < cs[j].Path })
	}
	byPath(d.Added)
	byPath(d.Modified)
	byPath(d.Removed)
	d.RemovedDirs = vanishedDirs(before, after)
	return d
}

// vanishedDirs returns the topmost directories containing files in before
// and none in after.
func vanishedDirs(before, after map[string]*Node) []string {
	keep := dirsOf(after)
	var out []string
	for dir := range dirsOf(before) {
		if keep[dir] {
			continue
		}
		if parent := path.Dir(dir); parent == "." || keep[parent] {
			out = append(out, dir)
		}
	}
	sort.Strings(out)
	return out
}

func dirsOf(files map[string]*Node) map[string]bool {
	dirs := make(map[string]bool)
	for p := range files {
		for dir := path.Dir(p); dir != "." && !dirs[dir]; dir = path.Dir(dir) {
			dirs[dir] = true
		}
	}
	return dirs
}

// LineStats counts inserted and deleted lines across the diff.
type LineStats struct {
	Inserted int
	Deleted  int
}

// Stats returns line-level insert/delete counts, using a unified diff for
// modified files and whole-file line counts for added and removed ones.
func (d Diff) Stats() LineStats {
	var s LineStats
	for _, c := range d.Added {
		s.Inserted += lineCount(c.New.Content)
	}
	for _, c := range d.Removed {
		s.Deleted += lineCount(c.Old.Content)
	}
	for _, c := range d.Modified {
		ins, del := unifiedStats(c)
		s.Inserted += ins
		s.Deleted += del
	}
	return s
}

func lineCount(b []byte) int {
	n := bytes.Count(b, []byte("\n"))
	if len(b) > 0 && b[len(b)-1] != '\n' {
		n++
	}
	return n
}

func unifiedStats(c Change) (inserted, deleted int) {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(c.Old.Content)),
		B:        difflib.SplitLines(string(c.New.Content)),
		FromFile: "a/" + c.Path,
		ToFile:   "b/" + c.Path,
		Context:  1,
	}
	patch, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return 0, 0
	}
	lines := strings.Split(patch, "\n")
	// The first two lines are the ---/+++ file header.
	if len(lines) >= 2 && strings.HasPrefix(lines[0], "---") && strings.HasPrefix(lines[1], "+++") {
		lines = lines[2:]
	}
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "@@"):
		case strings.HasPrefix(line, "+"):
			inserted++
		case strings.HasPrefix(line, "-"):
			deleted++
		}
	}
	return inserted, deleted
}
