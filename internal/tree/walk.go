package tree

import (
	"iter"
	"path"
)

// Walk yields every file under root with its slash-joined path relative to
// root. Directories are visited before their children, in insertion order.
// The sequence can be ranged over any number of times.
func Walk(root *Node) iter.Seq2[string, *Node] {
	return func(yield func(string, *Node) bool) {
		if root == nil {
			return
		}
		if !root.dir {
			yield(root.FileName(), root)
			return
		}
		walk(root, "", yield)
	}
}

func walk(dir *Node, prefix string, yield func(string, *Node) bool) bool {
	for _, c := range dir.Children {
		p := path.Join(prefix, c.FileName())
		if c.dir {
			if !walk(c, p, yield) {
				return false
			}
			continue
		}
		if !yield(p, c) {
			return false
		}
	}
	return true
}

// Files collects Walk into a path-keyed map.
func Files(root *Node) map[string]*Node {
	out := make(map[string]*Node)
	for p, f := range Walk(root) {
		out[p] = f
	}
	return out
}

// Lookup finds the file at the slash-joined path p.
func Lookup(root *Node, p string) *Node {
	for fp, f := range Walk(root) {
		if fp == p {
			return f
		}
	}
	return nil
}
