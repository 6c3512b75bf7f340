package tree

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
)

// Default limits applied when ParseOptions leaves a field at zero.
const (
	DefaultMaxDepth    = 64
	DefaultMaxNodes    = 20000
	DefaultMaxFileSize = 1 << 20
)

// ErrMalformedTree matches every *MalformedTreeError via errors.Is.
var ErrMalformedTree = errors.New("malformed tree")

// MalformedTreeError reports why a client-supplied tree was rejected.
type MalformedTreeError struct {
	// Path is the slash-joined location of the offending node, "" for the root.
	Path   string
	Reason string
}

func (e *MalformedTreeError) Error() string {
	if e.Path == "" {
		return "malformed tree: " + e.Reason
	}
	return fmt.Sprintf("malformed tree at %q: %s", e.Path, e.Reason)
}

func (e *MalformedTreeError) Is(target error) bool { return target == ErrMalformedTree }

// Ignore lists entries dropped while parsing, mirroring what the editor skips
// when it scans a template directory.
type Ignore struct {
	Folders []string
	Files   []string
}

// DefaultIgnore skips dependency caches, VCS metadata, build output, lock
// files and local environment files.
var DefaultIgnore = Ignore{
	Folders: []string{"node_modules", ".git", ".vscode", ".idea", "dist", "build", "coverage", ".next", "output"},
	Files: []string{
		"package-lock.json", "yarn.lock", "pnpm-lock.yaml", ".DS_Store", "thumbs.db",
		".gitignore", ".npmrc", ".yarnrc",
		".env", ".env.local", ".env.development", ".env.production", ".env.test",
	},
}

func (i *Ignore) skipFolder(name string) bool {
	return i != nil && slices.Contains(i.Folders, name)
}

func (i *Ignore) skipFile(name string) bool {
	return i != nil && slices.Contains(i.Files, name)
}

// ParseOptions bounds what Parse accepts.
type ParseOptions struct {
	MaxDepth    int
	MaxNodes    int
	MaxFileSize int
	// Ignore, when set, drops matching entries instead of rejecting them.
	Ignore *Ignore
}

func (o ParseOptions) withDefaults() ParseOptions {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxNodes <= 0 {
		o.MaxNodes = DefaultMaxNodes
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	return o
}

// Parse decodes a tree from its wire JSON. The root must be a directory.
// Duplicate entry names, missing fields, invalid names and trees beyond the
// configured depth, node count or file size fail with *MalformedTreeError.
func Parse(data []byte, opts ParseOptions) (*Node, error) {
	p := &parser{opts: opts.withDefaults()}
	w, err := decode(data, "")
	if err != nil {
		return nil, err
	}
	if w.FolderName == nil {
		return nil, &MalformedTreeError{Reason: "root must be a folder"}
	}
	return p.build(w, "", 1)
}

type parser struct {
	opts  ParseOptions
	nodes int
}

func decode(data []byte, at string) (wireNode, error) {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return w, &MalformedTreeError{Path: at, Reason: "invalid json: " + err.Error()}
	}
	return w, nil
}

// entryName is the on-disk name a wire entry will occupy, "" if unnamed.
func entryName(w wireNode) string {
	switch {
	case w.FolderName != nil:
		return *w.FolderName
	case w.Filename != nil:
		if w.FileExtension != nil && *w.FileExtension != "" {
			return *w.Filename + "." + *w.FileExtension
		}
		return *w.Filename
	}
	return ""
}

func (p *parser) build(w wireNode, at string, depth int) (*Node, error) {
	if depth > p.opts.MaxDepth {
		return nil, &MalformedTreeError{Path: at, Reason: fmt.Sprintf("depth exceeds %d", p.opts.MaxDepth)}
	}
	p.nodes++
	if p.nodes > p.opts.MaxNodes {
		return nil, &MalformedTreeError{Path: at, Reason: fmt.Sprintf("more than %d entries", p.opts.MaxNodes)}
	}

	switch {
	case w.FolderName != nil && w.Filename != nil:
		return nil, &MalformedTreeError{Path: at, Reason: "entry has both folderName and filename"}
	case w.FolderName != nil:
		if w.Items == nil {
			return nil, &MalformedTreeError{Path: at, Reason: "folder is missing items"}
		}
		return p.dir(*w.FolderName, *w.Items, at, depth)
	case w.Filename != nil:
		if w.Content == nil {
			return nil, &MalformedTreeError{Path: at, Reason: "file is missing content"}
		}
		ext := ""
		if w.FileExtension != nil {
			ext = *w.FileExtension
		}
		if len(*w.Content) > p.opts.MaxFileSize {
			return nil, &MalformedTreeError{Path: at, Reason: fmt.Sprintf("file exceeds %d bytes", p.opts.MaxFileSize)}
		}
		return NewFile(*w.Filename, ext, []byte(*w.Content)), nil
	default:
		return nil, &MalformedTreeError{Path: at, Reason: "entry needs folderName or filename"}
	}
}

func (p *parser) dir(name string, items []json.RawMessage, at string, depth int) (*Node, error) {
	d := NewDir(name)
	d.Children = make([]*Node, 0, len(items))
	seen := make(map[string]bool, len(items))

	for i, raw := range items {
		w, err := decode(raw, path.Join(at, fmt.Sprintf("[%d]", i)))
		if err != nil {
			return nil, err
		}
		entry := entryName(w)
		if w.FolderName != nil && p.opts.Ignore.skipFolder(entry) ||
			w.FolderName == nil && p.opts.Ignore.skipFile(entry) {
			continue
		}
		childPath := path.Join(at, entry)
		child, err := p.build(w, childPath, depth+1)
		if err != nil {
			return nil, err
		}
		if err := validName(child); err != nil {
			return nil, &MalformedTreeError{Path: childPath, Reason: err.Error()}
		}
		if seen[entry] {
			return nil, &MalformedTreeError{Path: childPath, Reason: "duplicate entry name"}
		}
		seen[entry] = true
		d.Children = append(d.Children, child)
	}
	return d, nil
}

func validName(n *Node) error {
	switch {
	case n.Name == "":
		return errors.New("empty name")
	case n.Name == "." || n.Name == ".." || n.FileName() == "..":
		return errors.New("relative name not allowed")
	case strings.ContainsAny(n.FileName(), "/\\\x00"):
		return errors.New("name contains a path separator")
	}
	return nil
}
