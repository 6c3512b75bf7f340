// Package tree models a project's files as a template tree: the hierarchical
// folder/file structure exchanged with the editor front-end.
package tree

import (
	"encoding/json"
	"fmt"
)

// Node is either a file or a directory. Directories keep their children in
// insertion order; the order carries no meaning beyond stable diffing.
type Node struct {
	// Name is the folder name for directories, or the file name without its
	// extension for files.
	Name string

	// Extension is the file extension without the leading dot. Files only.
	Extension string

	// Content is the full file payload. Files only.
	Content []byte

	// Children are the entries of a directory. Directories only.
	Children []*Node

	dir bool
}

// NewFile returns a file node.
func NewFile(name, ext string, content []byte) *Node {
	return &Node{Name: name, Extension: ext, Content: content}
}

// NewDir returns a directory node holding the given children.
func NewDir(name string, children ...*Node) *Node {
	return &Node{Name: name, Children: children, dir: true}
}

// IsDir reports whether n is a directory.
func (n *Node) IsDir() bool { return n.dir }

// FileName is the entry name the node occupies on disk: "name.ext" for files
// with an extension, the bare name otherwise.
func (n *Node) FileName() string {
	if n.dir || n.Extension == "" {
		return n.Name
	}
	return n.Name + "." + n.Extension
}

// Child returns the direct child whose on-disk name is name.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.FileName() == name {
			return c
		}
	}
	return nil
}

// wireNode is the JSON shape shared with the editor: directories are
// {folderName, items}, files are {filename, fileExtension, content}.
type wireNode struct {
	FolderName    *string            `json:"folderName"`
	Items         *[]json.RawMessage `json:"items"`
	Filename      *string            `json:"filename"`
	FileExtension *string            `json:"fileExtension"`
	Content       *string            `json:"content"`
}

type wireDir struct {
	FolderName string  `json:"folderName"`
	Items      []*Node `json:"items"`
}

type wireFile struct {
	Filename      string `json:"filename"`
	FileExtension string `json:"fileExtension"`
	Content       string `json:"content"`
}

// MarshalJSON encodes n in the editor's wire shape.
func (n *Node) MarshalJSON() ([]byte, error) {
	if n.dir {
		items := n.Children
		if items == nil {
			items = []*Node{}
		}
		return json.Marshal(wireDir{FolderName: n.Name, Items: items})
	}
	return json.Marshal(wireFile{Filename: n.Name, FileExtension: n.Extension, Content: string(n.Content)})
}

// UnmarshalJSON decodes n with default parse options.
func (n *Node) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data, ParseOptions{})
	if err != nil {
		return err
	}
	*n = *parsed
	return nil
}

// Count returns the number of files and directories below and including n.
func (n *Node) Count() (files, dirs int) {
	if !n.dir {
		return 1, 0
	}
	dirs = 1
	for _, c := range n.Children {
		f, d := c.Count()
		files += f
		dirs += d
	}
	return files, dirs
}

func (n *Node) String() string {
	if n.dir {
		return fmt.Sprintf("dir(%s, %d items)", n.Name, len(n.Children))
	}
	return fmt.Sprintf("file(%s, %d bytes)", n.FileName(), len(n.Content))
}
