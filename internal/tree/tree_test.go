package tree

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTree = `{
  "folderName": "root",
  "items": [
    {"filename": "package", "fileExtension": "json", "content": "{\"name\":\"app\"}"},
    {"folderName": "src", "items": [
      {"filename": "index", "fileExtension": "js", "content": "console.log(1)\n"},
      {"folderName": "lib", "items": [
        {"filename": "util", "fileExtension": "ts", "content": "export {}\n"}
      ]}
    ]},
    {"filename": "Makefile", "fileExtension": "", "content": "all:\n"}
  ]
}`

func mustParse(t *testing.T, data string) *Node {
	t.Helper()
	root, err := Parse([]byte(data), ParseOptions{})
	require.NoError(t, err)
	return root
}

// ---------------------------------------------------------------------------
// Parse
// ---------------------------------------------------------------------------

func TestParse_Valid(t *testing.T) {
	root := mustParse(t, sampleTree)

	assert.True(t, root.IsDir())
	assert.Equal(t, "root", root.Name)
	require.Len(t, root.Children, 3)
	assert.Equal(t, "package.json", root.Children[0].FileName())
	assert.Equal(t, "src", root.Children[1].FileName())
	assert.Equal(t, "Makefile", root.Children[2].FileName())

	files, dirs := root.Count()
	assert.Equal(t, 4, files)
	assert.Equal(t, 3, dirs)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		reason string
	}{
		{
			name:   "duplicate file",
			input:  `{"folderName":"r","items":[{"filename":"a","fileExtension":"js","content":""},{"filename":"a","fileExtension":"js","content":"x"}]}`,
			reason: "duplicate",
		},
		{
			name:   "duplicate folder",
			input:  `{"folderName":"r","items":[{"folderName":"src","items":[]},{"folderName":"src","items":[]}]}`,
			reason: "duplicate",
		},
		{
			name:   "file and folder share a name",
			input:  `{"folderName":"r","items":[{"folderName":"bin","items":[]},{"filename":"bin","fileExtension":"","content":""}]}`,
			reason: "duplicate",
		},
		{
			name:   "root is a file",
			input:  `{"filename":"a","fileExtension":"js","content":""}`,
			reason: "root must be a folder",
		},
		{
			name:   "folder without items",
			input:  `{"folderName":"r","items":[{"folderName":"src"}]}`,
			reason: "missing items",
		},
		{
			name:   "file without content",
			input:  `{"folderName":"r","items":[{"filename":"a","fileExtension":"js"}]}`,
			reason: "missing content",
		},
		{
			name:   "untyped entry",
			input:  `{"folderName":"r","items":[{}]}`,
			reason: "needs folderName or filename",
		},
		{
			name:   "path separator in name",
			input:  `{"folderName":"r","items":[{"filename":"../etc/passwd","fileExtension":"","content":""}]}`,
			reason: "",
		},
		{
			name:   "invalid json",
			input:  `{"folderName":`,
			reason: "invalid json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input), ParseOptions{})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedTree)

			var mte *MalformedTreeError
			require.ErrorAs(t, err, &mte)
			assert.Contains(t, mte.Reason, tt.reason)
		})
	}
}

func TestParse_Limits(t *testing.T) {
	deep := `{"filename":"leaf","fileExtension":"","content":""}`
	for i := 0; i < 5; i++ {
		deep = `{"folderName":"d","items":[` + deep + `]}`
	}

	_, err := Parse([]byte(deep), ParseOptions{MaxDepth: 3})
	assert.ErrorIs(t, err, ErrMalformedTree)

	_, err = Parse([]byte(deep), ParseOptions{MaxDepth: 10})
	assert.NoError(t, err)

	_, err = Parse([]byte(sampleTree), ParseOptions{MaxNodes: 3})
	assert.ErrorIs(t, err, ErrMalformedTree)

	big := `{"folderName":"r","items":[{"filename":"big","fileExtension":"txt","content":"` + strings.Repeat("x", 64) + `"}]}`
	_, err = Parse([]byte(big), ParseOptions{MaxFileSize: 32})
	assert.ErrorIs(t, err, ErrMalformedTree)
}

func TestParse_Ignore(t *testing.T) {
	input := `{"folderName":"r","items":[
		{"folderName":"node_modules","items":[{"filename":"x","fileExtension":"js","content":""}]},
		{"filename":"package-lock","fileExtension":"json","content":"{}"},
		{"filename":".env","fileExtension":"","content":"SECRET=1"},
		{"filename":"index","fileExtension":"js","content":""}
	]}`

	root, err := Parse([]byte(input), ParseOptions{Ignore: &DefaultIgnore})
	require.NoError(t, err)
	require.Len(t, root.Children, 1)
	assert.Equal(t, "index.js", root.Children[0].FileName())

	root, err = Parse([]byte(input), ParseOptions{})
	require.NoError(t, err)
	assert.Len(t, root.Children, 4)
}

func TestMarshalJSON_WireShape(t *testing.T) {
	root := NewDir("root",
		NewFile("index", "html", []byte("<p>hi</p>")),
		NewDir("empty"),
	)

	data, err := json.Marshal(root)
	require.NoError(t, err)
	assert.JSONEq(t, `{"folderName":"root","items":[
		{"filename":"index","fileExtension":"html","content":"<p>hi</p>"},
		{"folderName":"empty","items":[]}
	]}`, string(data))

	back, err := Parse(data, ParseOptions{})
	require.NoError(t, err)
	assert.True(t, Compare(root, back).Empty())
}

// ---------------------------------------------------------------------------
// Walk
// ---------------------------------------------------------------------------

func TestWalk_OrderAndPaths(t *testing.T) {
	root := mustParse(t, sampleTree)

	var paths []string
	for p := range Walk(root) {
		paths = append(paths, p)
	}
	assert.Equal(t, []string{"package.json", "src/index.js", "src/lib/util.ts", "Makefile"}, paths)

	// Walking again yields the same sequence.
	var again []string
	for p := range Walk(root) {
		again = append(again, p)
	}
	assert.Equal(t, paths, again)
}

func TestWalk_StopsEarly(t *testing.T) {
	root := mustParse(t, sampleTree)
	n := 0
	for range Walk(root) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestLookup(t *testing.T) {
	root := mustParse(t, sampleTree)
	f := Lookup(root, "src/lib/util.ts")
	require.NotNil(t, f)
	assert.Equal(t, "export {}\n", string(f.Content))
	assert.Nil(t, Lookup(root, "src/missing.js"))
}

// ---------------------------------------------------------------------------
// Compare
// ---------------------------------------------------------------------------

func TestCompare_Identical(t *testing.T) {
	root := mustParse(t, sampleTree)
	assert.True(t, Compare(root, root).Empty())
	assert.True(t, Compare(root, mustParse(t, sampleTree)).Empty())
	assert.True(t, Compare(nil, nil).Empty())
}

func TestCompare_Changes(t *testing.T) {
	old := NewDir("r",
		NewFile("a", "js", []byte("1")),
		NewFile("b", "js", []byte("2")),
		NewDir("gone", NewFile("x", "txt", []byte("x")), NewDir("deeper", NewFile("y", "txt", []byte("y")))),
	)
	next := NewDir("r",
		NewFile("a", "js", []byte("1")),
		NewFile("b", "js", []byte("22")),
		NewDir("fresh", NewFile("z", "txt", []byte("z"))),
	)

	d := Compare(old, next)
	assert.Equal(t, []string{"fresh/z.txt"}, changePaths(d.Added))
	assert.Equal(t, []string{"b.js"}, changePaths(d.Modified))
	assert.Equal(t, []string{"gone/deeper/y.txt", "gone/x.txt"}, changePaths(d.Removed))
	assert.Equal(t, 4, d.Len())
	assert.Equal(t, "+1 ~1 -2", d.String())

	// Same bytes under a moved directory count as remove + add.
	moved := NewDir("r", NewDir("src", NewFile("a", "js", []byte("1"))))
	d = Compare(NewDir("r", NewFile("a", "js", []byte("1"))), moved)
	assert.Equal(t, []string{"src/a.js"}, changePaths(d.Added))
	assert.Equal(t, []string{"a.js"}, changePaths(d.Removed))
}

func TestCompare_FromNil(t *testing.T) {
	root := mustParse(t, sampleTree)
	d := Compare(nil, root)
	assert.Len(t, d.Added, 4)
	assert.Empty(t, d.Modified)
	assert.Empty(t, d.Removed)
}

func TestDiffStats(t *testing.T) {
	old := NewDir("r", NewFile("a", "txt", []byte("one\ntwo\nthree\n")), NewFile("b", "txt", []byte("x\ny\n")))
	next := NewDir("r", NewFile("a", "txt", []byte("one\n2\nthree\nfour\n")), NewFile("c", "txt", []byte("c\n")))

	s := Compare(old, next).Stats()
	// a.txt: -two +2 +four; b.txt removed (2 lines); c.txt added (1 line)
	assert.Equal(t, LineStats{Inserted: 3, Deleted: 3}, s)
}

func TestDiffStats_MarkerLikeContent(t *testing.T) {
	old := NewDir("r", NewFile("notes", "md", []byte("keep\n-- a\n")))
	next := NewDir("r", NewFile("notes", "md", []byte("keep\n++ b\n")))

	s := Compare(old, next).Stats()
	assert.Equal(t, LineStats{Inserted: 1, Deleted: 1}, s)
}

func TestCompare_RemovedDirs(t *testing.T) {
	old := NewDir("r",
		NewDir("a", NewFile("b", "", []byte("b"))),
		NewDir("gone", NewDir("deeper", NewFile("y", "txt", nil)), NewFile("x", "txt", nil)),
		NewDir("src", NewFile("main", "ts", nil), NewDir("old", NewFile("z", "ts", nil))),
	)
	next := NewDir("r",
		NewFile("a", "", []byte("now a file")),
		NewDir("src", NewFile("main", "ts", nil)),
	)

	d := Compare(old, next)
	assert.Equal(t, []string{"a", "gone", "src/old"}, d.RemovedDirs)
	assert.Equal(t, []string{"a"}, changePaths(d.Added))

	assert.Empty(t, Compare(next, old).RemovedDirs)
	assert.Empty(t, Compare(old, old).RemovedDirs)
}

func changePaths(cs []Change) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Path)
	}
	return out
}
