package materialize

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"

	"github.com/jxucoder/remoterunner/internal/sandbox"
	"github.com/jxucoder/remoterunner/internal/tree"
)

// Adaptation rewrites files the target environment cannot use as authored.
type Adaptation struct {
	Name string
	// Match selects the files the adaptation applies to.
	Match func(path string, f *tree.Node) bool
	// Transform returns the content to write instead.
	Transform func(data []byte) ([]byte, error)
}

// Adaptations is an ordered table; every matching entry applies in turn.
type Adaptations []Adaptation

// Apply returns f's content after all matching adaptations.
func (as Adaptations) Apply(path string, f *tree.Node) ([]byte, error) {
	data := f.Content
	for _, a := range as {
		if a.Match == nil || !a.Match(path, f) {
			continue
		}
		out, err := a.Transform(data)
		if err != nil {
			return nil, &adaptError{name: a.Name, err: err}
		}
		data = out
	}
	return data, nil
}

type adaptError struct {
	name string
	err  error
}

func (e *adaptError) Error() string { return "adaptation " + e.name + ": " + e.err.Error() }
func (e *adaptError) Unwrap() error { return e.err }

// IsPackageJSON matches package.json files at any depth.
func IsPackageJSON(_ string, f *tree.Node) bool {
	return f.Name == "package" && f.Extension == "json"
}

// ForRuntime builds the adaptation table for rt: script flags the runtime
// declares unsupported plus any configured extras.
func ForRuntime(rt sandbox.Runtime, extraFlags []string) Adaptations {
	var flags []string
	for _, f := range append(sandbox.UnsupportedScriptFlags(rt), extraFlags...) {
		if f = strings.TrimSpace(f); f != "" && !slices.Contains(flags, f) {
			flags = append(flags, f)
		}
	}
	if len(flags) == 0 {
		return nil
	}
	return Adaptations{StripScriptFlags(flags...)}
}

// StripScriptFlags removes the given command-line flags (bare, or in
// --flag=value form) from every package.json script. Formatting outside the
// edited script strings is preserved. Content that is not valid JSON is
// written unchanged.
func StripScriptFlags(flags ...string) Adaptation {
	return Adaptation{
		Name:  "strip-script-flags",
		Match: IsPackageJSON,
		Transform: func(data []byte) ([]byte, error) {
			return rewriteScripts(data, func(cmd string) string { return stripFlags(cmd, flags) }), nil
		},
	}
}

func stripFlags(cmd string, flags []string) string {
	fields := strings.Fields(cmd)
	kept := fields[:0:0]
	for _, f := range fields {
		drop := false
		for _, flag := range flags {
			if f == flag || strings.HasPrefix(f, flag+"=") {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, f)
		}
	}
	if len(kept) == len(fields) {
		return cmd
	}
	return strings.Join(kept, " ")
}

type edit struct {
	start, end int
	lit        []byte
}

// rewriteScripts applies rewrite to each string value of the top-level
// "scripts" object, splicing new literals into data in place.
func rewriteScripts(data []byte, rewrite func(string) string) []byte {
	base, scripts, ok := memberValue(data, "scripts")
	if !ok {
		return data
	}

	dec := json.NewDecoder(bytes.NewReader(scripts))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return data
	}
	var edits []edit
	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return data
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return data
		}
		end := int(dec.InputOffset())
		var cmd string
		if json.Unmarshal(raw, &cmd) != nil {
			continue
		}
		next := rewrite(cmd)
		if next == cmd {
			continue
		}
		lit, err := encodeString(next)
		if err != nil {
			return data
		}
		edits = append(edits, edit{start: base + end - len(raw), end: base + end, lit: lit})
	}
	if len(edits) == 0 {
		return data
	}

	out := make([]byte, 0, len(data))
	prev := 0
	for _, e := range edits {
		out = append(out, data[prev:e.start]...)
		out = append(out, e.lit...)
		prev = e.end
	}
	return append(out, data[prev:]...)
}

// memberValue locates the raw value of a top-level object member, returning
// its offset in data.
func memberValue(data []byte, key string) (int, []byte, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return 0, nil, false
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return 0, nil, false
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return 0, nil, false
		}
		if name, _ := tok.(string); name == key {
			end := int(dec.InputOffset())
			return end - len(raw), raw, true
		}
	}
	return 0, nil, false
}

func encodeString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
