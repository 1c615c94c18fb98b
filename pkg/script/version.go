package script

import (
	"io"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// VersionScript assigns symbols to version nodes and decides which of them
// stay global:
//
//	versions:
//	  - name: LIBFOO_1.0
//	    global: [foo, "bar_*"]
//	    local: ["*"]
type VersionScript struct {
	Versions []*VersionNode `yaml:"versions"`
}

type VersionNode struct {
	// Name is empty for an anonymous version node.
	Name    string   `yaml:"name,omitempty"`
	Depends []string `yaml:"depends,omitempty"`
	Global  []string `yaml:"global,omitempty"`
	Local   []string `yaml:"local,omitempty"`
}

// VersionMatch is the outcome of looking a symbol up in a version script.
type VersionMatch struct {
	Node   *VersionNode
	Global bool
}

const (
	matchNone = iota
	matchStar
	matchWildcard
	matchExact
)

func LoadVersionScript(r io.Reader) (*VersionScript, error) {
	v := &VersionScript{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "decoding version script")
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

func LoadVersionScriptFile(path string) (*VersionScript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	v, err := LoadVersionScript(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return v, nil
}

func (v *VersionScript) Validate() error {
	seen := make(map[string]bool)
	anonymous := 0
	for i, node := range v.Versions {
		if node.Name == "" {
			anonymous++
			continue
		}
		if seen[node.Name] {
			return errors.Errorf("versions[%d]: duplicate version %s", i, node.Name)
		}
		seen[node.Name] = true
	}
	if anonymous > 0 && len(v.Versions) > 1 {
		return errors.New("an anonymous version node must be the only node")
	}
	for _, node := range v.Versions {
		for _, dep := range node.Depends {
			if !seen[dep] {
				return errors.Errorf("version %s depends on unknown version %s", node.Name, dep)
			}
		}
		for _, pat := range append(append([]string{}, node.Global...), node.Local...) {
			if !doublestar.ValidatePattern(pat) {
				return errors.Errorf("version %s: bad pattern %q", node.Name, pat)
			}
		}
	}
	return nil
}

// Lookup finds the node that claims sym. Exact names beat wildcard
// patterns, and any wildcard beats a lone "*".
func (v *VersionScript) Lookup(sym string) (VersionMatch, bool) {
	best := matchNone
	var out VersionMatch

	try := func(node *VersionNode, patterns []string, global bool) {
		for _, pat := range patterns {
			kind := classify(pat, sym)
			if kind > best {
				best = kind
				out = VersionMatch{Node: node, Global: global}
			}
		}
	}

	for _, node := range v.Versions {
		try(node, node.Global, true)
		try(node, node.Local, false)
	}
	return out, best != matchNone
}

func classify(pattern, sym string) int {
	if pattern == "*" {
		return matchStar
	}
	if !strings.ContainsAny(pattern, "*?[") {
		if pattern == sym {
			return matchExact
		}
		return matchNone
	}
	if ok, _ := doublestar.Match(pattern, sym); ok {
		return matchWildcard
	}
	return matchNone
}

// Index returns the 1-based version definition index of a named node as
// emitted into .gnu.version_d (index 1 is the file's own base version).
func (v *VersionScript) Index(node *VersionNode) uint16 {
	idx := uint16(2)
	for _, n := range v.Versions {
		if n.Name == "" {
			continue
		}
		if n == node {
			return idx
		}
		idx++
	}
	return 0
}

// Named returns the named version nodes in definition order.
func (v *VersionScript) Named() []*VersionNode {
	var out []*VersionNode
	for _, n := range v.Versions {
		if n.Name != "" {
			out = append(out, n)
		}
	}
	return out
}
