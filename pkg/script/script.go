// Package script holds the linker-script AST consumed by the linker core.
//
// Scripts are written as YAML documents that mirror the SECTIONS command
// of a GNU ld script:
//
//	entry: _start
//	sections:
//	  - assign: {symbol: ".", expr: "0x400000 + SIZEOF_HEADERS"}
//	  - output:
//	      name: .text
//	      items:
//	        - input: {file: "*", sections: [".text", ".text.*"]}
//	  - output:
//	      name: /DISCARD/
//	      items:
//	        - input: {sections: [".comment"]}
package script

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DiscardSection is the name of the pseudo output section whose inputs are
// dropped from the link.
const DiscardSection = "/DISCARD/"

// LocationCounter is the symbol name of ".".
const LocationCounter = "."

type Script struct {
	Entry    string       `yaml:"entry,omitempty"`
	Sections []*Statement `yaml:"sections,omitempty"`
}

// Statement is one command inside SECTIONS: exactly one of Assign and
// Output is set.
type Statement struct {
	Assign *Assignment    `yaml:"assign,omitempty"`
	Output *OutputSection `yaml:"output,omitempty"`
}

type OutputSection struct {
	Name    string  `yaml:"name"`
	Address *Expr   `yaml:"address,omitempty"`
	Align   *Expr   `yaml:"align,omitempty"`
	NoLoad  bool    `yaml:"noload,omitempty"`
	Items   []*Item `yaml:"items,omitempty"`
}

// Item is one entry of an output section description: exactly one of
// Input and Assign is set.
type Item struct {
	Input  *InputPattern `yaml:"input,omitempty"`
	Assign *Assignment   `yaml:"assign,omitempty"`
}

// InputPattern selects input sections. File is matched against the object
// file name, or "archive:member" for archive members. An empty File matches
// every file.
type InputPattern struct {
	File     string   `yaml:"file,omitempty"`
	Sections []string `yaml:"sections"`
	Exclude  []string `yaml:"exclude,omitempty"`
	Keep     bool     `yaml:"keep,omitempty"`
}

type Assignment struct {
	Symbol  string `yaml:"symbol"`
	Expr    *Expr  `yaml:"expr"`
	Provide bool   `yaml:"provide,omitempty"`
	Hidden  bool   `yaml:"hidden,omitempty"`
}

func (a *Assignment) IsDot() bool {
	return a.Symbol == LocationCounter
}

// Load decodes and validates a script.
func Load(r io.Reader) (*Script, error) {
	s := &Script{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "decoding linker script")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func LoadFile(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s, err := Load(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return s, nil
}

func (s *Script) Validate() error {
	for i, st := range s.Sections {
		if (st.Assign == nil) == (st.Output == nil) {
			return errors.Errorf("sections[%d]: exactly one of assign or output is required", i)
		}
		if st.Assign != nil {
			if err := st.Assign.validate(); err != nil {
				return errors.Wrapf(err, "sections[%d]", i)
			}
			continue
		}

		osec := st.Output
		if osec.Name == "" {
			return errors.Errorf("sections[%d]: output section without a name", i)
		}
		for j, item := range osec.Items {
			if (item.Input == nil) == (item.Assign == nil) {
				return errors.Errorf("%s: items[%d]: exactly one of input or assign is required", osec.Name, j)
			}
			if item.Assign != nil {
				if err := item.Assign.validate(); err != nil {
					return errors.Wrapf(err, "%s: items[%d]", osec.Name, j)
				}
			}
			if item.Input != nil && len(item.Input.Sections) == 0 {
				return errors.Errorf("%s: items[%d]: input pattern without sections", osec.Name, j)
			}
		}
	}
	return nil
}

func (a *Assignment) validate() error {
	if a.Symbol == "" {
		return errors.New("assignment without a symbol")
	}
	if a.Expr == nil {
		return errors.Errorf("assignment to %s without an expression", a.Symbol)
	}
	if a.Provide && a.IsDot() {
		return errors.New("PROVIDE of the location counter")
	}
	return nil
}

// OutputSections returns the output section descriptions in script order.
func (s *Script) OutputSections() []*OutputSection {
	var out []*OutputSection
	for _, st := range s.Sections {
		if st.Output != nil {
			out = append(out, st.Output)
		}
	}
	return out
}
