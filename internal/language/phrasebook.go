package language

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed phrasebook.yaml
var defaultPhrasebook []byte

// LineKind selects one of the fixed lines a call may hear.
type LineKind string

const (
	LineGreeting      LineKind = "greeting"
	LineNoInput       LineKind = "no_input"
	LineErrorRecovery LineKind = "error_recovery"
	LineTransfer      LineKind = "transfer"
	LineGoodbye       LineKind = "goodbye"
)

// Lines holds the canned lines and switch triggers for one language.
type Lines struct {
	Name           string   `yaml:"name"`
	Greeting       string   `yaml:"greeting"`
	NoInput        string   `yaml:"no_input"`
	ErrorRecovery  string   `yaml:"error_recovery"`
	Transfer       string   `yaml:"transfer"`
	Goodbye        string   `yaml:"goodbye"`
	SwitchTriggers []string `yaml:"switch_triggers"`
}

// Phrasebook is the per-language table of fixed replies and switch patterns.
type Phrasebook struct {
	Languages map[Tag]Lines `yaml:"languages"`

	order    []Tag
	triggers map[Tag][]*regexp.Regexp
}

// DefaultPhrasebook returns the embedded English/Hindi phrasebook.
func DefaultPhrasebook() *Phrasebook {
	book, err := ParsePhrasebook(defaultPhrasebook)
	if err != nil {
		panic(fmt.Sprintf("embedded phrasebook is invalid: %v", err))
	}
	return book
}

// LoadPhrasebook reads a phrasebook file; an empty path yields the default.
func LoadPhrasebook(path string) (*Phrasebook, error) {
	if path == "" {
		return DefaultPhrasebook(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read phrasebook: %w", err)
	}
	return ParsePhrasebook(raw)
}

func ParsePhrasebook(raw []byte) (*Phrasebook, error) {
	var book Phrasebook
	if err := yaml.Unmarshal(raw, &book); err != nil {
		return nil, fmt.Errorf("parse phrasebook: %w", err)
	}
	if len(book.Languages) == 0 {
		return nil, fmt.Errorf("phrasebook defines no languages")
	}

	book.triggers = make(map[Tag][]*regexp.Regexp, len(book.Languages))
	for tag, lines := range book.Languages {
		if lines.NoInput == "" || lines.ErrorRecovery == "" {
			return nil, fmt.Errorf("phrasebook language %s needs no_input and error_recovery lines", tag)
		}
		for _, pattern := range lines.SwitchTriggers {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("phrasebook language %s trigger %q: %w", tag, pattern, err)
			}
			book.triggers[tag] = append(book.triggers[tag], re)
		}
		book.order = append(book.order, tag)
	}
	sort.Slice(book.order, func(i, j int) bool { return book.order[i] < book.order[j] })
	return &book, nil
}

// Supported lists the phrasebook languages in a stable order.
func (p *Phrasebook) Supported() []Tag {
	return append([]Tag(nil), p.order...)
}

// Has reports whether tag has an entry.
func (p *Phrasebook) Has(tag Tag) bool {
	_, ok := p.Languages[tag]
	return ok
}

// Line returns the requested line in tag, falling back to English and then
// to any configured language so a caller always hears something.
func (p *Phrasebook) Line(tag Tag, kind LineKind) string {
	for _, candidate := range []Tag{tag, English} {
		if lines, ok := p.Languages[candidate]; ok {
			if s := lines.line(kind); s != "" {
				return s
			}
		}
	}
	for _, candidate := range p.order {
		if s := p.Languages[candidate].line(kind); s != "" {
			return s
		}
	}
	return ""
}

// Name returns the human-readable language name used in prompts.
func (p *Phrasebook) Name(tag Tag) string {
	if lines, ok := p.Languages[tag]; ok && lines.Name != "" {
		return lines.Name
	}
	return string(tag)
}

func (l Lines) line(kind LineKind) string {
	switch kind {
	case LineGreeting:
		return l.Greeting
	case LineNoInput:
		return l.NoInput
	case LineErrorRecovery:
		return l.ErrorRecovery
	case LineTransfer:
		return l.Transfer
	case LineGoodbye:
		return l.Goodbye
	default:
		return ""
	}
}
