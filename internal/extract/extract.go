package extract

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Label classifies what kind of statement a candidate came from.
type Label string

const (
	LabelPreference Label = "preference"
	LabelAttribute  Label = "attribute"
	LabelNegation   Label = "negation"
	LabelNote       Label = "note"
	LabelSalient    Label = "salient"
)

// Rule turns a pattern match into a candidate fact.
// Pattern is matched case-insensitively. Template uses regexp.Expand syntax
// (${name} or $1). A candidate matching Exclude is dropped without claiming
// its span, so a later rule may still match there.
type Rule struct {
	Name     string `json:"name" yaml:"name"`
	Pattern  string `json:"pattern" yaml:"pattern"`
	Template string `json:"template" yaml:"template"`
	Label    Label  `json:"label" yaml:"label"`
	Exclude  string `json:"exclude,omitempty" yaml:"exclude,omitempty"`

	re      *regexp.Regexp
	exclude *regexp.Regexp
}

// Compile prepares the rule's expressions. It is idempotent.
func (r *Rule) Compile() error {
	if r.re != nil {
		return nil
	}
	if r.Name == "" {
		return fmt.Errorf("rule has no name")
	}
	if r.Pattern == "" {
		return fmt.Errorf("rule %q has no pattern", r.Name)
	}
	re, err := regexp.Compile("(?i)" + r.Pattern)
	if err != nil {
		return fmt.Errorf("rule %q: invalid pattern: %w", r.Name, err)
	}
	if r.Template == "" {
		r.Template = "$1"
	}
	if r.Label == "" {
		r.Label = LabelNote
	}
	if r.Exclude != "" {
		ex, err := regexp.Compile("(?i)" + r.Exclude)
		if err != nil {
			return fmt.Errorf("rule %q: invalid exclude: %w", r.Name, err)
		}
		r.exclude = ex
	}
	r.re = re
	return nil
}

// Candidate is a fact proposed by a rule, before scoring.
type Candidate struct {
	Text  string
	Label Label
	Rule  string
	// Start and End delimit the match in the utterance.
	Start int
	End   int
	// Salient is set when a salient-labeled match wraps this candidate.
	Salient bool
}

// ScoreLabel is the label used for importance: a candidate marked salient
// scores as salient whatever rule produced it.
func (c Candidate) ScoreLabel() Label {
	if c.Salient {
		return LabelSalient
	}
	return c.Label
}

// sentence is the capture used by the built-in rules: everything up to a
// clause terminator or a '.', '!' or '?' that ends a sentence. Terminators
// inside a token (3.11, sam@x.io) do not end it.
const sentence = `(?:[^.!?;\n]|[.!?][^\s.!?;])+`

// DefaultRules returns a fresh copy of the built-in rule table, in priority order.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			Name:     "preference",
			Pattern:  `\bI\s+(?P<verb>use|work with|like|prefer|have|am|do)\s+(?P<object>` + sentence + `)`,
			Template: "${verb} ${object}",
			Label:    LabelPreference,
			Exclude:  `^do\s+not\b`,
		},
		{
			Name:     "attribute",
			Pattern:  `\bmy\s+(?P<property>` + sentence + `?)\s+is\s+(?P<value>` + sentence + `)`,
			Template: "${property} is ${value}",
			Label:    LabelAttribute,
		},
		{
			Name:     "negation",
			Pattern:  `\bI\s+(?:don't|don’t|dont|do\s+not)\s+(?P<verb>use|like|want|have)\s+(?P<object>` + sentence + `)`,
			Template: "don't ${verb} ${object}",
			Label:    LabelNegation,
		},
		{
			Name:     "remember",
			Pattern:  `\bremember\s+that\s+(?P<fact>` + sentence + `)`,
			Template: "${fact}",
			Label:    LabelNote,
		},
		{
			Name:     "salient",
			Pattern:  `\b(?:FYI|Note|Important)\s*:\s*(?P<fact>` + sentence + `)`,
			Template: "${fact}",
			Label:    LabelSalient,
		},
	}
}

// Extractor applies an ordered rule table to utterances.
type Extractor struct {
	rules []*Rule
}

// New compiles rules and returns an extractor that applies them in order.
func New(rules ...*Rule) (*Extractor, error) {
	for _, r := range rules {
		if err := r.Compile(); err != nil {
			return nil, err
		}
	}
	return &Extractor{rules: rules}, nil
}

// Default returns an extractor over DefaultRules.
func Default() *Extractor {
	e, err := New(DefaultRules()...)
	if err != nil {
		panic(err)
	}
	return e
}

// Rules returns the extractor's rule table in priority order.
func (e *Extractor) Rules() []*Rule {
	return append([]*Rule(nil), e.rules...)
}

type span struct{ start, end int }

func (s span) overlaps(o span) bool {
	return s.start < o.end && o.start < s.end
}

// Extract returns the candidates found in utterance, ordered by position.
// Earlier rules claim their spans first; a later match overlapping a claimed
// span is dropped. A dropped salient match marks the candidates it overlaps
// as Salient.
func (e *Extractor) Extract(utterance string) []Candidate {
	var (
		claimed []span
		out     []Candidate
	)
	for _, r := range e.rules {
		for _, m := range r.re.FindAllStringSubmatchIndex(utterance, -1) {
			sp := span{m[0], m[1]}
			if overlapsAny(sp, claimed) {
				if r.Label == LabelSalient {
					markSalient(out, sp)
				}
				continue
			}
			text := trimCandidate(string(r.re.ExpandString(nil, r.Template, utterance, m)))
			if text == "" {
				continue
			}
			if r.exclude != nil && r.exclude.MatchString(text) {
				continue
			}
			claimed = append(claimed, sp)
			out = append(out, Candidate{Text: text, Label: r.Label, Rule: r.Name, Start: sp.start, End: sp.end})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func overlapsAny(sp span, claimed []span) bool {
	for _, c := range claimed {
		if sp.overlaps(c) {
			return true
		}
	}
	return false
}

func markSalient(out []Candidate, sp span) {
	for i := range out {
		if sp.overlaps(span{out[i].Start, out[i].End}) {
			out[i].Salient = true
		}
	}
}

// edgePunct is what trimCandidate strips from the ends of a capture. Symbols
// that belong to a token, like the '#' in C#, are kept.
const edgePunct = ".,;:!?\"'`“”‘’…"

func trimCandidate(s string) string {
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(edgePunct, r)
	})
	return strings.Join(strings.Fields(s), " ")
}
