package absa

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Task is an evaluation task: which tuple elements are predicted.
type Task string

const (
	TaskASQP Task = "asqp" // aspect term, category, polarity, opinion term
	TaskTASD Task = "tasd" // aspect term, category, polarity
	TaskACD  Task = "acd"  // aspect category only
)

// ParseTask validates a task name.
func ParseTask(s string) (Task, error) {
	switch t := Task(strings.ToLower(strings.TrimSpace(s))); t {
	case TaskASQP, TaskTASD, TaskACD:
		return t, nil
	}
	return "", &ConfigError{Field: "task", Msg: fmt.Sprintf("unknown task %q (want asqp, tasd or acd)", s)}
}

// Elements returns the elements the task predicts, in canonical order.
func (t Task) Elements() []SentimentElement {
	switch t {
	case TaskASQP:
		return []SentimentElement{AspectTerm, AspectCategory, SentimentPolarity, OpinionTerm}
	case TaskTASD:
		return []SentimentElement{AspectTerm, AspectCategory, SentimentPolarity}
	case TaskACD:
		return []SentimentElement{AspectCategory}
	}
	return nil
}

// DataDir is the directory holding the task's splits. acd reuses the tasd annotations.
func (t Task) DataDir() string {
	if t == TaskACD {
		return string(TaskTASD)
	}
	return string(t)
}

// ImplicitAspect reports whether NULL aspect terms are allowed for the task.
func (t Task) ImplicitAspect() bool { return t != TaskACD }

// tupleOrder is the position of each element inside a gold tuple.
var tupleOrder = []SentimentElement{AspectTerm, AspectCategory, SentimentPolarity, OpinionTerm}

// LoadEvalSplit reads a split file of "text####[('at', 'ac', 'pol', 'ot'), ...]" lines and
// projects every tuple onto the task's elements. For acd duplicate categories of one text
// are collapsed, keeping the first.
func LoadEvalSplit(path string, task Task) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("LoadEvalSplit: %w", err)
	}
	defer f.Close()

	elements := task.Elements()
	if len(elements) == 0 {
		return nil, fmt.Errorf("LoadEvalSplit: unknown task %q", task)
	}

	var out []Example
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		text, tuples, err := ParseTupleLine(line)
		if err != nil {
			return nil, fmt.Errorf("LoadEvalSplit: %s:%d: %w", path, lineNo, err)
		}
		labels, err := projectTuples(tuples, elements, task == TaskACD)
		if err != nil {
			return nil, fmt.Errorf("LoadEvalSplit: %s:%d: %w", path, lineNo, err)
		}
		out = append(out, Example{Text: text, Label: labels})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("LoadEvalSplit: %w", err)
	}
	return out, nil
}

func projectTuples(tuples [][]string, elements []SentimentElement, dedupe bool) ([]Label, error) {
	labels := make([]Label, 0, len(tuples))
	seen := map[Label]bool{}
	for _, tup := range tuples {
		var l Label
		for _, e := range elements {
			pos := -1
			for i, k := range tupleOrder {
				if k == e {
					pos = i
				}
			}
			if pos >= len(tup) {
				return nil, fmt.Errorf("tuple %v has no %s", tup, e)
			}
			l.Set(e, tup[pos])
		}
		if dedupe {
			if seen[l] {
				continue
			}
			seen[l] = true
		}
		labels = append(labels, l)
	}
	return labels, nil
}

// Vocabularies collects the aspect categories and polarities used in examples, in order of
// first appearance.
func Vocabularies(examples ...[]Example) (categories, polarities []string) {
	var cats, pols []string
	for _, set := range examples {
		for _, ex := range set {
			for _, l := range ex.Label {
				cats = append(cats, l.AspectCategory)
				pols = append(pols, l.SentimentPolarity)
			}
		}
	}
	return NewValueSet(cats...).Values(), NewValueSet(pols...).Values()
}

// ParseTupleLine splits a "text####tuples" line and parses the tuple list.
func ParseTupleLine(line string) (string, [][]string, error) {
	text, lit, ok := strings.Cut(line, "####")
	if !ok {
		return "", nil, errors.New(`missing "####" separator`)
	}
	tuples, err := parseTupleList(lit)
	if err != nil {
		return "", nil, err
	}
	return strings.TrimSpace(text), tuples, nil
}

// parseTupleList parses a list of string tuples written as a Python literal, for example
// [('pizza', 'food quality', 'positive', 'great'), ("chef's", ...)].
func parseTupleList(s string) ([][]string, error) {
	p := &litParser{s: s}
	p.skipSpace()
	if !p.consume('[') {
		return nil, p.errorf("expected '['")
	}
	out := [][]string{}
	for {
		p.skipSpace()
		if p.consume(']') {
			break
		}
		var close byte
		switch {
		case p.consume('('):
			close = ')'
		case p.consume('['):
			close = ']'
		default:
			return nil, p.errorf("expected tuple")
		}
		var tup []string
		for {
			p.skipSpace()
			if p.consume(close) {
				break
			}
			v, err := p.str()
			if err != nil {
				return nil, err
			}
			tup = append(tup, v)
			p.skipSpace()
			if p.consume(',') {
				continue
			}
			if !p.consume(close) {
				return nil, p.errorf("expected ',' or closing bracket")
			}
			break
		}
		out = append(out, tup)
		p.skipSpace()
		if p.consume(',') {
			continue
		}
		if !p.consume(']') {
			return nil, p.errorf("expected ',' or ']'")
		}
		break
	}
	p.skipSpace()
	if p.pos != len(p.s) {
		return nil, p.errorf("trailing characters")
	}
	return out, nil
}

type litParser struct {
	s   string
	pos int
}

func (p *litParser) errorf(format string, args ...any) error {
	return fmt.Errorf("tuple literal at offset %d: %s", p.pos, fmt.Sprintf(format, args...))
}

func (p *litParser) skipSpace() {
	for p.pos < len(p.s) && strings.IndexByte(" \t\r\n", p.s[p.pos]) >= 0 {
		p.pos++
	}
}

func (p *litParser) consume(c byte) bool {
	if p.pos < len(p.s) && p.s[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

// str reads a single- or double-quoted string with backslash escapes.
func (p *litParser) str() (string, error) {
	if p.pos >= len(p.s) || (p.s[p.pos] != '\'' && p.s[p.pos] != '"') {
		return "", p.errorf("expected quoted string")
	}
	quote := p.s[p.pos]
	p.pos++
	var b strings.Builder
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		switch {
		case c == quote:
			p.pos++
			return b.String(), nil
		case c == '\\' && p.pos+1 < len(p.s):
			next := p.s[p.pos+1]
			switch next {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(next)
			}
			p.pos += 2
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return "", p.errorf("unterminated string")
}
