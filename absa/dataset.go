package absa

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/theimaginaryfoundation/anno-absa/absa/fileutils"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	ErrIndexOutOfRange   = errors.New("index out of range")
	ErrUnsupportedFormat = errors.New("unsupported data format")
)

// Format is the on-disk representation of a dataset.
type Format string

const (
	// FormatCSV stores one row per text; the "label" column holds a JSON-encoded list of records.
	FormatCSV Format = "csv"
	// FormatJSON stores a list of objects; "label" is a native list of records.
	FormatJSON Format = "json"
)

const (
	textColumn        = "text"
	labelColumn       = "label"
	translationColumn = "translation"
)

// Store reads and rewrites one dataset file.
type Store struct {
	path   string
	format Format
}

// OpenStore picks the format from the file extension. The file itself is read by Load.
func OpenStore(path string) (*Store, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return &Store{path: path, format: FormatCSV}, nil
	case ".json":
		return &Store{path: path, format: FormatJSON}, nil
	}
	return nil, fmt.Errorf("OpenStore: %s: %w", path, ErrUnsupportedFormat)
}

func (s *Store) Path() string   { return s.path }
func (s *Store) Format() Format { return s.format }

// Load reads the whole file. A missing file is reported with an error wrapping fs.ErrNotExist.
func (s *Store) Load() (*Table, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	t := &Table{format: s.format}
	switch s.format {
	case FormatJSON:
		if err := json.Unmarshal(b, &t.items); err != nil {
			return nil, fmt.Errorf("Load: parse %s: %w", s.path, err)
		}
		for i, it := range t.items {
			if it == nil {
				t.items[i] = orderedmap.New[string, any]()
			}
		}
	default:
		if err := t.readCSV(b); err != nil {
			return nil, fmt.Errorf("Load: parse %s: %w", s.path, err)
		}
	}
	return t, nil
}

// Save rewrites the whole file atomically.
func (s *Store) Save(t *Table) error {
	switch s.format {
	case FormatJSON:
		items := t.items
		if items == nil {
			items = []*orderedmap.OrderedMap[string, any]{}
		}
		if err := fileutils.WriteJSONFileAtomic(s.path, items, true); err != nil {
			return fmt.Errorf("Save: %w", err)
		}
		return nil
	default:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write(t.header); err != nil {
			return fmt.Errorf("Save: %w", err)
		}
		if err := w.WriteAll(t.rows); err != nil {
			return fmt.Errorf("Save: %w", err)
		}
		if err := fileutils.WriteFileAtomicSameDir(s.path, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("Save: %w", err)
		}
		return nil
	}
}

// Table is an in-memory copy of a dataset.
type Table struct {
	format Format

	header []string
	rows   [][]string

	items []*orderedmap.OrderedMap[string, any]
}

func (t *Table) readCSV(b []byte) error {
	r := csv.NewReader(bytes.NewReader(b))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return errors.New("missing header row")
	}
	t.header = records[0]
	if len(t.header) > 0 {
		t.header[0] = strings.TrimPrefix(t.header[0], "\ufeff")
	}
	t.rows = records[1:]
	for i, row := range t.rows {
		for len(row) < len(t.header) {
			row = append(row, "")
		}
		t.rows[i] = row
	}
	return nil
}

func (t *Table) column(name string) int {
	for i, h := range t.header {
		if h == name {
			return i
		}
	}
	return -1
}

func (t *Table) Len() int {
	if t.format == FormatJSON {
		return len(t.items)
	}
	return len(t.rows)
}

func (t *Table) check(i int) error {
	if i < 0 || i >= t.Len() {
		return fmt.Errorf("row %d of %d: %w", i, t.Len(), ErrIndexOutOfRange)
	}
	return nil
}

// Row returns the UI view of row i. JSON rows expose text, label (JSON-encoded, or "" when
// unannotated or empty) and translation. CSV rows expose every column plus translation.
func (t *Table) Row(i int) (map[string]any, error) {
	if err := t.check(i); err != nil {
		return nil, err
	}
	if t.format == FormatJSON {
		it := t.items[i]
		label := ""
		if v, ok := it.Get(labelColumn); ok && !isEmptyLabel(v) {
			b, err := marshalCompact(v)
			if err != nil {
				return nil, fmt.Errorf("Row: %w", err)
			}
			label = string(b)
		}
		return map[string]any{
			textColumn:        stringField(it, textColumn),
			labelColumn:       label,
			translationColumn: stringField(it, translationColumn),
		}, nil
	}

	row := t.rows[i]
	out := make(map[string]any, len(t.header)+1)
	for c, h := range t.header {
		out[h] = row[c]
	}
	if _, ok := out[translationColumn]; !ok {
		out[translationColumn] = ""
	}
	return out, nil
}

// Text returns the text of row i.
func (t *Table) Text(i int) (string, error) {
	if err := t.check(i); err != nil {
		return "", err
	}
	if t.format == FormatJSON {
		return stringField(t.items[i], textColumn), nil
	}
	c := t.column(textColumn)
	if c < 0 {
		return "", nil
	}
	return t.rows[i][c], nil
}

// SetLabel stores value as the annotation of row i.
func (t *Table) SetLabel(i int, value []any) error {
	if err := t.check(i); err != nil {
		return err
	}
	if value == nil {
		value = []any{}
	}
	if t.format == FormatJSON {
		t.items[i].Set(labelColumn, value)
		return nil
	}
	b, err := marshalCompact(value)
	if err != nil {
		return fmt.Errorf("SetLabel: %w", err)
	}
	t.setCSVLabel(i, string(b))
	return nil
}

func (t *Table) setCSVLabel(i int, s string) {
	c := t.column(labelColumn)
	if c < 0 {
		t.header = append(t.header, labelColumn)
		for r := range t.rows {
			t.rows[r] = append(t.rows[r], "")
		}
		c = len(t.header) - 1
	}
	t.rows[i][c] = s
}

// CurrentIndex returns the first row not yet annotated, or Len when every row is.
// A JSON row is annotated once it has a label key, even an empty list. A CSV row is
// annotated once its label cell is non-empty.
func (t *Table) CurrentIndex() int {
	if t.format == FormatJSON {
		for i, it := range t.items {
			if _, ok := it.Get(labelColumn); !ok {
				return i
			}
		}
		return len(t.items)
	}
	c := t.column(labelColumn)
	if c < 0 {
		return 0
	}
	for i, row := range t.rows {
		if strings.TrimSpace(row[c]) == "" {
			return i
		}
	}
	return len(t.rows)
}

// rawLabels returns the label records of row i as generic objects, so that fields this
// package does not model survive a rewrite. ok is false for unannotated or undecodable rows.
func (t *Table) rawLabels(i int) ([]any, bool) {
	var v any
	if t.format == FormatJSON {
		var present bool
		v, present = t.items[i].Get(labelColumn)
		if !present {
			return nil, false
		}
	} else {
		c := t.column(labelColumn)
		if c < 0 {
			return nil, false
		}
		v = t.rows[i][c]
	}
	if s, ok := v.(string); ok {
		if strings.TrimSpace(s) == "" {
			return nil, false
		}
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, false
		}
		v = decoded
	}
	list, ok := v.([]any)
	return list, ok
}

// Labels decodes the annotation of row i.
func (t *Table) Labels(i int) ([]Label, bool) {
	if t.check(i) != nil {
		return nil, false
	}
	raw, ok := t.rawLabels(i)
	if !ok {
		return nil, false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	labels := []Label{}
	if err := json.Unmarshal(b, &labels); err != nil {
		return nil, false
	}
	return labels, true
}

// Examples returns every annotated row as a few-shot example.
func (t *Table) Examples() []Example {
	return t.ExamplesExcept(-1)
}

// ExamplesExcept returns every annotated row except row skip. Rows without text or with an
// undecodable label are left out.
func (t *Table) ExamplesExcept(skip int) []Example {
	out := []Example{}
	for i := 0; i < t.Len(); i++ {
		if i == skip {
			continue
		}
		text, _ := t.Text(i)
		if strings.TrimSpace(text) == "" {
			continue
		}
		labels, ok := t.Labels(i)
		if !ok {
			continue
		}
		out = append(out, Example{Text: text, Label: labels})
	}
	return out
}

// FillMissingPositions adds offsets to every aspect and opinion term that lacks them and
// occurs verbatim in its text. It returns the number of offset pairs added.
func (t *Table) FillMissingPositions() int {
	total := 0
	for i := 0; i < t.Len(); i++ {
		text, _ := t.Text(i)
		if text == "" {
			continue
		}
		raw, ok := t.rawLabels(i)
		if !ok {
			continue
		}
		n := 0
		for _, a := range raw {
			rec, ok := a.(map[string]any)
			if !ok {
				continue
			}
			n += fillPair(rec, text, string(AspectTerm), "at_start", "at_end")
			n += fillPair(rec, text, string(OpinionTerm), "ot_start", "ot_end")
		}
		if n == 0 {
			continue
		}
		total += n
		if t.format == FormatJSON {
			t.items[i].Set(labelColumn, raw)
			continue
		}
		b, err := marshalCompact(raw)
		if err != nil {
			continue
		}
		t.setCSVLabel(i, string(b))
	}
	return total
}

func fillPair(rec map[string]any, text, termKey, startKey, endKey string) int {
	phrase, _ := rec[termKey].(string)
	if phrase == "" || phrase == ImplicitTerm {
		return 0
	}
	_, hasStart := rec[startKey]
	_, hasEnd := rec[endKey]
	if hasStart && hasEnd {
		return 0
	}
	pr := []rune(phrase)
	start := runeIndex([]rune(text), pr)
	if start < 0 {
		return 0
	}
	rec[startKey] = start
	rec[endKey] = start + len(pr) - 1
	return 1
}

func stringField(m *orderedmap.OrderedMap[string, any], key string) string {
	v, ok := m.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func isEmptyLabel(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	}
	return false
}

// marshalCompact encodes v without escaping HTML characters or adding a newline.
func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
