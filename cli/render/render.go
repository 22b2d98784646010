// Package render provides centralized output rendering for the skiff CLI.
//
// Format selection rules:
//   - If output is a TTY, default to table
//   - If output is not a TTY, default to json
//   - --format flag always overrides defaults
//   - Invalid formats are errors
//
// Table output:
//   - columns follow json tag names; fields tagged json:"-" are skipped
//   - fields tagged render:"bytes" are shown as IEC sizes (e.g. 1.5 MiB)
//   - times are RFC3339 in UTC, zero times are blank
//   - map keys are sorted
//   - --no-color disables the bold header styling
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Format represents an output format.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string, returning an error for invalid formats.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "table":
		return FormatTable, nil
	case "yaml":
		return FormatYAML, nil
	case "":
		return "", nil // Let caller decide default
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// Renderer handles output formatting.
type Renderer struct {
	format  Format
	noColor bool
	out     io.Writer
}

// NewRenderer creates a renderer from CLI context.
// Applies the format selection rules above.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	formatStr := c.String("format")
	format, err := ParseFormat(formatStr)
	if err != nil {
		return nil, err
	}

	// Apply default format based on TTY detection
	if format == "" {
		if IsTerminal(os.Stdout) {
			format = FormatTable
		} else {
			format = FormatJSON
		}
	}

	var out io.Writer = os.Stdout
	if c.App != nil && c.App.Writer != nil {
		out = c.App.Writer
	}
	return &Renderer{
		format:  format,
		noColor: c.Bool("no-color"),
		out:     out,
	}, nil
}

// NewRendererWithWriter creates a renderer with a custom writer (for testing).
func NewRendererWithWriter(format Format, noColor bool, out io.Writer) *Renderer {
	return &Renderer{
		format:  format,
		noColor: noColor,
		out:     out,
	}
}

// Render outputs the data in the configured format.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		return r.renderJSON(data)
	case FormatTable:
		return r.renderTable(data)
	case FormatYAML:
		return r.renderYAML(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

// Format returns the selected output format.
func (r *Renderer) Format() Format {
	return r.format
}

func (r *Renderer) renderJSON(data any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (r *Renderer) renderYAML(data any) error {
	enc := yaml.NewEncoder(r.out)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return err
	}
	return enc.Close()
}

// column is one rendered struct field.
type column struct {
	name  string
	index int
	bytes bool
}

func columnsOf(t reflect.Type) []column {
	var cols []column
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := strings.ToLower(f.Name)
		if tag, _, _ := strings.Cut(f.Tag.Get("json"), ","); tag == "-" {
			continue
		} else if tag != "" {
			name = tag
		}
		cols = append(cols, column{name: name, index: i, bytes: f.Tag.Get("render") == "bytes"})
	}
	return cols
}

func (r *Renderer) header(s string) string {
	if r.noColor {
		return s
	}
	return lipgloss.NewStyle().Bold(true).Render(s)
}

func (r *Renderer) renderTable(data any) error {
	v := indirect(reflect.ValueOf(data))
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		r.writeRows(w, v)
	case reflect.Struct:
		for _, col := range columnsOf(v.Type()) {
			fmt.Fprintf(w, "%s:\t%s\n", r.header(col.name), cell(v.Field(col.index), col.bytes))
		}
	case reflect.Map:
		for _, key := range sortedKeys(v) {
			fmt.Fprintf(w, "%s:\t%s\n", r.header(key.String()), cell(v.MapIndex(key), false))
		}
	default:
		fmt.Fprintf(w, "%v\n", data)
	}
	return w.Flush()
}

// writeRows renders one line per element. The first element decides the
// columns: struct fields, or the sorted keys of a map.
func (r *Renderer) writeRows(w io.Writer, v reflect.Value) {
	if v.Len() == 0 {
		fmt.Fprintln(w, "(no results)")
		return
	}
	first := indirect(v.Index(0))

	var names []string
	var row func(reflect.Value) []string
	switch first.Kind() {
	case reflect.Struct:
		cols := columnsOf(first.Type())
		for _, c := range cols {
			names = append(names, c.name)
		}
		row = func(e reflect.Value) []string {
			out := make([]string, len(cols))
			for i, c := range cols {
				out[i] = cell(e.Field(c.index), c.bytes)
			}
			return out
		}
	case reflect.Map:
		keys := sortedKeys(first)
		for _, k := range keys {
			names = append(names, k.String())
		}
		row = func(e reflect.Value) []string {
			out := make([]string, len(keys))
			for i, k := range keys {
				out[i] = cell(e.MapIndex(k), false)
			}
			return out
		}
	default:
		for i := 0; i < v.Len(); i++ {
			fmt.Fprintln(w, cell(v.Index(i), false))
		}
		return
	}

	headers := make([]string, len(names))
	for i, n := range names {
		headers[i] = r.header(strings.ToUpper(n))
	}
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	for i := 0; i < v.Len(); i++ {
		fmt.Fprintln(w, strings.Join(row(indirect(v.Index(i))), "\t"))
	}
}

func indirect(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

// sortedKeys returns string-keyed map keys in order. Other key kinds are
// ordered by their printed form.
func sortedKeys(v reflect.Value) []reflect.Value {
	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
	})
	return keys
}

// cell formats one value for a table.
func cell(v reflect.Value, bytes bool) string {
	v = indirect(v)
	if !v.IsValid() {
		return ""
	}
	if bytes && v.CanInt() {
		return humanize.IBytes(uint64(max(v.Int(), 0)))
	}
	switch val := v.Interface().(type) {
	case time.Time:
		if val.IsZero() {
			return ""
		}
		return val.UTC().Format(time.RFC3339)
	case time.Duration:
		return val.String()
	case fmt.Stringer:
		return val.String()
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return "-"
		}
		if v.Type().Elem().Kind() == reflect.String {
			parts := make([]string, v.Len())
			for i := range parts {
				parts[i] = v.Index(i).String()
			}
			return strings.Join(parts, ",")
		}
		return fmt.Sprintf("[%d items]", v.Len())
	case reflect.Map:
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		return "{...}"
	default:
		return fmt.Sprint(v.Interface())
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
