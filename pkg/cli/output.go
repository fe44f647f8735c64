package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/goccy/go-yaml"
)

// OutputFormat selects how command results are rendered.
type OutputFormat string

const (
	FormatYAML  OutputFormat = "yaml"
	FormatJSON  OutputFormat = "json"
	FormatTable OutputFormat = "table"
	FormatRaw   OutputFormat = "raw"
)

var (
	// ErrUnknownFormat is returned for an OutputFormat Output cannot render.
	ErrUnknownFormat = errors.New("cli: unknown output format")

	// ErrNotTable is returned when FormatTable is asked of a result that
	// does not implement [Table].
	ErrNotTable = errors.New("cli: result has no table form")
)

// OutputOptions configures [Output].
type OutputOptions struct {
	// Format defaults to YAML.
	Format OutputFormat

	// File receives the output instead of Stdout when set.
	File string

	// Indent is the JSON indent, two spaces by default.
	Indent string

	// Writer takes precedence over File.
	Writer io.Writer
}

// Table is a result with a tabular rendering.
type Table interface {
	Header() []string
	Rows() [][]string
}

type renderFunc func(io.Writer, any, OutputOptions) error

var renderers = map[OutputFormat]renderFunc{
	"":          renderYAML,
	FormatYAML:  renderYAML,
	FormatJSON:  renderJSON,
	FormatTable: renderTable,
	FormatRaw:   renderRaw,
}

// Output renders result in opts.Format.
func Output(result any, opts OutputOptions) (err error) {
	render, ok := renderers[opts.Format]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, opts.Format)
	}
	w := opts.Writer
	switch {
	case w != nil:
	case opts.File != "":
		f, err := os.Create(opts.File)
		if err != nil {
			return fmt.Errorf("cli: output file: %w", err)
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		w = f
	default:
		w = Stdout
	}
	return render(w, result, opts)
}

func renderJSON(w io.Writer, result any, opts OutputOptions) error {
	indent := opts.Indent
	if indent == "" {
		indent = "  "
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", indent)
	return enc.Encode(result)
}

func renderYAML(w io.Writer, result any, _ OutputOptions) error {
	data, err := yaml.Marshal(result)
	if err != nil {
		return fmt.Errorf("cli: encode yaml: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func renderTable(w io.Writer, result any, _ OutputOptions) error {
	t, ok := result.(Table)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotTable, result)
	}
	_, err := fmt.Fprintln(w, RenderTable(t.Header(), t.Rows()))
	return err
}

// renderRaw writes bytes and strings verbatim and falls back to YAML.
func renderRaw(w io.Writer, result any, opts OutputOptions) error {
	var err error
	switch v := result.(type) {
	case []byte:
		_, err = w.Write(v)
	case string:
		_, err = io.WriteString(w, v)
	default:
		err = renderYAML(w, result, opts)
	}
	return err
}

// Stdout and Stderr receive command output and the Print helpers.
var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

func printLine(w io.Writer, style *lipgloss.Style, prefix, format string, args []any) {
	msg := prefix + fmt.Sprintf(format, args...)
	if style != nil {
		msg = style.Render(msg)
	}
	fmt.Fprintln(w, msg)
}

// PrintSuccess reports a completed step on Stdout.
func PrintSuccess(format string, args ...any) {
	printLine(Stdout, &DefaultStyles.Success, "✓ ", format, args)
}

// PrintError reports a failure on Stderr.
func PrintError(format string, args ...any) {
	printLine(Stderr, &DefaultStyles.Error, "Error: ", format, args)
}

func PrintInfo(format string, args ...any) {
	printLine(Stdout, nil, "ℹ ", format, args)
}

func PrintWarning(format string, args ...any) {
	printLine(Stdout, &DefaultStyles.Warning, "⚠ ", format, args)
}
