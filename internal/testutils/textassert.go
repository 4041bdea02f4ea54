package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the subset of testing.T the asserters need.
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// TableAssertOptions controls how column-aligned output is normalized before comparing.
type TableAssertOptions struct {
	// CollapseColumns reduces the padding between cells to a single space.
	CollapseColumns bool `default:"true"`
	// SkipRules drops separator lines made only of dashes.
	SkipRules    bool `default:"true"`
	EnableColors bool `default:"false"`
}

// TableOption is a functional option for configuring TableAsserter
type TableOption func(*TableAssertOptions)

// TableAsserter compares tabwriter output without depending on column widths.
type TableAsserter struct {
	t       TestingT
	options TableAssertOptions
}

// NewTableAsserter creates a TableAsserter with default options
func NewTableAsserter(t *testing.T) *TableAsserter {
	return NewTableAsserterWithInterface(t)
}

func NewTableAsserterWithInterface(t TestingT) *TableAsserter {
	opts := TableAssertOptions{}
	defaults.SetDefaults(&opts)
	return &TableAsserter{t: t, options: opts}
}

// WithOptions applies functional options to the TableAsserter
func (ta *TableAsserter) WithOptions(opts ...TableOption) *TableAsserter {
	for _, opt := range opts {
		opt(&ta.options)
	}
	return ta
}

func (ta *TableAsserter) GetOptions() TableAssertOptions {
	return ta.options
}

// Assert compares actual text against expected text
func (ta *TableAsserter) Assert(actual, expected string) {
	if diff := ta.diff(actual, expected); diff != "" {
		ta.t.Errorf("Table assertion failed:\n%s", diff)
	}
}

// AssertSection compares the block of actual that starts with the line beginning with
// header and runs up to the next empty line.
func (ta *TableAsserter) AssertSection(actual, header, expected string) {
	section, ok := Section(actual, header)
	if !ok {
		ta.t.Errorf("Table assertion failed: no section starting with %q in:\n%s", header, actual)
		return
	}
	ta.Assert(section, expected)
}

// Section extracts the lines of text from the one starting with header up to the next empty line.
func Section(text, header string) (string, bool) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(line, header) {
			continue
		}
		end := i
		for end < len(lines) && strings.TrimSpace(lines[end]) != "" {
			end++
		}
		return strings.Join(lines[i:end], "\n"), true
	}
	return "", false
}

func (ta *TableAsserter) diff(actual, expected string) string {
	normalizedActual := ta.normalize(actual)
	normalizedExpected := ta.normalize(expected)
	if normalizedActual == normalizedExpected {
		return ""
	}

	edits := myers.ComputeEdits("", normalizedExpected+"\n", normalizedActual+"\n")
	unified := gotextdiff.ToUnified("expected", "actual", normalizedExpected+"\n", edits)
	return ta.colorize(fmt.Sprint(unified))
}

func (ta *TableAsserter) normalize(text string) string {
	var result []string
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if ta.options.SkipRules && strings.Trim(trimmed, "-") == "" {
			continue
		}
		if ta.options.CollapseColumns {
			trimmed = strings.Join(strings.Fields(trimmed), " ")
		}
		result = append(result, trimmed)
	}
	return strings.Join(result, "\n")
}

func (ta *TableAsserter) colorize(diff string) string {
	if !ta.options.EnableColors {
		return diff
	}

	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(line)
		}
	}
	return strings.Join(lines, "\n")
}

// WithCollapseColumns sets whether padding between cells is significant.
func WithCollapseColumns(collapse bool) TableOption {
	return func(opts *TableAssertOptions) {
		opts.CollapseColumns = collapse
	}
}

// WithSkipRules sets whether dash separator lines are ignored.
func WithSkipRules(skip bool) TableOption {
	return func(opts *TableAssertOptions) {
		opts.SkipRules = skip
	}
}

// WithEnableColors sets whether to enable colored diff output
func WithEnableColors(enable bool) TableOption {
	return func(opts *TableAssertOptions) {
		opts.EnableColors = enable
	}
}
