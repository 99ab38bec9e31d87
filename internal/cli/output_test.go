package cli

import (
	"bytes"
	"strings"
	"testing"
)

func testOutput() (*Output, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return &Output{writer: buf, colorEnabled: false}, buf
}

func TestTableAlignment(t *testing.T) {
	out, buf := testOutput()
	tbl := NewTable(out, "ID", "STATE")
	tbl.AddRow("abcd1234", "ORDER_PLACED")
	tbl.AddRow("ef", "ACTIVE")
	tbl.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want 4", len(lines))
	}
	// All rows pad to the widest cell per column.
	if lines[1] != "--------  ------------" {
		t.Errorf("separator = %q", lines[1])
	}
	if !strings.HasPrefix(lines[3], "ef        ") {
		t.Errorf("short cell not padded: %q", lines[3])
	}
}

func TestTableIgnoresANSIWidths(t *testing.T) {
	out, buf := testOutput()
	out.colorEnabled = true
	tbl := NewTable(out, "STATE")
	tbl.AddRow(out.Green("FILLED"))
	tbl.Render()

	for _, line := range strings.Split(buf.String(), "\n") {
		if w := len(stripANSI(line)); w > len("FILLED") {
			t.Errorf("visible width %d exceeds content: %q", w, line)
		}
	}
}

func TestFormatPnLColoring(t *testing.T) {
	out, _ := testOutput()
	out.colorEnabled = true
	if s := out.FormatPnL(50); !strings.HasPrefix(s, ColorGreen) {
		t.Errorf("gain not green: %q", s)
	}
	if s := out.FormatPnL(-50); !strings.HasPrefix(s, ColorRed) {
		t.Errorf("loss not red: %q", s)
	}
	if s := out.FormatPnL(0); strings.Contains(s, "\033[") {
		t.Errorf("flat should be uncolored: %q", s)
	}
}

func TestColoredStringDisabled(t *testing.T) {
	out, _ := testOutput()
	if got := out.Green("x"); got != "x" {
		t.Errorf("colors disabled, got %q", got)
	}
}
