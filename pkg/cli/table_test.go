package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestTableEmptyProducesNoOutput(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTableTo(&buf, "SERIAL", "WORKER")
	tbl.Flush()
	if buf.Len() != 0 {
		t.Errorf("empty table wrote %q", buf.String())
	}
}

func TestTableHeadersAndRows(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTableTo(&buf, "SERIAL", "WORKER")
	tbl.Row("E463A8574B3F3C2B", "bench-1:8081")
	tbl.Row("AAA", "bench-2:8081")
	tbl.Flush()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %d:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "SERIAL") || !strings.Contains(lines[0], "WORKER") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "------") {
		t.Errorf("divider = %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "E463A8574B3F3C2B") {
		t.Errorf("row = %q", lines[2])
	}
}

func TestColorsRespectNoColor(t *testing.T) {
	defer func(old bool) { colorEnabled = old }(colorEnabled)

	colorEnabled = true
	if got := Green("ok"); !strings.Contains(got, "ok") || got == "ok" {
		t.Errorf("Green with color = %q", got)
	}

	colorEnabled = false
	if got := Red("bad"); got != "bad" {
		t.Errorf("Red without color = %q", got)
	}
	if got := Yellow("warn"); got != "warn" {
		t.Errorf("Yellow without color = %q", got)
	}
}
