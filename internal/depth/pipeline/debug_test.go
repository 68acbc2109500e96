package pipeline

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetLogWriters_Streams(t *testing.T) {
	var ops, trace bytes.Buffer
	SetLogWriters(&ops, nil, &trace)
	defer SetLogWriters(nil, nil, nil)

	if opsLogger == nil || traceLogger == nil {
		t.Fatal("ops and trace loggers should be non-nil")
	}
	if diagLogger != nil {
		t.Fatal("diagLogger should be nil when passed nil writer")
	}

	opsf("sink %s failed", "store")
	diagf("dropped")
	tracef("frame %d", 3)

	if got := ops.String(); !strings.Contains(got, "[pipeline] ") || !strings.Contains(got, "sink store failed") {
		t.Errorf("unexpected ops output %q", got)
	}
	if got := trace.String(); !strings.Contains(got, "frame 3") {
		t.Errorf("unexpected trace output %q", got)
	}
}

func TestSetLogWriters_Disable(t *testing.T) {
	var buf bytes.Buffer
	SetLogWriters(&buf, &buf, &buf)
	SetLogWriters(nil, nil, nil)

	if opsLogger != nil || diagLogger != nil || traceLogger != nil {
		t.Fatal("all loggers should be nil after SetLogWriters(nil, nil, nil)")
	}
	opsf("silently discarded: %d", 123)
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}
