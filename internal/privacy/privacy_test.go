package privacy

import "testing"

func TestBasicRedaction(t *testing.T) {
	// scenario S3
	got, meta := Process("A <private>x</private> B <private>y</private> C", DefaultConfig())
	if got != "A [REDACTED] B [REDACTED] C" {
		t.Fatalf("got %q", got)
	}
	if meta.RedactedCount != 2 {
		t.Fatalf("expected 2 redactions, got %d", meta.RedactedCount)
	}
	if meta.EntirelyPrivate {
		t.Fatal("expected EntirelyPrivate=false")
	}
}

func TestEntirelyPrivate(t *testing.T) {
	got, meta := Process("<private>all</private>", DefaultConfig())
	if got != "[REDACTED]" {
		t.Fatalf("got %q", got)
	}
	if !meta.EntirelyPrivate {
		t.Fatal("expected EntirelyPrivate=true")
	}
}

func TestNoOpenMarkerReturnsInputUnchanged(t *testing.T) {
	input := "nothing private here"
	got, meta := Process(input, DefaultConfig())
	if got != input {
		t.Fatalf("got %q", got)
	}
	if meta.RedactedCount != 0 {
		t.Fatalf("expected no redactions, got %d", meta.RedactedCount)
	}
}

func TestNestedOnlyOutermostProducesSentinel(t *testing.T) {
	got, meta := Process("<private>outer <private>inner</private> tail</private>", DefaultConfig())
	if got != "[REDACTED]" {
		t.Fatalf("got %q", got)
	}
	if meta.RedactedCount != 1 {
		t.Fatalf("expected 1 redaction, got %d", meta.RedactedCount)
	}
	if meta.MaxNestingDepth != 2 {
		t.Fatalf("expected max nesting depth 2, got %d", meta.MaxNestingDepth)
	}
}

func TestUnclosedTagAtEOF(t *testing.T) {
	got, meta := Process("before <private>dangling", DefaultConfig())
	if got != "before [REDACTED]" {
		t.Fatalf("got %q", got)
	}
	if len(meta.Malformed) != 1 || meta.Malformed[0].Kind != UnclosedTag {
		t.Fatalf("expected one UnclosedTag, got %+v", meta.Malformed)
	}
}

func TestUnmatchedCloseIsEmittedLiterally(t *testing.T) {
	got, meta := Process("oops </private> here", DefaultConfig())
	if got != "oops </private> here" {
		t.Fatalf("got %q", got)
	}
	if len(meta.Malformed) != 1 || meta.Malformed[0].Kind != UnmatchedClose {
		t.Fatalf("expected one UnmatchedClose, got %+v", meta.Malformed)
	}
}

func TestNestingBeyondMaxDepthIsMalformed(t *testing.T) {
	cfg := Config{MaxNestingDepth: 2, RespectCodeBlocks: true, RespectCDATA: true}
	input := "<private>1<private>2<private>3</private></private></private>"
	_, meta := Process(input, cfg)
	found := false
	for _, m := range meta.Malformed {
		if m.Kind == NestedTooDeep {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a NestedTooDeep malformed tag, got %+v", meta.Malformed)
	}
}

func TestRespectsCodeBlocks(t *testing.T) {
	input := "see ```<private>not redacted</private>``` done"
	got, meta := Process(input, DefaultConfig())
	if got != input {
		t.Fatalf("expected code block contents untouched, got %q", got)
	}
	if meta.RedactedCount != 0 {
		t.Fatalf("expected no redactions inside code block, got %d", meta.RedactedCount)
	}
}

func TestIdempotent(t *testing.T) {
	input := "A <private>x</private> B <private>y</private> C"
	first, _ := Process(input, DefaultConfig())
	second, _ := Process(first, DefaultConfig())
	if first != second {
		t.Fatalf("not idempotent: %q != %q", first, second)
	}
}
