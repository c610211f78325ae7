package genai

import (
	"context"
	"os"
	"testing"
)

func TestCaptureMessageContentDefaultsFalse(t *testing.T) {
	os.Unsetenv(captureContentEnv)
	if CaptureMessageContent() {
		t.Fatal("expected capture to default to false when env var is unset")
	}
}

func TestCaptureMessageContentRespectsEnv(t *testing.T) {
	t.Setenv(captureContentEnv, "true")
	if !CaptureMessageContent() {
		t.Fatal("expected capture to be true when env var set to true")
	}
}

func TestStartModelSpanRunsWithNoopProvider(t *testing.T) {
	tr := NewTracer("agenttrace/test")
	ctx, finish := tr.StartModelSpan(context.Background(), RequestAttrs{
		System: "openai", Operation: "chat", Model: "gpt-test",
	})
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	finish(ResponseAttrs{Model: "gpt-test", ResponseID: "resp-1", InputTokens: 10, OutputTokens: 5})
}
