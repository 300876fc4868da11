package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	t.Parallel()

	base := NotFound("conversation not found")
	if CodeOf(base) != CodeNotFound {
		t.Fatalf("CodeOf(base) = %s", CodeOf(base))
	}

	wrapped := fmt.Errorf("loading inbox: %w", base)
	if CodeOf(wrapped) != CodeNotFound {
		t.Fatalf("wrapping must preserve the code, got %s", CodeOf(wrapped))
	}

	if CodeOf(errors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors must report CodeUnknown")
	}
	if CodeOf(nil) != CodeUnknown {
		t.Fatalf("nil must report CodeUnknown")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("sql: connection refused")
	err := Wrap(CodeInternal, "apply send", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("wrapped cause must survive errors.Is")
	}
	if got := err.Error(); got != "apply send: sql: connection refused" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestSentinelsAreDistinguishable(t *testing.T) {
	t.Parallel()

	a := Forbidden("not a participant")
	b := Forbidden("not a participant")

	// Equal text, distinct identities: callers compare with errors.Is on
	// package-level sentinels, never by message.
	if errors.Is(a, b) {
		t.Fatalf("independent errors must not alias")
	}
}
