package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewULID(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	a, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(a) != 26 {
		t.Fatalf("length = %d, want 26", len(a))
	}

	parsed, err := ulid.Parse(a)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := ulid.Time(parsed.Time()); !got.Equal(now.Truncate(time.Millisecond)) {
		t.Fatalf("timestamp = %v, want %v", got, now)
	}

	b, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if a == b {
		t.Fatalf("two ULIDs at the same instant must differ")
	}

	// Later timestamps sort after earlier ones.
	later := MustULID(now.Add(time.Second))
	if later <= a {
		t.Fatalf("ULIDs must sort by time: %s <= %s", later, a)
	}
}

func TestNewULID_ZeroTimeUsesNow(t *testing.T) {
	t.Parallel()

	id, err := NewULID(time.Time{})
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if _, err := ulid.Parse(id); err != nil {
		t.Fatalf("Parse: %v", err)
	}
}
