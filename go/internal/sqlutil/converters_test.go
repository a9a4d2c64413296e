package sqlutil

import (
	"testing"
	"time"
)

func TestSqlTimeRoundTrip(t *testing.T) {
	if got := FromSqlTime(ToSqlTime(nil)); got != nil {
		t.Errorf("nil time came back as %v", got)
	}

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	nt := ToSqlTime(&now)
	if !nt.Valid {
		t.Fatal("expected a valid NullTime")
	}
	got := FromSqlTime(nt)
	if got == nil || !got.Equal(now) {
		t.Errorf("got %v, want %v", got, now)
	}
}
