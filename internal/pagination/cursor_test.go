package pagination

import (
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"
)

type item struct {
	at time.Time
	id string
}

func itemKey(it item) (time.Time, string) { return it.at, it.id }

func items(n int) []item {
	base := time.Date(2026, 10, 19, 22, 0, 0, 0, time.UTC)
	out := make([]item, n)
	for i := range out {
		out[i] = item{at: base.Add(time.Duration(i) * time.Minute), id: fmt.Sprintf("unb_%02d", i)}
	}
	return out
}

func TestEncodeDecode(t *testing.T) {
	at := time.Date(2026, 10, 19, 23, 15, 0, 123, time.UTC)

	c, err := Decode(Encode(at, "unb_1"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !c.At.Equal(at) || c.ID != "unb_1" {
		t.Errorf("Decode = %+v, want {%v unb_1}", c, at)
	}

	c, err = Decode("")
	if err != nil || c != nil {
		t.Errorf("Decode(\"\") = %v, %v; want nil, nil", c, err)
	}

	for _, bad := range []string{"!!!", Encode(at, "")[:4], "bm9waXBl"} {
		if _, err := Decode(bad); !errors.Is(err, ErrInvalidCursor) {
			t.Errorf("Decode(%q) error = %v, want ErrInvalidCursor", bad, err)
		}
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultLimit},
		{-3, DefaultLimit},
		{7, 7},
		{10_000, MaxLimit},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.in); got != tt.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestPage_WalksAllItems(t *testing.T) {
	all := items(5)

	var seen []string
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		page, next, err := Page(all, cursor, 2, itemKey)
		if err != nil {
			t.Fatalf("Page: %v", err)
		}
		for _, it := range page {
			seen = append(seen, it.id)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	want := []string{"unb_00", "unb_01", "unb_02", "unb_03", "unb_04"}
	if !slices.Equal(seen, want) {
		t.Errorf("walked %v, want %v", seen, want)
	}
}

func TestPage_ExactFitHasNoNextCursor(t *testing.T) {
	page, next, err := Page(items(2), "", 2, itemKey)
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("len(page) = %d, want 2", len(page))
	}
	if next != "" {
		t.Errorf("next = %q, want empty", next)
	}
}

func TestPage_StaleCursor(t *testing.T) {
	cursor := Encode(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), "gone")
	if _, _, err := Page(items(3), cursor, 2, itemKey); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("error = %v, want ErrInvalidCursor", err)
	}
}
