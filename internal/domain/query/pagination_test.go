package query

import "testing"

func intPtr(v int) *int { return &v }

func TestLimitOrDefault(t *testing.T) {
	cases := []struct {
		name string
		p    *Pagination
		want int
	}{
		{"nil pagination", nil, 50},
		{"unset", &Pagination{}, 50},
		{"zero falls back", &Pagination{Limit: intPtr(0)}, 50},
		{"negative falls back", &Pagination{Limit: intPtr(-5)}, 50},
		{"in range", &Pagination{Limit: intPtr(25)}, 25},
		{"clamped to max", &Pagination{Limit: intPtr(500)}, 100},
	}
	for _, tc := range cases {
		if got := tc.p.LimitOrDefault(50, 100); got != tc.want {
			t.Errorf("%s: LimitOrDefault = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestOffsetOrZero(t *testing.T) {
	if got := (*Pagination)(nil).OffsetOrZero(); got != 0 {
		t.Fatalf("nil OffsetOrZero = %d", got)
	}
	if got := (&Pagination{Offset: intPtr(-1)}).OffsetOrZero(); got != 0 {
		t.Fatalf("negative OffsetOrZero = %d", got)
	}
	if got := (&Pagination{Offset: intPtr(30)}).OffsetOrZero(); got != 30 {
		t.Fatalf("OffsetOrZero = %d, want 30", got)
	}
}
