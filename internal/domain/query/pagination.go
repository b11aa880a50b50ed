package query

// Pagination carries limit/offset list parameters through the domain and
// repository layers.
type Pagination struct {
	Limit  *int
	Offset *int
	Order  string
}

// LimitOrDefault returns the limit clamped to [1, max], falling back to def
// when unset.
func (p *Pagination) LimitOrDefault(def, max int) int {
	if p == nil || p.Limit == nil || *p.Limit < 1 {
		return def
	}
	if *p.Limit > max {
		return max
	}
	return *p.Limit
}

// OffsetOrZero returns the offset or zero when unset.
func (p *Pagination) OffsetOrZero() int {
	if p == nil || p.Offset == nil || *p.Offset < 0 {
		return 0
	}
	return *p.Offset
}
