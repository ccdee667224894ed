package model

import "sort"

// ByteRange is the half-open interval [Start, End).
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (r ByteRange) Len() int64 {
	return r.End - r.Start
}

// RangeSet is a sorted list of disjoint, non-adjacent byte ranges.
type RangeSet []ByteRange

// Add returns the set with [start, end) merged in. Duplicate and overlapping
// ranges collapse, so adding the same chunk twice leaves the set unchanged.
func (rs RangeSet) Add(start, end int64) RangeSet {
	if end <= start {
		return rs
	}
	out := make(RangeSet, 0, len(rs)+1)
	out = append(out, rs...)
	out = append(out, ByteRange{Start: start, End: end})
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	merged := out[:1]
	for _, r := range out[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Covers reports whether every byte of [start, end) has been received.
func (rs RangeSet) Covers(start, end int64) bool {
	if end <= start {
		return true
	}
	for _, r := range rs {
		if r.Start <= start && r.End >= end {
			return true
		}
	}
	return false
}

// FirstGap returns the lowest offset below total not yet received, or total
// when nothing is missing. Devices resume uploading from here.
func (rs RangeSet) FirstGap(total int64) int64 {
	var next int64
	for _, r := range rs {
		if r.Start > next {
			break
		}
		if r.End > next {
			next = r.End
		}
	}
	if next > total {
		return total
	}
	return next
}

// Missing lists the ranges below total that have not been received.
func (rs RangeSet) Missing(total int64) []ByteRange {
	var gaps []ByteRange
	var cursor int64
	for _, r := range rs {
		if r.Start >= total {
			break
		}
		if r.Start > cursor {
			gaps = append(gaps, ByteRange{Start: cursor, End: r.Start})
		}
		if r.End > cursor {
			cursor = r.End
		}
	}
	if cursor < total {
		gaps = append(gaps, ByteRange{Start: cursor, End: total})
	}
	return gaps
}

func (rs RangeSet) Complete(total int64) bool {
	return rs.Covers(0, total)
}

// Received counts distinct bytes held.
func (rs RangeSet) Received() int64 {
	var n int64
	for _, r := range rs {
		n += r.Len()
	}
	return n
}
