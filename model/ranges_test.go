package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRangeSetAddMergesOverlapsAndDuplicates(t *testing.T) {
	var rs RangeSet
	rs = rs.Add(0, 100)
	rs = rs.Add(0, 100)
	assert.Equal(t, RangeSet{{0, 100}}, rs)

	rs = rs.Add(200, 300)
	rs = rs.Add(50, 150)
	assert.Equal(t, RangeSet{{0, 150}, {200, 300}}, rs)

	// Adjacent ranges merge.
	rs = rs.Add(150, 200)
	assert.Equal(t, RangeSet{{0, 300}}, rs)

	// Empty ranges are ignored.
	assert.Equal(t, rs, rs.Add(10, 10))
}

func TestRangeSetOutOfOrderArrival(t *testing.T) {
	const total = 1000
	var rs RangeSet
	rs = rs.Add(500, 750)
	rs = rs.Add(750, 1000)

	assert.Equal(t, int64(0), rs.FirstGap(total))
	assert.Equal(t, []ByteRange{{0, 500}}, rs.Missing(total))
	assert.False(t, rs.Complete(total))

	rs = rs.Add(0, 250)
	assert.Equal(t, int64(250), rs.FirstGap(total))
	assert.Equal(t, []ByteRange{{250, 500}}, rs.Missing(total))

	rs = rs.Add(250, 500)
	assert.True(t, rs.Complete(total))
	assert.Equal(t, int64(total), rs.FirstGap(total))
	assert.Empty(t, rs.Missing(total))
	assert.Equal(t, int64(total), rs.Received())
}

func TestRangeSetCovers(t *testing.T) {
	rs := RangeSet{}.Add(0, 10).Add(20, 30)
	assert.True(t, rs.Covers(2, 8))
	assert.True(t, rs.Covers(20, 30))
	assert.False(t, rs.Covers(5, 25))
	assert.True(t, rs.Covers(7, 7))
}

func TestUploadSessionResumeOffset(t *testing.T) {
	s := &UploadSession{TotalBytes: 64}
	assert.Equal(t, int64(0), s.ResumeOffset())

	s.Received = s.Received.Add(0, 32)
	assert.Equal(t, int64(32), s.ResumeOffset())
	assert.False(t, s.Complete())

	s.Received = s.Received.Add(32, 64)
	assert.True(t, s.Complete())
}
