package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
)

func TestSamples_Capacity(t *testing.T) {
	var r samples
	for seq := uint16(0); seq < ringSize; seq++ {
		_, evicted := r.open(seq, ptp.TimestampFromNanoseconds(int64(seq)*125e6))
		require.False(t, evicted, "seq %d", seq)
	}
	assert.Equal(t, 16, r.len())

	// заполненное кольцо вытесняет самый старый обмен
	_, evicted := r.open(ringSize, ptp.TimestampFromNanoseconds(3e9))
	assert.True(t, evicted)
	assert.Nil(t, r.bySync(0))
	assert.NotNil(t, r.bySync(1))
	assert.Equal(t, ringSize, r.len())
}

func TestSamples_ReusesFreeSlot(t *testing.T) {
	var r samples
	for seq := uint16(0); seq < ringSize; seq++ {
		r.open(seq, ptp.TimestampFromNanoseconds(int64(seq)))
	}
	r.release(r.bySync(7))

	_, evicted := r.open(100, ptp.TimestampFromNanoseconds(1e9))
	assert.False(t, evicted)
	assert.NotNil(t, r.bySync(0), "занятые слоты не трогаются, пока есть свободный")
	assert.NotNil(t, r.bySync(100))
}
