package wire

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
)

var src = ptp.PortIdentity{ClockIdentity: 0x001122fffe334455, PortNumber: 3}

func TestEncodeSync_Layout(t *testing.T) {
	h := ptp.NewHeader(ptp.MessageSync, 24, src, 0x1234, -3)
	h.TwoStep = true
	h.CorrectionNs = 1500
	b, err := Encode(&ptp.Sync{Header: h})
	require.NoError(t, err)
	require.Len(t, b, ptp.SyncLength)

	assert.Equal(t, byte(ptp.MessageSync), b[0]&0x0f)
	assert.Equal(t, byte(2), b[1]&0x0f)
	assert.Equal(t, uint16(ptp.SyncLength), binary.BigEndian.Uint16(b[2:4]))
	assert.Equal(t, byte(24), b[4])
	assert.NotZero(t, b[6]&0x02, "twoStepFlag")
	assert.Equal(t, uint64(1500)<<16, binary.BigEndian.Uint64(b[8:16]))
	assert.Equal(t, uint64(src.ClockIdentity), binary.BigEndian.Uint64(b[20:28]))
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(b[28:30]))
	assert.Equal(t, uint16(0x1234), binary.BigEndian.Uint16(b[30:32]))
	assert.Equal(t, int8(-3), int8(b[33]))
}

func TestAnnounce_RoundTrip(t *testing.T) {
	in := &ptp.Announce{
		Header:               ptp.NewHeader(ptp.MessageAnnounce, 0, src, 7, 1),
		OriginTimestamp:      ptp.NewTimestamp(time.Unix(1700000000, 123456789)),
		CurrentUTCOffset:     37,
		GrandmasterPriority1: 100,
		GrandmasterClockQuality: ptp.ClockQuality{
			ClockClass:              6,
			ClockAccuracy:           0x21,
			OffsetScaledLogVariance: 0x4e5d,
		},
		GrandmasterPriority2: 128,
		GrandmasterIdentity:  0xaabbccfffe000001,
		StepsRemoved:         2,
		TimeSource:           0x20,
	}
	b, err := Encode(in)
	require.NoError(t, err)
	assert.Len(t, b, ptp.AnnounceLength)

	out, err := Decode(b)
	require.NoError(t, err)
	got, ok := out.(*ptp.Announce)
	require.True(t, ok, "ожидали *ptp.Announce, получили %T", out)
	assert.Equal(t, in.Header, got.Header)
	assert.Equal(t, in.OriginTimestamp, got.OriginTimestamp)
	assert.Equal(t, in.GrandmasterClockQuality, got.GrandmasterClockQuality)
	assert.Equal(t, in.GrandmasterIdentity, got.GrandmasterIdentity)
	assert.Equal(t, in.StepsRemoved, got.StepsRemoved)
	assert.Equal(t, in.CurrentUTCOffset, got.CurrentUTCOffset)
	assert.Equal(t, in.TimeSource, got.TimeSource)
	assert.Equal(t, in.GrandmasterPriority1, got.GrandmasterPriority1)
	assert.Equal(t, in.GrandmasterPriority2, got.GrandmasterPriority2)
}

func TestSyncAndDelayReq_Distinguished(t *testing.T) {
	ts := ptp.NewTimestamp(time.Unix(1700000001, 500))
	for _, m := range []ptp.Message{
		&ptp.Sync{Header: ptp.NewHeader(ptp.MessageSync, 0, src, 1, 0), OriginTimestamp: ts},
		&ptp.DelayReq{Header: ptp.NewHeader(ptp.MessageDelayReq, 0, src, 2, 0), OriginTimestamp: ts},
	} {
		b, err := Encode(m)
		require.NoError(t, err)
		out, err := Decode(b)
		require.NoError(t, err)
		assert.IsType(t, m, out)
		assert.Equal(t, m.MessageHeader().SequenceID, out.MessageHeader().SequenceID)
	}
}

func TestFollowUpAndDelayResp_RoundTrip(t *testing.T) {
	ts := ptp.NewTimestamp(time.Unix(1700000002, 999999999))

	b, err := Encode(&ptp.FollowUp{Header: ptp.NewHeader(ptp.MessageFollowUp, 0, src, 9, 0), PreciseOriginTimestamp: ts})
	require.NoError(t, err)
	out, err := Decode(b)
	require.NoError(t, err)
	fu, ok := out.(*ptp.FollowUp)
	require.True(t, ok)
	assert.Equal(t, ts, fu.PreciseOriginTimestamp)

	req := ptp.PortIdentity{ClockIdentity: 0x0102030405060708, PortNumber: 1}
	b, err = Encode(&ptp.DelayResp{Header: ptp.NewHeader(ptp.MessageDelayResp, 0, src, 10, 0), ReceiveTimestamp: ts, RequestingPortIdentity: req})
	require.NoError(t, err)
	assert.Len(t, b, ptp.DelayRespLength)
	out, err = Decode(b)
	require.NoError(t, err)
	dr, ok := out.(*ptp.DelayResp)
	require.True(t, ok)
	assert.Equal(t, ts, dr.ReceiveTimestamp)
	assert.Equal(t, req, dr.RequestingPortIdentity)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte{0x0b, 0x02})
	assert.ErrorIs(t, err, ptp.ErrInvalidMessage)

	junk := make([]byte, ptp.SyncLength)
	junk[0] = 0x07 // зарезервированный тип
	junk[1] = 2
	_, err = Decode(junk)
	assert.ErrorIs(t, err, ptp.ErrInvalidMessage)
}
