// Package wire переводит сообщения между внутренними типами ptp и форматом
// IEEE 1588v2 на проводе (github.com/facebook/time/ptp/protocol).
package wire

import (
	"fmt"

	fb "github.com/facebook/time/ptp/protocol"

	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
)

// flagTwoStep — бит twoStepFlag в flagField (октет 0, бит 1).
const flagTwoStep uint16 = 1 << 9

// Decode разбирает датаграмму event/general порта.
// Поддерживаются Announce, Sync, Follow_Up, Delay_Req и Delay_Resp.
func Decode(b []byte) (ptp.Message, error) {
	if len(b) < ptp.HeaderLength {
		return nil, fmt.Errorf("wire: short packet (%d bytes): %w", len(b), ptp.ErrInvalidMessage)
	}
	pkt, err := fb.DecodePacket(b)
	if err != nil {
		return nil, fmt.Errorf("wire: decode: %w: %w", ptp.ErrInvalidMessage, err)
	}
	switch p := pkt.(type) {
	case *fb.Announce:
		return &ptp.Announce{
			Header:               header(&p.Header),
			OriginTimestamp:      timestamp(p.OriginTimestamp),
			CurrentUTCOffset:     p.CurrentUTCOffset,
			GrandmasterPriority1: p.GrandmasterPriority1,
			GrandmasterClockQuality: ptp.ClockQuality{
				ClockClass:              uint8(p.GrandmasterClockQuality.ClockClass),
				ClockAccuracy:           uint8(p.GrandmasterClockQuality.ClockAccuracy),
				OffsetScaledLogVariance: p.GrandmasterClockQuality.OffsetScaledLogVariance,
			},
			GrandmasterPriority2: p.GrandmasterPriority2,
			GrandmasterIdentity:  ptp.ClockIdentity(p.GrandmasterIdentity),
			StepsRemoved:         p.StepsRemoved,
			TimeSource:           uint8(p.TimeSource),
		}, nil
	case *fb.SyncDelayReq:
		h := header(&p.Header)
		ts := timestamp(p.OriginTimestamp)
		if h.MessageType == ptp.MessageDelayReq {
			return &ptp.DelayReq{Header: h, OriginTimestamp: ts}, nil
		}
		return &ptp.Sync{Header: h, OriginTimestamp: ts}, nil
	case *fb.FollowUp:
		return &ptp.FollowUp{
			Header:                 header(&p.Header),
			PreciseOriginTimestamp: timestamp(p.PreciseOriginTimestamp),
		}, nil
	case *fb.DelayResp:
		return &ptp.DelayResp{
			Header:                 header(&p.Header),
			ReceiveTimestamp:       timestamp(p.ReceiveTimestamp),
			RequestingPortIdentity: portIdentity(p.RequestingPortIdentity),
		}, nil
	default:
		return nil, fmt.Errorf("wire: unsupported message %s: %w", pkt.MessageType(), ptp.ErrInvalidMessage)
	}
}

// Encode сериализует сообщение. Тип и MessageLength берутся из Go-типа сообщения.
func Encode(m ptp.Message) ([]byte, error) {
	var pkt fb.Packet
	switch v := m.(type) {
	case *ptp.Announce:
		pkt = &fb.Announce{
			Header: fbHeader(&v.Header, ptp.MessageAnnounce, ptp.AnnounceLength),
			AnnounceBody: fb.AnnounceBody{
				OriginTimestamp:      fb.NewTimestamp(v.OriginTimestamp.Time()),
				CurrentUTCOffset:     v.CurrentUTCOffset,
				GrandmasterPriority1: v.GrandmasterPriority1,
				GrandmasterClockQuality: fb.ClockQuality{
					ClockClass:              fb.ClockClass(v.GrandmasterClockQuality.ClockClass),
					ClockAccuracy:           fb.ClockAccuracy(v.GrandmasterClockQuality.ClockAccuracy),
					OffsetScaledLogVariance: v.GrandmasterClockQuality.OffsetScaledLogVariance,
				},
				GrandmasterPriority2: v.GrandmasterPriority2,
				GrandmasterIdentity:  fb.ClockIdentity(v.GrandmasterIdentity),
				StepsRemoved:         v.StepsRemoved,
				TimeSource:           fb.TimeSource(v.TimeSource),
			},
		}
	case *ptp.Sync:
		pkt = &fb.SyncDelayReq{
			Header:           fbHeader(&v.Header, ptp.MessageSync, ptp.SyncLength),
			SyncDelayReqBody: fb.SyncDelayReqBody{OriginTimestamp: fb.NewTimestamp(v.OriginTimestamp.Time())},
		}
	case *ptp.DelayReq:
		pkt = &fb.SyncDelayReq{
			Header:           fbHeader(&v.Header, ptp.MessageDelayReq, ptp.DelayReqLength),
			SyncDelayReqBody: fb.SyncDelayReqBody{OriginTimestamp: fb.NewTimestamp(v.OriginTimestamp.Time())},
		}
	case *ptp.FollowUp:
		pkt = &fb.FollowUp{
			Header:       fbHeader(&v.Header, ptp.MessageFollowUp, ptp.FollowUpLength),
			FollowUpBody: fb.FollowUpBody{PreciseOriginTimestamp: fb.NewTimestamp(v.PreciseOriginTimestamp.Time())},
		}
	case *ptp.DelayResp:
		pkt = &fb.DelayResp{
			Header: fbHeader(&v.Header, ptp.MessageDelayResp, ptp.DelayRespLength),
			DelayRespBody: fb.DelayRespBody{
				ReceiveTimestamp: fb.NewTimestamp(v.ReceiveTimestamp.Time()),
				RequestingPortIdentity: fb.PortIdentity{
					ClockIdentity: fb.ClockIdentity(v.RequestingPortIdentity.ClockIdentity),
					PortNumber:    v.RequestingPortIdentity.PortNumber,
				},
			},
		}
	default:
		return nil, fmt.Errorf("wire: cannot encode %T: %w", m, ptp.ErrInvalidMessage)
	}
	b, err := fb.Bytes(pkt)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", m.MessageHeader().MessageType, err)
	}
	return b, nil
}

func header(h *fb.Header) ptp.Header {
	return ptp.Header{
		MessageType:        ptp.MessageType(h.SdoIDAndMsgType.MsgType()),
		Version:            h.Version,
		MessageLength:      h.MessageLength,
		DomainNumber:       h.DomainNumber,
		TwoStep:            h.FlagField&flagTwoStep != 0,
		CorrectionNs:       int64(h.CorrectionField.Nanoseconds()),
		SequenceID:         h.SequenceID,
		SourcePortIdentity: portIdentity(h.SourcePortIdentity),
		LogMessageInterval: int8(h.LogMessageInterval),
	}
}

func fbHeader(h *ptp.Header, t ptp.MessageType, length uint16) fb.Header {
	version := h.Version
	if version == 0 {
		version = ptp.VersionPTP
	}
	var flags uint16
	if h.TwoStep {
		flags |= flagTwoStep
	}
	return fb.Header{
		SdoIDAndMsgType: fb.NewSdoIDAndMsgType(fb.MessageType(t), 0),
		Version:         version,
		MessageLength:   length,
		DomainNumber:    h.DomainNumber,
		FlagField:       flags,
		CorrectionField: fb.NewCorrection(float64(h.CorrectionNs)),
		SourcePortIdentity: fb.PortIdentity{
			ClockIdentity: fb.ClockIdentity(h.SourcePortIdentity.ClockIdentity),
			PortNumber:    h.SourcePortIdentity.PortNumber,
		},
		SequenceID:         h.SequenceID,
		LogMessageInterval: fb.LogInterval(h.LogMessageInterval),
	}
}

func portIdentity(p fb.PortIdentity) ptp.PortIdentity {
	return ptp.PortIdentity{ClockIdentity: ptp.ClockIdentity(p.ClockIdentity), PortNumber: p.PortNumber}
}

func timestamp(t fb.Timestamp) ptp.Timestamp {
	return ptp.NewTimestamp(t.Time())
}
