package ptp

import "fmt"

// MessageType — код типа сообщения (младшие 4 бита первого октета).
type MessageType uint8

const (
	MessageSync       MessageType = 0x0
	MessageDelayReq   MessageType = 0x1
	MessageFollowUp   MessageType = 0x8
	MessageDelayResp  MessageType = 0x9
	MessageAnnounce   MessageType = 0xB
	MessageSignaling  MessageType = 0xC
	MessageManagement MessageType = 0xD
)

func (m MessageType) String() string {
	switch m {
	case MessageSync:
		return "SYNC"
	case MessageDelayReq:
		return "DELAY_REQ"
	case MessageFollowUp:
		return "FOLLOW_UP"
	case MessageDelayResp:
		return "DELAY_RESP"
	case MessageAnnounce:
		return "ANNOUNCE"
	case MessageSignaling:
		return "SIGNALING"
	case MessageManagement:
		return "MANAGEMENT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%x)", uint8(m))
	}
}

// Длины сообщений на проводе (заголовок 34 + тело), без TLV.
const (
	HeaderLength    = 34
	AnnounceLength  = 64
	SyncLength      = 44
	FollowUpLength  = 44
	DelayReqLength  = 44
	DelayRespLength = 54
)

// Header — общий заголовок сообщения.
type Header struct {
	MessageType        MessageType
	Version            uint8
	MessageLength      uint16
	DomainNumber       uint8
	TwoStep            bool
	CorrectionNs       int64
	SequenceID         uint16
	SourcePortIdentity PortIdentity
	LogMessageInterval int8
}

// MajorVersion возвращает versionPTP & 0x0f.
func (h Header) MajorVersion() uint8 {
	return h.Version & VersionMask
}

// Message — закрытое объединение сообщений. Диспетчеризация только через type switch.
type Message interface {
	MessageHeader() *Header
	isMessage()
}

// Announce — объявление о лучшем известном гроссмейстере.
type Announce struct {
	Header
	OriginTimestamp         Timestamp
	CurrentUTCOffset        int16
	GrandmasterPriority1    uint8
	GrandmasterClockQuality ClockQuality
	GrandmasterPriority2    uint8
	GrandmasterIdentity     ClockIdentity
	StepsRemoved            uint16
	TimeSource              uint8
}

// Sync несёт T1 в одношаговом режиме; в двухшаговом T1 приходит в Follow_Up.
type Sync struct {
	Header
	OriginTimestamp Timestamp
}

// FollowUp — точная метка отправки Sync.
type FollowUp struct {
	Header
	PreciseOriginTimestamp Timestamp
}

// DelayReq — запрос задержки от slave.
type DelayReq struct {
	Header
	OriginTimestamp Timestamp
}

// DelayResp — ответ master с меткой приёма Delay_Req (T4).
type DelayResp struct {
	Header
	ReceiveTimestamp       Timestamp
	RequestingPortIdentity PortIdentity
}

func (m *Announce) MessageHeader() *Header  { return &m.Header }
func (m *Sync) MessageHeader() *Header      { return &m.Header }
func (m *FollowUp) MessageHeader() *Header  { return &m.Header }
func (m *DelayReq) MessageHeader() *Header  { return &m.Header }
func (m *DelayResp) MessageHeader() *Header { return &m.Header }

func (*Announce) isMessage()  {}
func (*Sync) isMessage()      {}
func (*FollowUp) isMessage()  {}
func (*DelayReq) isMessage()  {}
func (*DelayResp) isMessage() {}

// NewHeader заполняет заголовок для исходящего сообщения.
func NewHeader(t MessageType, domain uint8, src PortIdentity, seq uint16, logInterval int8) Header {
	h := Header{
		MessageType:        t,
		Version:            VersionPTP,
		DomainNumber:       domain,
		SequenceID:         seq,
		SourcePortIdentity: src,
		LogMessageInterval: logInterval,
	}
	switch t {
	case MessageAnnounce:
		h.MessageLength = AnnounceLength
	case MessageSync:
		h.MessageLength = SyncLength
	case MessageFollowUp:
		h.MessageLength = FollowUpLength
	case MessageDelayReq:
		h.MessageLength = DelayReqLength
	case MessageDelayResp:
		h.MessageLength = DelayRespLength
	}
	return h
}
