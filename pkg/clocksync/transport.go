package clocksync

import (
	"fmt"
	"sync"
	"time"

	"github.com/shiwa/timecard-mini/ptpsync/internal/logger"
	"github.com/shiwa/timecard-mini/ptpsync/internal/port"
	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
	"github.com/shiwa/timecard-mini/ptpsync/internal/wire"
)

// Packet — принятый кадр PTP с меткой приёма.
type Packet struct {
	Port uint16
	Data []byte
	RX   time.Time
}

// Transport — сетевой транспорт портов. Реализуется снаружи (сокеты, PHC-метки).
type Transport interface {
	// Send отправляет кадр с порта portNumber и возвращает метку отправки.
	// event — Sync и Delay_Req (event-порт 319).
	Send(portNumber uint16, event bool, b []byte) (time.Time, error)
	// Receive — канал принятых кадров; закрывается при остановке транспорта.
	Receive() <-chan Packet
	Close() error
}

// LogTransport только пишет исходящие кадры в лог и ничего не принимает.
// Метка отправки — системное время.
type LogTransport struct {
	log *logger.Logger
	rx  chan Packet
	mu  sync.Mutex
	n   uint64
}

// NewLogTransport создаёт транспорт для сухого прогона.
func NewLogTransport() *LogTransport {
	return &LogTransport{log: logger.New("transport"), rx: make(chan Packet)}
}

func (t *LogTransport) Send(portNumber uint16, event bool, b []byte) (time.Time, error) {
	t.mu.Lock()
	t.n++
	t.mu.Unlock()
	if len(b) > 0 {
		t.log.Debug(codeTx, "port %d tx %s (%d bytes, event=%v)", portNumber, ptp.MessageType(b[0]&0x0f), len(b), event)
	}
	return time.Now(), nil
}

func (t *LogTransport) Receive() <-chan Packet { return t.rx }

func (t *LogTransport) Close() error { return nil }

// Sent — сколько кадров отправлено.
func (t *LogTransport) Sent() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// максимум ожидающих меток отправки; сверх него таблица сбрасывается
const maxPendingTx = 256

type txKey struct {
	port uint16
	t    ptp.MessageType
	seq  uint16
}

// callbacks связывает порты с транспортом: кодирует сообщения и хранит
// программные метки отправки до запроса TxTimestamp. Счётчики seq у каждого
// порта свои, поэтому ключ включает номер порта.
type callbacks struct {
	tr  Transport
	log *logger.Logger
	now func() time.Time

	mu sync.Mutex
	tx map[txKey]ptp.Timestamp
}

var _ port.Callbacks = (*callbacks)(nil)

func newCallbacks(tr Transport, log *logger.Logger) *callbacks {
	return &callbacks{tr: tr, log: log, now: time.Now, tx: make(map[txKey]ptp.Timestamp)}
}

func (c *callbacks) send(m ptp.Message) error {
	b, err := wire.Encode(m)
	if err != nil {
		return err
	}
	h := m.MessageHeader()
	event := h.MessageType == ptp.MessageSync || h.MessageType == ptp.MessageDelayReq
	ts, err := c.tr.Send(h.SourcePortIdentity.PortNumber, event, b)
	if err != nil {
		return err
	}
	if event {
		c.mu.Lock()
		if len(c.tx) >= maxPendingTx {
			c.tx = make(map[txKey]ptp.Timestamp)
		}
		c.tx[txKey{h.SourcePortIdentity.PortNumber, h.MessageType, h.SequenceID}] = ptp.NewTimestamp(ts)
		c.mu.Unlock()
	}
	return nil
}

func (c *callbacks) SendAnnounce(m *ptp.Announce) error   { return c.send(m) }
func (c *callbacks) SendSync(m *ptp.Sync) error           { return c.send(m) }
func (c *callbacks) SendFollowUp(m *ptp.FollowUp) error   { return c.send(m) }
func (c *callbacks) SendDelayReq(m *ptp.DelayReq) error   { return c.send(m) }
func (c *callbacks) SendDelayResp(m *ptp.DelayResp) error { return c.send(m) }

func (c *callbacks) Now() ptp.Timestamp { return ptp.NewTimestamp(c.now()) }

// TxTimestamp отдаёт метку один раз.
func (c *callbacks) TxTimestamp(portNumber, seq uint16, t ptp.MessageType) (ptp.Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := txKey{portNumber, t, seq}
	ts, ok := c.tx[k]
	if !ok {
		return ptp.Timestamp{}, fmt.Errorf("no tx timestamp for port %d %s seq %d", portNumber, t, seq)
	}
	delete(c.tx, k)
	return ts, nil
}

func (c *callbacks) OnStateChange(portNumber uint16, from, to port.State) {
	c.log.Info(codeState, "port %d: %s -> %s", portNumber, from, to)
}

func (c *callbacks) OnFault(portNumber uint16, reason string) {
	c.log.Warn(codeFault, "port %d fault: %s", portNumber, reason)
}
