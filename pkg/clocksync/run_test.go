package clocksync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shiwa/timecard-mini/ptpsync/internal/config"
	"github.com/shiwa/timecard-mini/ptpsync/internal/logger"
	"github.com/shiwa/timecard-mini/ptpsync/internal/port"
	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
	"github.com/shiwa/timecard-mini/ptpsync/internal/wire"
)

const localID ptp.ClockIdentity = 0x0000000000000200

type frame struct {
	port  uint16
	event bool
	data  []byte
}

// fakeTransport запоминает отправленные кадры; метка отправки — фиксированное время.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []frame
	rx     chan Packet
	closed bool
	err    error
	txTime time.Time
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{rx: make(chan Packet, 4), txTime: time.Unix(1000, 250)}
}

func (f *fakeTransport) Send(portNumber uint16, event bool, b []byte) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return time.Time{}, f.err
	}
	f.sent = append(f.sent, frame{portNumber, event, append([]byte(nil), b...)})
	return f.txTime, nil
}

func (f *fakeTransport) Receive() <-chan Packet { return f.rx }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) announces(t *testing.T) []*ptp.Announce {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ptp.Announce
	for _, fr := range f.sent {
		m, err := wire.Decode(fr.data)
		if err != nil {
			t.Fatalf("отправлен некорректный кадр: %v", err)
		}
		if a, ok := m.(*ptp.Announce); ok {
			out = append(out, a)
		}
	}
	return out
}

func testConfig() *config.Config {
	c := config.Default()
	c.Clock.Identity = localID.String()
	c.Clock.TickInterval = "10ms"
	return c
}

// fakeClock — ручные часы для детерминированных тиков.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func startDaemon(t *testing.T, tr Transport) (*daemon, *fakeClock) {
	t.Helper()
	d, err := newDaemon(testConfig(), tr)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	clk := &fakeClock{t: time.Unix(500, 0)}
	d.now = clk.now
	d.cb.now = clk.now
	if err := d.clock.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := d.clock.Start(); err != nil {
		t.Fatal(err)
	}
	return d, clk
}

func TestCallbacks_TxTimestamp(t *testing.T) {
	tr := newFakeTransport()
	cb := newCallbacks(tr, logger.Nop())
	src := ptp.PortIdentity{ClockIdentity: localID, PortNumber: 1}

	if err := cb.SendSync(&ptp.Sync{Header: ptp.NewHeader(ptp.MessageSync, 0, src, 7, 0)}); err != nil {
		t.Fatalf("SendSync: %v", err)
	}
	if err := cb.SendAnnounce(&ptp.Announce{Header: ptp.NewHeader(ptp.MessageAnnounce, 0, src, 7, 1)}); err != nil {
		t.Fatalf("SendAnnounce: %v", err)
	}
	if len(tr.sent) != 2 || !tr.sent[0].event || tr.sent[1].event || tr.sent[0].port != 1 {
		t.Fatalf("кадры: %+v", tr.sent)
	}

	ts, err := cb.TxTimestamp(1, 7, ptp.MessageSync)
	if err != nil {
		t.Fatalf("TxTimestamp: %v", err)
	}
	if !ts.Time().Equal(tr.txTime) {
		t.Errorf("метка %v, ожидалось %v", ts.Time(), tr.txTime)
	}
	if _, err := cb.TxTimestamp(1, 7, ptp.MessageSync); err == nil {
		t.Error("метка должна выдаваться один раз")
	}
	if _, err := cb.TxTimestamp(1, 7, ptp.MessageAnnounce); err == nil {
		t.Error("для general-сообщений метка не хранится")
	}

	// у каждого порта свои seq: метки разных портов не перетирают друг друга
	src2 := ptp.PortIdentity{ClockIdentity: localID, PortNumber: 2}
	if err := cb.SendSync(&ptp.Sync{Header: ptp.NewHeader(ptp.MessageSync, 0, src, 9, 0)}); err != nil {
		t.Fatal(err)
	}
	tr.txTime = time.Unix(1000, 900)
	if err := cb.SendSync(&ptp.Sync{Header: ptp.NewHeader(ptp.MessageSync, 0, src2, 9, 0)}); err != nil {
		t.Fatal(err)
	}
	ts1, err := cb.TxTimestamp(1, 9, ptp.MessageSync)
	if err != nil || ts1.Time().Nanosecond() != 250 {
		t.Errorf("порт 1: метка %v, ошибка %v", ts1.Time(), err)
	}
	ts2, err := cb.TxTimestamp(2, 9, ptp.MessageSync)
	if err != nil || ts2.Time().Nanosecond() != 900 {
		t.Errorf("порт 2: метка %v, ошибка %v", ts2.Time(), err)
	}

	tr.err = errors.New("link down")
	if err := cb.SendDelayReq(&ptp.DelayReq{Header: ptp.NewHeader(ptp.MessageDelayReq, 0, src, 1, 0x7f)}); !errors.Is(err, tr.err) {
		t.Errorf("ошибка транспорта не пробросилась: %v", err)
	}
}

func TestDaemon_BecomesMasterAndAnnounces(t *testing.T) {
	tr := newFakeTransport()
	d, clk := startDaemon(t, tr)

	d.tick()
	// окно Announce: 3 x 2 с
	clk.advance(7 * time.Second)
	d.tick()
	clk.advance(2 * time.Second)
	d.tick()

	st, err := d.clock.PortState(1)
	if err != nil {
		t.Fatal(err)
	}
	if st != port.StateMaster {
		t.Fatalf("state %s, ожидался MASTER", st)
	}
	sent := tr.announces(t)
	if len(sent) == 0 {
		t.Fatal("Announce не отправлен")
	}
	a := sent[len(sent)-1]
	if a.GrandmasterIdentity != localID || a.SourcePortIdentity.PortNumber != 1 {
		t.Errorf("announce: gm %v src %v", a.GrandmasterIdentity, a.SourcePortIdentity)
	}
}

func TestDaemon_HandleForeignAnnounce(t *testing.T) {
	tr := newFakeTransport()
	d, clk := startDaemon(t, tr)

	master := ptp.ClockIdentity(0x42)
	buf, err := wire.Encode(&ptp.Announce{
		Header:                  ptp.NewHeader(ptp.MessageAnnounce, 0, ptp.PortIdentity{ClockIdentity: master, PortNumber: 1}, 1, 1),
		GrandmasterPriority1:    100,
		GrandmasterPriority2:    128,
		GrandmasterIdentity:     master,
		GrandmasterClockQuality: ptp.ClockQuality{ClockClass: 6, ClockAccuracy: 0x21, OffsetScaledLogVariance: 0x4e5d},
	})
	if err != nil {
		t.Fatal(err)
	}

	d.handle(Packet{Port: 1, Data: nil, RX: clk.now()})
	d.handle(Packet{Port: 9, Data: buf, RX: clk.now()})
	d.handle(Packet{Port: 1, Data: buf, RX: clk.now()})

	st, _ := d.clock.PortState(1)
	if st != port.StateUncalibrated {
		t.Errorf("state %s, ожидался UNCALIBRATED", st)
	}
	f, _ := d.clock.Flow(1)
	if got := f.Statistics().AnnounceProcessed; got != 1 {
		t.Errorf("AnnounceProcessed = %d", got)
	}
}

func TestDaemon_ApplyQuality(t *testing.T) {
	d, _ := startDaemon(t, newFakeTransport())
	q := ptp.ClockQuality{ClockClass: 6, ClockAccuracy: 0x21, OffsetScaledLogVariance: 0xFFFF}
	d.applyQuality(q)
	if got := d.clock.Local().ClockQuality; got != q {
		t.Errorf("quality %+v", got)
	}
	d.applyQuality(q)
	if d.clock.Local().ClockIdentity != localID {
		t.Error("identity потерялась при обновлении качества")
	}
}

func TestMetricsHandler(t *testing.T) {
	d, _ := startDaemon(t, newFakeTransport())
	d.tick()

	srv := httptest.NewServer(metricsHandler(d.reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	for _, want := range []string{"ptpsync_heartbeats_total 1", "ptpsync_likely_synchronized 0"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("нет %q в выводе:\n%s", want, body)
		}
	}
}

func TestRunDaemon(t *testing.T) {
	t.Run("until cancel", func(t *testing.T) {
		tr := newFakeTransport()
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		err := RunDaemon(ctx, testConfig(), tr, true)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("RunDaemon: %v", err)
		}
		if !tr.closed {
			t.Error("транспорт не закрыт")
		}
	})

	t.Run("transport closed", func(t *testing.T) {
		tr := newFakeTransport()
		close(tr.rx)
		err := RunDaemon(context.Background(), testConfig(), tr, true)
		if err == nil || errors.Is(err, context.Canceled) {
			t.Errorf("ожидалась ошибка закрытого транспорта, получено %v", err)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		c := testConfig()
		c.Ports = nil
		if err := RunDaemon(context.Background(), c, newFakeTransport(), true); !errors.Is(err, ptp.ErrConfigInvalid) {
			t.Errorf("ожидался ErrConfigInvalid, получено %v", err)
		}
	})

	t.Run("nil config", func(t *testing.T) {
		if err := RunDaemon(context.Background(), nil, newFakeTransport(), true); err == nil {
			t.Error("ожидалась ошибка")
		}
	})
}

func TestLogTransport(t *testing.T) {
	tr := NewLogTransport()
	if _, err := tr.Send(1, true, []byte{0x00, 0x02}); err != nil {
		t.Fatal(err)
	}
	if tr.Sent() != 1 {
		t.Errorf("Sent = %d", tr.Sent())
	}
	select {
	case <-tr.Receive():
		t.Error("LogTransport ничего не принимает")
	default:
	}
}
