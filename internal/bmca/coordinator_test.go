package bmca

import (
	"errors"
	"testing"

	"github.com/shiwa/timecard-mini/ptpsync/internal/port"
	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
	"github.com/shiwa/timecard-mini/ptpsync/internal/telemetry"
)

const localID ptp.ClockIdentity = 0x0000000000000100

func at(s float64) ptp.Timestamp {
	return ptp.TimestampFromNanoseconds(int64((100 + s) * 1e9))
}

func newCoordinator(t *testing.T, opts ...Option) (*Coordinator, *port.Port) {
	t.Helper()
	p := port.New(port.DefaultConfig(1), localID, nil)
	if err := p.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	c := NewCoordinator(p, DefaultLocal(localID), opts...)
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	return c, p
}

func announceFrom(id ptp.ClockIdentity, class uint8, steps uint16) *ptp.Announce {
	return &ptp.Announce{
		Header:                  ptp.NewHeader(ptp.MessageAnnounce, 0, ptp.PortIdentity{ClockIdentity: id, PortNumber: 1}, 0, 1),
		GrandmasterPriority1:    128,
		GrandmasterPriority2:    128,
		GrandmasterIdentity:     id,
		GrandmasterClockQuality: ptp.ClockQuality{ClockClass: class, ClockAccuracy: 0x21, OffsetScaledLogVariance: 0x4e5d},
		StepsRemoved:            steps,
	}
}

func TestCoordinator_TickInterval(t *testing.T) {
	c, _ := newCoordinator(t)
	want := []uint64{1, 1, 2, 3}
	for i, s := range []float64{0, 0.5, 1.0, 2.0} {
		if _, err := c.Tick(at(s)); err != nil {
			t.Fatal(err)
		}
		if got := c.Statistics().TotalExecutions; got != want[i] {
			t.Errorf("тик %v с: ожидали %d выполнений, получили %d", s, want[i], got)
		}
	}
}

func TestCoordinator_ForeignBestLeadsToSlave(t *testing.T) {
	c, p := newCoordinator(t)
	c.OnAnnounce(announceFrom(0x42, 6, 2), at(0))
	if err := c.Execute(at(0)); err != nil {
		t.Fatal(err)
	}
	if p.State() != port.StateUncalibrated {
		t.Fatalf("ожидали UNCALIBRATED, получили %s", p.State())
	}
	parent, ok := p.ParentDataSet()
	if !ok || parent.GrandmasterIdentity != 0x42 || p.CurrentDataSet().StepsRemoved != 3 {
		t.Errorf("parentDS: %+v steps=%d", parent, p.CurrentDataSet().StepsRemoved)
	}
	st := c.Statistics()
	if st.SlaveSelections != 1 || st.RoleChanges != 1 || st.ParentChanges != 1 {
		t.Errorf("статистика: %+v", st)
	}

	// смена родителя в SLAVE возвращает порт в UNCALIBRATED
	if err := p.ProcessEvent(port.EventMasterClockSelected); err != nil {
		t.Fatal(err)
	}
	c.OnAnnounce(announceFrom(0x41, 6, 0), at(0.5))
	if err := c.Execute(at(0.5)); err != nil {
		t.Fatal(err)
	}
	if p.State() != port.StateUncalibrated {
		t.Errorf("после смены родителя ожидали UNCALIBRATED, получили %s", p.State())
	}
}

func TestCoordinator_LocalBestBecomesMasterAfterQualification(t *testing.T) {
	reg := telemetry.NewRegistry()
	c, p := newCoordinator(t, WithTelemetry(reg))
	if err := c.Execute(at(0)); err != nil {
		t.Fatal(err)
	}
	if p.State() != port.StateListening {
		t.Fatalf("до истечения окна порт должен слушать, получили %s", p.State())
	}
	if h := c.Health(); !h.NoCandidates || h.Status != Degraded {
		t.Errorf("здоровье в LISTENING: %+v", h)
	}
	if err := c.Execute(at(6)); err != nil {
		t.Fatal(err)
	}
	if p.State() != port.StateMaster {
		t.Fatalf("ожидали MASTER, получили %s", p.State())
	}
	parent, _ := p.ParentDataSet()
	if parent.GrandmasterIdentity != localID || p.CurrentDataSet().StepsRemoved != 0 {
		t.Errorf("master должен объявлять себя: %+v", parent)
	}
	if reg.Snapshot().Get(telemetry.BMCALocalWins) != 1 {
		t.Error("BMCALocalWins не увеличен")
	}
	if c.Health().Status != Healthy {
		t.Errorf("здоровье master: %+v", c.Health())
	}
}

func TestCoordinator_LocalBeatsWorseForeign(t *testing.T) {
	c, p := newCoordinator(t)
	local := DefaultLocal(localID)
	local.ClockQuality.ClockClass = 6
	c.SetLocal(local)
	c.OnAnnounce(announceFrom(0x42, 248, 0), at(0))
	if err := c.Execute(at(0)); err != nil {
		t.Fatal(err)
	}
	if p.State() != port.StateMaster {
		t.Errorf("ожидали MASTER, получили %s", p.State())
	}
}

func TestCoordinator_ForcedTieGivesPassive(t *testing.T) {
	reg := telemetry.NewRegistry()
	c, p := newCoordinator(t, WithTieSource(NewForcedTies(1)), WithTelemetry(reg))
	c.OnAnnounce(announceFrom(0x42, 6, 0), at(0))
	if err := c.Execute(at(0)); err != nil {
		t.Fatal(err)
	}
	if p.State() != port.StatePassive {
		t.Errorf("ожидали PASSIVE, получили %s", p.State())
	}
	if reg.Snapshot().Get(telemetry.BMCAPassiveWins) != 1 {
		t.Error("BMCAPassiveWins не увеличен")
	}
}

func TestCoordinator_ForeignTableLimitAndPurge(t *testing.T) {
	reg := telemetry.NewRegistry()
	c, _ := newCoordinator(t, WithTelemetry(reg))
	cfg := DefaultConfig()
	cfg.MaxForeignMasters = 1
	if err := c.Configure(cfg); err != nil {
		t.Fatal(err)
	}
	c.OnAnnounce(announceFrom(0x42, 6, 0), at(0))
	c.OnAnnounce(announceFrom(0x43, 6, 0), at(0))
	c.OnAnnounce(announceFrom(localID, 6, 0), at(0))
	if c.ForeignMasters() != 1 || c.Statistics().ForeignDiscarded != 1 {
		t.Errorf("таблица: %d записей, отброшено %d", c.ForeignMasters(), c.Statistics().ForeignDiscarded)
	}
	if reg.Snapshot().Get(telemetry.ValidationsFailed) != 1 {
		t.Error("переполнение должно увеличить ValidationsFailed")
	}

	// окно 6 с: запись старше удаляется перед выполнением
	if err := c.Execute(at(7)); err != nil {
		t.Fatal(err)
	}
	if c.ForeignMasters() != 0 || !c.Health().StaleForeignList {
		t.Errorf("ожидали очистку устаревших записей: %d, %+v", c.ForeignMasters(), c.Health())
	}
}

func TestCoordinator_Oscillation(t *testing.T) {
	c, _ := newCoordinator(t)
	cfg := DefaultConfig()
	cfg.OscillationThreshold = 1
	if err := c.Configure(cfg); err != nil {
		t.Fatal(err)
	}
	c.OnAnnounce(announceFrom(0x42, 6, 0), at(0))
	if err := c.Execute(at(0)); err != nil {
		t.Fatal(err)
	}
	h := c.Health()
	if !h.ExcessiveOscillation || h.Status != Degraded || c.Statistics().OscillationCount != 1 {
		t.Errorf("осцилляция: %+v %+v", h, c.Statistics())
	}
}

func TestCoordinator_Lifecycle(t *testing.T) {
	c, _ := newCoordinator(t)
	if err := c.Start(); !errors.Is(err, ptp.ErrState) {
		t.Errorf("повторный Start: ожидали ErrState, получили %v", err)
	}
	c.Stop()
	if err := c.Execute(at(0)); !errors.Is(err, ptp.ErrState) {
		t.Errorf("Execute после Stop: %v", err)
	}
	if ran, _ := c.Tick(at(0)); ran {
		t.Error("остановленный координатор не должен выполняться")
	}
	if err := c.Configure(Config{}); !errors.Is(err, ptp.ErrConfigInvalid) {
		t.Errorf("пустая конфигурация: %v", err)
	}
	c.Reset()
	if c.Statistics().TotalExecutions != 0 {
		t.Error("Reset не обнулил счётчики")
	}
}

func TestCoordinator_UpstreamAdvertised(t *testing.T) {
	c, p := newCoordinator(t)
	c.SetUpstream(&Upstream{
		Parent: port.ParentDataSet{
			ParentPortIdentity:      ptp.PortIdentity{ClockIdentity: 0x99, PortNumber: 1},
			GrandmasterIdentity:     0x99,
			GrandmasterPriority1:    128,
			GrandmasterPriority2:    128,
			GrandmasterClockQuality: ptp.ClockQuality{ClockClass: 6, ClockAccuracy: 0x21, OffsetScaledLogVariance: 0x4e5d},
		},
		StepsRemoved: 1,
	})
	// кандидат на этом порту хуже Ebest, но лучше собственных часов
	c.OnAnnounce(announceFrom(0x42, 7, 0), at(0))
	if err := c.Execute(at(0)); err != nil {
		t.Fatal(err)
	}
	if p.State() != port.StateMaster {
		t.Fatalf("ожидали MASTER, получили %s", p.State())
	}
	ds, _ := p.ParentDataSet()
	if ds.GrandmasterIdentity != 0x99 || p.CurrentDataSet().StepsRemoved != 1 {
		t.Errorf("master должен анонсировать Ebest: %+v steps=%d", ds, p.CurrentDataSet().StepsRemoved)
	}

	c.SetUpstream(nil)
	if err := c.Execute(at(1)); err != nil {
		t.Fatal(err)
	}
	if p.State() != port.StateUncalibrated {
		t.Errorf("без Ebest кандидат лучше локальных часов: ожидали UNCALIBRATED, получили %s", p.State())
	}
}
