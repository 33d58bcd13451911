package offset

import (
	"errors"
	"math"
	"testing"

	"github.com/shiwa/timecard-mini/ptpsync/internal/port"
	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
)

func ns(v int64) ptp.Timestamp { return ptp.TimestampFromNanoseconds(v) }

func at(s float64) ptp.Timestamp { return ptp.TimestampFromNanoseconds(int64((1000 + s) * 1e9)) }

type fakeSource struct {
	state port.State
	cfg   port.Config
	ds    port.CurrentDataSet
}

func (f *fakeSource) State() port.State                   { return f.state }
func (f *fakeSource) Config() port.Config                 { return f.cfg }
func (f *fakeSource) CurrentDataSet() port.CurrentDataSet { return f.ds }

func newStarted(t *testing.T, src *fakeSource) *Coordinator {
	t.Helper()
	c := NewCoordinator(src)
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCalculate(t *testing.T) {
	s := &SampleContext{T1: ns(1000), T2: ns(4000), T3: ns(5000), T4: ns(9000)}
	m, err := Calculate(s)
	if err != nil {
		t.Fatal(err)
	}
	if m.DelayNs != 3500 || m.OffsetNs != -500 {
		t.Errorf("Calculate: ожидали delay=3500 offset=-500, получили %+v", m)
	}
	if m.OrderViolation || m.NegativeDelay {
		t.Errorf("лишние флаги: %+v", m)
	}
}

func TestCalculate_Flags(t *testing.T) {
	// T2 < T1
	m, err := Calculate(&SampleContext{T1: ns(5000), T2: ns(4000), T3: ns(6000), T4: ns(6100)})
	if err != nil {
		t.Fatal(err)
	}
	if !m.OrderViolation || !m.NegativeDelay {
		t.Errorf("ожидали нарушение порядка и отрицательную задержку: %+v", m)
	}
	// T4 < T3 при нулевой задержке
	m, _ = Calculate(&SampleContext{T1: ns(1000), T2: ns(1500), T3: ns(2000), T4: ns(1500)})
	if !m.OrderViolation || m.NegativeDelay {
		t.Errorf("T4 < T3 должно быть нарушением порядка: %+v", m)
	}
	if _, err := Calculate(&SampleContext{T1: ns(1), T2: ns(2)}); !errors.Is(err, ptp.ErrInvalidMessage) {
		t.Errorf("неполный набор: ожидали ErrInvalidMessage, получили %v", err)
	}
}

func TestCoordinator_TickInterval(t *testing.T) {
	src := &fakeSource{state: port.StateSlave, ds: port.CurrentDataSet{OffsetFromMasterNs: 100, MeanPathDelayNs: 2000}}
	c := newStarted(t, src)
	want := []uint64{1, 1, 2, 3}
	for i, s := range []float64{0, 0.5, 1.0, 2.0} {
		c.Tick(at(s))
		if got := c.Statistics().TotalOffsetSamples; got != want[i] {
			t.Errorf("тик %v с: ожидали %d сэмплов, получили %d", s, want[i], got)
		}
	}
	// SampleNow не сдвигает периодический таймер
	c.SampleNow(at(2.5))
	if !c.Tick(at(3.0)) {
		t.Error("Tick после SampleNow должен сработать по исходному расписанию")
	}
}

func TestCoordinator_Statistics(t *testing.T) {
	src := &fakeSource{state: port.StateSlave}
	c := newStarted(t, src)
	offsets := []float64{-300, 500, 2000, 100}
	for i, o := range offsets {
		src.ds = port.CurrentDataSet{OffsetFromMasterNs: o, MeanPathDelayNs: 1000 + float64(i)*100}
		c.SampleNow(at(float64(i)))
	}
	s := c.Statistics()
	if s.TotalOffsetSamples != 4 || s.E2EMeasurements != 4 || s.SubMicrosecondSamples != 3 {
		t.Errorf("счётчики: %+v", s)
	}
	if s.MinOffsetNs != -300 || s.MaxOffsetNs != 2000 || s.CurrentOffsetNs != 100 {
		t.Errorf("min/max/current: %+v", s)
	}
	if math.Abs(s.AvgOffsetNs-575) > 1e-9 || math.Abs(s.AvgDelayNs-1150) > 1e-9 {
		t.Errorf("средние: offset=%v delay=%v", s.AvgOffsetNs, s.AvgDelayNs)
	}
	// дисперсия совокупности {-300, 500, 2000, 100}: среднее 575
	wantVar := (875.0*875 + 75*75 + 1425*1425 + 475*475) / 4
	if math.Abs(s.OffsetVarianceNs2-wantVar) > 1e-6 {
		t.Errorf("дисперсия: ожидали %v, получили %v", wantVar, s.OffsetVarianceNs2)
	}
	if math.Abs(s.OffsetStdDevNs-math.Sqrt(wantVar)) > 1e-6 {
		t.Errorf("СКО: %v", s.OffsetStdDevNs)
	}
}

func TestCoordinator_Drift(t *testing.T) {
	src := &fakeSource{state: port.StateSlave}
	c := newStarted(t, src)
	// смещение растёт на 50 нс в секунду
	for i := 0; i < 6; i++ {
		src.ds = port.CurrentDataSet{OffsetFromMasterNs: float64(i) * 50, MeanPathDelayNs: 100}
		c.SampleNow(at(float64(i)))
	}
	if d := c.Statistics().DriftPPB; math.Abs(d-50) > 1e-6 {
		t.Errorf("дрейф: ожидали 50 ppb, получили %v", d)
	}
}

func TestCoordinator_Health(t *testing.T) {
	tests := []struct {
		name   string
		offset float64
		want   SyncStatus
	}{
		{"synchronized", 200, Synchronized},
		{"converging", 5000, Converging},
		{"degraded", 50000, Degraded},
		{"critical", 200000, Critical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{state: port.StateSlave, ds: port.CurrentDataSet{OffsetFromMasterNs: tt.offset, MeanPathDelayNs: 100}}
			c := newStarted(t, src)
			c.SampleNow(at(0))
			if got := c.Health().Status; got != tt.want {
				t.Errorf("ожидали %s, получили %s", tt.want, got)
			}
		})
	}
}

func TestCoordinator_HealthDemotions(t *testing.T) {
	src := &fakeSource{state: port.StateSlave}
	c := newStarted(t, src)
	// большой разброс при малом текущем смещении
	for i, o := range []float64{-900, 900, -900, 900, 10} {
		src.ds = port.CurrentDataSet{OffsetFromMasterNs: o, MeanPathDelayNs: 100}
		c.SampleNow(at(float64(i)))
	}
	if h := c.Health(); h.Status != Converging || h.Stable {
		t.Errorf("нестабильное окно должно давать converging: %+v", h)
	}

	c = newStarted(t, &fakeSource{state: port.StateSlave, ds: port.CurrentDataSet{OffsetFromMasterNs: 10, MeanPathDelayNs: 100}})
	c.SampleNow(at(0))
	c.RecordOrderViolation()
	if h := c.Health(); h.Status != Degraded || h.ErrorRate != 1 {
		t.Errorf("доля ошибок 100%%: %+v", h)
	}
}

func TestCoordinator_IgnoresNonSlaveAndNegativeDelay(t *testing.T) {
	src := &fakeSource{state: port.StateMaster, ds: port.CurrentDataSet{OffsetFromMasterNs: 10, MeanPathDelayNs: 100}}
	c := newStarted(t, src)
	if c.SampleNow(at(0)) {
		t.Error("в MASTER сэмплировать нечего")
	}
	src.state = port.StateSlave
	src.ds.MeanPathDelayNs = -5
	if c.SampleNow(at(1)) {
		t.Error("отрицательная задержка должна отбрасываться")
	}
	if c.Statistics().NegativeDelayCount != 1 || c.Statistics().TotalOffsetSamples != 0 {
		t.Errorf("счётчики: %+v", c.Statistics())
	}
}

func TestCoordinator_ConfigureAndReset(t *testing.T) {
	c := NewCoordinator(&fakeSource{state: port.StateSlave, ds: port.CurrentDataSet{OffsetFromMasterNs: 10}})
	bad := []Config{
		{SamplingIntervalMs: 0, VarianceWindowSamples: 10, SynchronizedThresholdNs: 1, DegradedThresholdNs: 2, CriticalThresholdNs: 3},
		{SamplingIntervalMs: 1, VarianceWindowSamples: 0, SynchronizedThresholdNs: 1, DegradedThresholdNs: 2, CriticalThresholdNs: 3},
		{SamplingIntervalMs: 1, VarianceWindowSamples: 1, SynchronizedThresholdNs: 3, DegradedThresholdNs: 2, CriticalThresholdNs: 1},
	}
	for i, cfg := range bad {
		if err := c.Configure(cfg); !errors.Is(err, ptp.ErrConfigInvalid) {
			t.Errorf("конфигурация %d: ожидали ErrConfigInvalid, получили %v", i, err)
		}
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); !errors.Is(err, ptp.ErrState) {
		t.Errorf("повторный Start: %v", err)
	}
	c.SampleNow(at(0))
	c.Reset()
	if s := c.Statistics(); s.TotalOffsetSamples != 0 || s.OffsetVarianceNs2 != 0 {
		t.Errorf("Reset не обнулил статистику: %+v", s)
	}
}
