package offset

import (
	"fmt"
	"math"

	"github.com/shiwa/timecard-mini/ptpsync/internal/logger"
	"github.com/shiwa/timecard-mini/ptpsync/internal/port"
	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
)

const (
	codeSample       uint16 = 0x0600
	codeStatusChange uint16 = 0x0601
	codeBadSample    uint16 = 0x0602
)

const (
	subMicrosecondNs = 1000.0
	stableStdDevNs   = 500.0
	maxErrorRate     = 0.01
)

// Config — параметры сэмплирования и пороги здоровья.
type Config struct {
	SamplingIntervalMs      uint32
	VarianceWindowSamples   int
	SynchronizedThresholdNs float64
	DegradedThresholdNs     float64
	CriticalThresholdNs     float64
	EnableHealthMonitoring  bool
}

// DefaultConfig — сэмпл раз в секунду, окно 10, пороги 1 мкс / 10 мкс / 100 мкс.
func DefaultConfig() Config {
	return Config{
		SamplingIntervalMs:      1000,
		VarianceWindowSamples:   10,
		SynchronizedThresholdNs: 1000,
		DegradedThresholdNs:     10000,
		CriticalThresholdNs:     100000,
		EnableHealthMonitoring:  true,
	}
}

// Validate отклоняет конфигурацию целиком.
func (c Config) Validate() error {
	if c.SamplingIntervalMs == 0 {
		return fmt.Errorf("offset: sampling interval must be > 0: %w", ptp.ErrConfigInvalid)
	}
	if c.VarianceWindowSamples <= 0 {
		return fmt.Errorf("offset: variance window must be > 0: %w", ptp.ErrConfigInvalid)
	}
	if !(c.SynchronizedThresholdNs < c.DegradedThresholdNs && c.DegradedThresholdNs < c.CriticalThresholdNs) {
		return fmt.Errorf("offset: thresholds must ascend (%v < %v < %v): %w",
			c.SynchronizedThresholdNs, c.DegradedThresholdNs, c.CriticalThresholdNs, ptp.ErrConfigInvalid)
	}
	return nil
}

// SyncStatus — оценка качества синхронизации.
type SyncStatus int

const (
	Synchronized SyncStatus = iota
	Converging
	Degraded
	Critical
)

func (s SyncStatus) String() string {
	switch s {
	case Synchronized:
		return "synchronized"
	case Converging:
		return "converging"
	case Degraded:
		return "degraded"
	default:
		return "critical"
	}
}

// Statistics — накопленная статистика смещения и задержки.
type Statistics struct {
	TotalOffsetSamples       uint64
	TotalDelaySamples        uint64
	E2EMeasurements          uint64
	P2PMeasurements          uint64
	SubMicrosecondSamples    uint64
	NegativeDelayCount       uint64
	TimestampOrderViolations uint64

	CurrentOffsetNs float64
	MinOffsetNs     float64
	MaxOffsetNs     float64
	AvgOffsetNs     float64
	CurrentDelayNs  float64
	MinDelayNs      float64
	MaxDelayNs      float64
	AvgDelayNs      float64

	OffsetVarianceNs2 float64
	OffsetStdDevNs    float64
	DriftPPB          float64
}

// Health — снимок здоровья.
type Health struct {
	Status     SyncStatus
	HasSamples bool
	Stable     bool
	ErrorRate  float64
}

// DataSetSource — откуда берутся offset/delay (порт).
type DataSetSource interface {
	State() port.State
	Config() port.Config
	CurrentDataSet() port.CurrentDataSet
}

// Coordinator периодически снимает currentDS порта и ведёт статистику.
type Coordinator struct {
	cfg Config
	src DataSetSource
	log *logger.Logger

	running    bool
	sampled    bool
	lastSample ptp.Timestamp
	base       ptp.Timestamp
	win        *window
	stats      Statistics
	health     Health
}

// Option настраивает Coordinator.
type Option func(*Coordinator)

// WithLogger задаёт логгер.
func WithLogger(l *logger.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// NewCoordinator создаёт координатор с конфигурацией по умолчанию.
func NewCoordinator(src DataSetSource, opts ...Option) *Coordinator {
	cfg := DefaultConfig()
	c := &Coordinator{
		cfg:    cfg,
		src:    src,
		log:    logger.Nop(),
		win:    newWindow(cfg.VarianceWindowSamples),
		health: Health{Status: Converging},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Configure заменяет конфигурацию после проверки; окно пересоздаётся.
func (c *Coordinator) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg
	c.win = newWindow(cfg.VarianceWindowSamples)
	return nil
}

// Config возвращает действующую конфигурацию.
func (c *Coordinator) Config() Config { return c.cfg }

// Start запускает периодическое сэмплирование.
func (c *Coordinator) Start() error {
	if c.running {
		return fmt.Errorf("offset: already running: %w", ptp.ErrState)
	}
	c.running = true
	c.sampled = false
	return nil
}

// Stop останавливает сэмплирование.
func (c *Coordinator) Stop() { c.running = false }

// IsRunning сообщает, запущен ли координатор.
func (c *Coordinator) IsRunning() bool { return c.running }

// Tick снимает сэмпл при первом вызове и далее не чаще SamplingIntervalMs.
func (c *Coordinator) Tick(now ptp.Timestamp) bool {
	if !c.running {
		return false
	}
	if c.sampled && now.Sub(c.lastSample) < int64(c.cfg.SamplingIntervalMs)*1e6 {
		return false
	}
	c.sampled = true
	c.lastSample = now
	return c.sample(now)
}

// SampleNow снимает сэмпл немедленно, не сдвигая периодический таймер.
func (c *Coordinator) SampleNow(now ptp.Timestamp) bool {
	if !c.running {
		return false
	}
	return c.sample(now)
}

// RecordOrderViolation учитывает отброшенный обмен с нарушенным порядком меток.
func (c *Coordinator) RecordOrderViolation() {
	c.stats.TimestampOrderViolations++
	c.evaluate()
}

// RecordNegativeDelay учитывает отброшенный обмен с отрицательной задержкой.
func (c *Coordinator) RecordNegativeDelay() {
	c.stats.NegativeDelayCount++
	c.evaluate()
}

func (c *Coordinator) sample(now ptp.Timestamp) bool {
	switch c.src.State() {
	case port.StateSlave, port.StateUncalibrated:
	default:
		return false
	}
	ds := c.src.CurrentDataSet()
	if ds.MeanPathDelayNs < 0 {
		c.log.Warn(codeBadSample, "negative path delay %.1f ns", ds.MeanPathDelayNs)
		c.RecordNegativeDelay()
		return false
	}
	off, delay := ds.OffsetFromMasterNs, ds.MeanPathDelayNs
	s := &c.stats

	s.TotalOffsetSamples++
	s.TotalDelaySamples++
	if c.src.Config().DelayMechanism == port.DelayP2P {
		s.P2PMeasurements++
	} else {
		s.E2EMeasurements++
	}
	if math.Abs(off) < subMicrosecondNs {
		s.SubMicrosecondSamples++
	}

	n := float64(s.TotalOffsetSamples)
	s.CurrentOffsetNs = off
	s.CurrentDelayNs = delay
	if s.TotalOffsetSamples == 1 {
		s.MinOffsetNs, s.MaxOffsetNs = off, off
		s.MinDelayNs, s.MaxDelayNs = delay, delay
		c.base = now
	} else {
		s.MinOffsetNs = math.Min(s.MinOffsetNs, off)
		s.MaxOffsetNs = math.Max(s.MaxOffsetNs, off)
		s.MinDelayNs = math.Min(s.MinDelayNs, delay)
		s.MaxDelayNs = math.Max(s.MaxDelayNs, delay)
	}
	s.AvgOffsetNs += (off - s.AvgOffsetNs) / n
	s.AvgDelayNs += (delay - s.AvgDelayNs) / n

	c.win.add(float64(now.Sub(c.base))/1e9, off)
	s.OffsetVarianceNs2 = c.win.variance()
	s.OffsetStdDevNs = math.Sqrt(s.OffsetVarianceNs2)
	s.DriftPPB = c.win.slope()

	c.log.Debug(codeSample, "offset=%.1f ns delay=%.1f ns stddev=%.1f", off, delay, s.OffsetStdDevNs)
	c.evaluate()
	return true
}

func (c *Coordinator) evaluate() {
	if !c.cfg.EnableHealthMonitoring {
		return
	}
	s := &c.stats
	h := Health{HasSamples: s.TotalOffsetSamples > 0}
	abs := math.Abs(s.CurrentOffsetNs)
	switch {
	case !h.HasSamples:
		h.Status = Converging
	case abs < c.cfg.SynchronizedThresholdNs:
		h.Status = Synchronized
	case abs < c.cfg.DegradedThresholdNs:
		h.Status = Converging
	case abs < c.cfg.CriticalThresholdNs:
		h.Status = Degraded
	default:
		h.Status = Critical
	}
	h.Stable = s.OffsetStdDevNs < stableStdDevNs
	if h.Status == Synchronized && !h.Stable {
		h.Status = Converging
	}
	errs := float64(s.NegativeDelayCount + s.TimestampOrderViolations)
	switch {
	case s.TotalOffsetSamples > 0:
		h.ErrorRate = errs / float64(s.TotalOffsetSamples)
	case errs > 0:
		h.ErrorRate = 1
	}
	if h.ErrorRate >= maxErrorRate && h.Status != Critical {
		h.Status = Degraded
	}
	if h.Status != c.health.Status {
		c.log.Info(codeStatusChange, "sync status %s -> %s (offset %.1f ns)", c.health.Status, h.Status, s.CurrentOffsetNs)
	}
	c.health = h
}

// Statistics возвращает копию статистики.
func (c *Coordinator) Statistics() Statistics { return c.stats }

// Health возвращает снимок здоровья.
func (c *Coordinator) Health() Health { return c.health }

// Reset обнуляет статистику и окно.
func (c *Coordinator) Reset() {
	c.stats = Statistics{}
	c.health = Health{Status: Converging}
	c.win.reset()
	c.sampled = false
}
