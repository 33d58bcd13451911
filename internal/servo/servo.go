// Package servo — PI-серво: превращает смещение от мастера в ограниченную
// коррекцию частоты или фазы и отслеживает состояние захвата.
package servo

import (
	"fmt"
	"math"

	"github.com/shiwa/timecard-mini/ptpsync/internal/logger"
	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
	"github.com/shiwa/timecard-mini/ptpsync/internal/telemetry"
)

const (
	codeStateChange uint16 = 0x0500
	codeStep        uint16 = 0x0501
	codeAdjustFail  uint16 = 0x0502
	codeAntiWindup  uint16 = 0x0503
)

// State — состояние захвата.
type State int

const (
	Unlocked State = iota
	Locking
	Locked
	Holdover
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case Locking:
		return "locking"
	case Locked:
		return "locked"
	case Holdover:
		return "holdover"
	default:
		return "unknown"
	}
}

// Config — параметры серво.
type Config struct {
	Kp, Ki                   float64
	LockThresholdNs          float64
	LockingThresholdNs       float64
	UnlockThresholdNs        float64
	SamplesForLock           uint32
	StepThresholdNs          float64
	IntegralLimit            float64
	MaxFrequencyPPB          float64
	MaxRateOfChangePPBPerSec float64
	EnableAntiWindup         bool
	EnableRateLimiting       bool
	EnableHoldover           bool
	HoldoverTimeoutMs        uint32
}

// DefaultConfig — Kp 0.7, Ki 0.3, захват ниже 1 мкс за 10 сэмплов, шаг выше 1 мс.
func DefaultConfig() Config {
	return Config{
		Kp:                       0.7,
		Ki:                       0.3,
		LockThresholdNs:          1000,
		LockingThresholdNs:       100000,
		UnlockThresholdNs:        100000,
		SamplesForLock:           10,
		StepThresholdNs:          1e6,
		IntegralLimit:            1e6,
		MaxFrequencyPPB:          500,
		MaxRateOfChangePPBPerSec: 100,
		EnableAntiWindup:         true,
		EnableRateLimiting:       true,
		EnableHoldover:           true,
		HoldoverTimeoutMs:        5000,
	}
}

// Validate отклоняет конфигурацию целиком.
func (c Config) Validate() error {
	switch {
	case c.Kp < 0 || c.Ki < 0:
		return fmt.Errorf("servo: negative gain kp=%v ki=%v: %w", c.Kp, c.Ki, ptp.ErrConfigInvalid)
	case c.LockThresholdNs <= 0:
		return fmt.Errorf("servo: lock threshold must be > 0: %w", ptp.ErrConfigInvalid)
	case c.MaxFrequencyPPB <= 0:
		return fmt.Errorf("servo: max frequency must be > 0: %w", ptp.ErrConfigInvalid)
	case c.SamplesForLock < 1:
		return fmt.Errorf("servo: samples for lock must be >= 1: %w", ptp.ErrConfigInvalid)
	}
	return nil
}

// Statistics — счётчики серво.
type Statistics struct {
	TotalAdjustments      uint64
	FrequencyAdjustments  uint64
	PhaseAdjustments      uint64
	LockLossCount         uint64
	AntiWindupActivations uint64
	RateLimitHits         uint64
	CallbackFailures      uint64

	MinOffsetSeenNs  float64
	MaxOffsetSeenNs  float64
	LastOffsetNs     float64
	IntegralError    float64
	ProportionalTerm float64
	IntegralTerm     float64
	LastFrequencyPPB float64
	TimeInLockedMs   uint64
}

// Health — снимок здоровья серво.
type Health struct {
	State       State
	Locked      bool
	Operational bool
}

// Controller — PI-серво с состоянием захвата. Не потокобезопасен.
type Controller struct {
	cfg  Config
	adj  Adjuster
	log  *logger.Logger
	sink telemetry.Sink
	law  pi

	running     bool
	state       State
	consecutive uint32
	lastTs      ptp.Timestamp
	hasLast     bool
	stats       Statistics
}

// Option настраивает Controller.
type Option func(*Controller)

// WithLogger задаёт логгер.
func WithLogger(l *logger.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithTelemetry задаёт приёмник телеметрии.
func WithTelemetry(s telemetry.Sink) Option {
	return func(c *Controller) { c.sink = s }
}

// New создаёт серво с конфигурацией по умолчанию. adj == nil заменяется на NopAdjuster.
func New(adj Adjuster, opts ...Option) *Controller {
	if adj == nil {
		adj = NopAdjuster{}
	}
	c := &Controller{
		adj:  adj,
		log:  logger.Nop(),
		sink: telemetry.Discard,
	}
	c.apply(DefaultConfig())
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) apply(cfg Config) {
	c.cfg = cfg
	c.law.kp = cfg.Kp
	c.law.ki = cfg.Ki
	c.law.limit = cfg.IntegralLimit
	c.law.antiWindup = cfg.EnableAntiWindup
}

// Configure заменяет конфигурацию после проверки.
func (c *Controller) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.apply(cfg)
	return nil
}

// Config возвращает действующую конфигурацию.
func (c *Controller) Config() Config { return c.cfg }

// Start включает серво.
func (c *Controller) Start() error {
	if c.running {
		return fmt.Errorf("servo: already running: %w", ptp.ErrState)
	}
	c.running = true
	return nil
}

// Stop выключает серво.
func (c *Controller) Stop() { c.running = false }

// IsRunning сообщает, включено ли серво.
func (c *Controller) IsRunning() bool { return c.running }

// Adjust обрабатывает смещение offsetNs, измеренное в момент ts, и вызывает
// ровно одну коррекцию: скачок фазы или частоту.
func (c *Controller) Adjust(offsetNs float64, ts ptp.Timestamp) error {
	var dt float64
	holdover := false
	if c.hasLast {
		gap := ts.Sub(c.lastTs)
		if gap > 0 {
			dt = float64(gap) / 1e9
			if c.state == Locked {
				c.stats.TimeInLockedMs += uint64(gap / 1e6)
			}
		}
		if c.holdoverDue(gap) {
			c.setState(Holdover, offsetNs)
			holdover = true
			// разрыв не интегрируется
			dt = 0
		}
	}
	c.hasLast = true
	c.lastTs = ts

	// сэмпл после разрыва не классифицируется: выход из holdover со следующего
	if !holdover {
		c.classify(offsetNs)
	}

	out, prop, clamped := c.law.update(offsetNs, dt)
	if clamped {
		c.stats.AntiWindupActivations++
		c.log.Debug(codeAntiWindup, "integral clamped at %.0f", c.law.integral)
	}
	out = clamp(out, c.cfg.MaxFrequencyPPB)
	if c.cfg.EnableRateLimiting && dt > 0 && c.cfg.MaxRateOfChangePPBPerSec > 0 {
		maxDelta := c.cfg.MaxRateOfChangePPBPerSec * dt
		if delta := out - c.stats.LastFrequencyPPB; math.Abs(delta) > maxDelta {
			out = c.stats.LastFrequencyPPB + math.Copysign(maxDelta, delta)
			c.stats.RateLimitHits++
		}
	}

	s := &c.stats
	s.TotalAdjustments++
	if s.TotalAdjustments == 1 {
		s.MinOffsetSeenNs, s.MaxOffsetSeenNs = offsetNs, offsetNs
	} else {
		s.MinOffsetSeenNs = math.Min(s.MinOffsetSeenNs, offsetNs)
		s.MaxOffsetSeenNs = math.Max(s.MaxOffsetSeenNs, offsetNs)
	}
	s.LastOffsetNs = offsetNs
	s.ProportionalTerm = prop
	c.sink.Increment(telemetry.ServoAdjustments, 1)

	if math.Abs(offsetNs) > c.cfg.StepThresholdNs {
		s.PhaseAdjustments++
		c.law.reset()
		s.IntegralError, s.IntegralTerm = 0, 0
		c.log.Info(codeStep, "step clock by %.0f ns", offsetNs)
		if err := c.adj.AdjustClock(int64(offsetNs)); err != nil {
			return c.failed("adjust clock", err)
		}
		return nil
	}
	s.IntegralError = c.law.integral
	s.IntegralTerm = c.law.integral
	s.FrequencyAdjustments++
	s.LastFrequencyPPB = out
	if err := c.adj.AdjustFrequency(out); err != nil {
		return c.failed("adjust frequency", err)
	}
	return nil
}

func (c *Controller) failed(what string, err error) error {
	c.stats.CallbackFailures++
	c.log.Warn(codeAdjustFail, "%s: %v", what, err)
	return fmt.Errorf("servo: %s: %w: %w", what, ptp.ErrCallbackFailed, err)
}

func (c *Controller) holdoverDue(gapNs int64) bool {
	return c.state == Locked && c.cfg.EnableHoldover &&
		gapNs > int64(c.cfg.HoldoverTimeoutMs)*1e6
}

// classify обновляет состояние захвата по |offset|.
func (c *Controller) classify(offsetNs float64) {
	abs := math.Abs(offsetNs)
	switch {
	case abs < c.cfg.LockThresholdNs:
		c.consecutive++
		if c.consecutive >= c.cfg.SamplesForLock {
			c.setState(Locked, offsetNs)
		} else if c.state != Locked {
			c.setState(Locking, offsetNs)
		}
	case abs < c.cfg.LockingThresholdNs:
		c.consecutive = 0
		c.setState(Locking, offsetNs)
	case abs > c.cfg.UnlockThresholdNs:
		c.consecutive = 0
		c.setState(Unlocked, offsetNs)
	default:
		c.consecutive = 0
		if c.state == Holdover {
			c.setState(Locking, offsetNs)
		}
	}
}

func (c *Controller) setState(s State, offsetNs float64) {
	if s == c.state {
		return
	}
	from := c.state
	c.state = s
	switch s {
	case Unlocked:
		if from == Locked {
			c.stats.LockLossCount++
		}
		c.law.reset()
	case Holdover:
		c.consecutive = 0
		c.law.reset()
	}
	c.log.Info(codeStateChange, "servo %s -> %s (offset %.0f ns)", from, s, offsetNs)
}

// CheckHoldover переводит LOCKED в HOLDOVER, если сэмплов не было дольше таймаута.
func (c *Controller) CheckHoldover(now ptp.Timestamp) bool {
	if !c.hasLast || !c.holdoverDue(now.Sub(c.lastTs)) {
		return false
	}
	c.setState(Holdover, c.stats.LastOffsetNs)
	return true
}

// State возвращает состояние захвата.
func (c *Controller) State() State { return c.state }

// Statistics возвращает копию счётчиков.
func (c *Controller) Statistics() Statistics { return c.stats }

// Health возвращает снимок здоровья.
func (c *Controller) Health() Health {
	return Health{
		State:       c.state,
		Locked:      c.state == Locked,
		Operational: c.stats.TotalAdjustments > 0,
	}
}

// Reset возвращает серво в UNLOCKED с нулевым интегралом и счётчиками.
func (c *Controller) Reset() {
	c.law.reset()
	c.state = Unlocked
	c.consecutive = 0
	c.hasLast = false
	c.lastTs = ptp.Timestamp{}
	c.stats = Statistics{}
}

func clamp(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
