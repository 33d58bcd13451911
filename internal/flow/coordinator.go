// Package flow связывает автомат порта, BMCA, оценку смещения и серво:
// проверяет входящие сообщения, раскладывает их по движкам и ведёт
// общую статистику и здоровье.
package flow

import (
	"fmt"

	"github.com/shiwa/timecard-mini/ptpsync/internal/bmca"
	"github.com/shiwa/timecard-mini/ptpsync/internal/logger"
	"github.com/shiwa/timecard-mini/ptpsync/internal/offset"
	"github.com/shiwa/timecard-mini/ptpsync/internal/port"
	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
	"github.com/shiwa/timecard-mini/ptpsync/internal/servo"
	"github.com/shiwa/timecard-mini/ptpsync/internal/telemetry"
)

const (
	codeRejected   uint16 = 0x0700
	codeSample     uint16 = 0x0701
	codeDropped    uint16 = 0x0702
	codeOutOfOrder uint16 = 0x0703
	codeServoFail  uint16 = 0x0704
	codeStale      uint16 = 0x0705
)

// Config — параметры координатора.
type Config struct {
	ExpectedDomain       uint8
	StrictDomainChecking bool
	EnableBMCAOnAnnounce bool
	EnableServoOnSync    bool
	AnnounceTimeoutNs    int64
	SyncTimeoutNs        int64
	MaxMessageAgeNs      int64
}

// DefaultConfig — домен 0 со строгой проверкой, BMCA и серво включены.
func DefaultConfig() Config {
	return Config{
		StrictDomainChecking: true,
		EnableBMCAOnAnnounce: true,
		EnableServoOnSync:    true,
		AnnounceTimeoutNs:    3e9,
		SyncTimeoutNs:        1e9,
		MaxMessageAgeNs:      1e10,
	}
}

// Validate отклоняет конфигурацию целиком.
func (c Config) Validate() error {
	if c.AnnounceTimeoutNs <= 0 || c.SyncTimeoutNs <= 0 || c.MaxMessageAgeNs <= 0 {
		return fmt.Errorf("flow: timeouts must be > 0: %w", ptp.ErrConfigInvalid)
	}
	return nil
}

// Statistics — счётчики координатора.
type Statistics struct {
	AnnounceReceived  uint64
	SyncReceived      uint64
	FollowUpReceived  uint64
	DelayReqReceived  uint64
	DelayRespReceived uint64

	AnnounceProcessed uint64
	SyncProcessed     uint64
	BMCATriggered     uint64
	ServoAdjustments  uint64
	OffsetsComputed   uint64

	AnnounceErrors   uint64
	SyncErrors       uint64
	DelayErrors      uint64
	InvalidMessages  uint64
	DomainMismatches uint64
	OutOfOrder       uint64
	StaleSamples     uint64
	IgnoredMessages  uint64

	AvgAnnounceIntervalNs float64
	AvgSyncIntervalNs     float64
}

func (s Statistics) errors() uint64 {
	return s.AnnounceErrors + s.SyncErrors + s.DelayErrors
}

// HealthStatus — итоговая оценка.
type HealthStatus int

const (
	Healthy HealthStatus = iota
	Degraded
	Critical
)

func (h HealthStatus) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return "critical"
	}
}

// Health — снимок здоровья.
type Health struct {
	Status             HealthStatus
	AnnounceFlowActive bool
	SyncFlowActive     bool
	BMCAHealthy        bool
	SyncHealthy        bool
	ServoHealthy       bool
	BMCAOperational    bool
	SyncOperational    bool
	ServoOperational   bool
	WithinTimingSpec   bool
	LastAnnounce       ptp.Timestamp
	LastSync           ptp.Timestamp
}

// Coordinator — координатор одного порта. Не потокобезопасен.
type Coordinator struct {
	cfg    Config
	port   *port.Port
	bmca   *bmca.Coordinator
	offset *offset.Coordinator
	servo  *servo.Controller
	log    *logger.Logger
	sink   telemetry.Sink

	running        bool
	ring           samples
	stats          Statistics
	announceActive bool
	syncActive     bool
	lastAnnounce   ptp.Timestamp
	lastSync       ptp.Timestamp
	lastTick       ptp.Timestamp
	// число измерений порта, уже учтённых координатором смещения
	sampled uint64
}

// Option настраивает Coordinator.
type Option func(*Coordinator)

// WithLogger задаёт логгер.
func WithLogger(l *logger.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithTelemetry задаёт приёмник телеметрии.
func WithTelemetry(s telemetry.Sink) Option {
	return func(c *Coordinator) { c.sink = s }
}

// New связывает движки одного порта.
func New(p *port.Port, b *bmca.Coordinator, o *offset.Coordinator, s *servo.Controller, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:    DefaultConfig(),
		port:   p,
		bmca:   b,
		offset: o,
		servo:  s,
		log:    logger.Nop(),
		sink:   telemetry.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configure заменяет конфигурацию после проверки.
func (c *Coordinator) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

// Config возвращает действующую конфигурацию.
func (c *Coordinator) Config() Config { return c.cfg }

// Port возвращает порт координатора.
func (c *Coordinator) Port() *port.Port { return c.port }

// BMCA возвращает координатор BMCA.
func (c *Coordinator) BMCA() *bmca.Coordinator { return c.bmca }

// Offset возвращает координатор смещения.
func (c *Coordinator) Offset() *offset.Coordinator { return c.offset }

// Servo возвращает серво.
func (c *Coordinator) Servo() *servo.Controller { return c.servo }

// Start запускает координатор и ещё не запущенные движки.
func (c *Coordinator) Start() error {
	if c.running {
		return fmt.Errorf("flow: already running: %w", ptp.ErrState)
	}
	if !c.bmca.IsRunning() {
		if err := c.bmca.Start(); err != nil {
			return err
		}
	}
	if !c.offset.IsRunning() {
		if err := c.offset.Start(); err != nil {
			return err
		}
	}
	if !c.servo.IsRunning() {
		if err := c.servo.Start(); err != nil {
			return err
		}
	}
	c.running = true
	return nil
}

// Stop останавливает координатор и движки.
func (c *Coordinator) Stop() {
	c.running = false
	c.bmca.Stop()
	c.offset.Stop()
	c.servo.Stop()
	c.ring.reset()
}

// IsRunning сообщает, запущен ли координатор.
func (c *Coordinator) IsRunning() bool { return c.running }

// ProcessMessage раскладывает сообщение по типу. rx — метка приёма.
func (c *Coordinator) ProcessMessage(msg ptp.Message, rx ptp.Timestamp) error {
	switch m := msg.(type) {
	case *ptp.Announce:
		return c.ProcessAnnounce(m, rx)
	case *ptp.Sync:
		return c.ProcessSync(m, rx)
	case *ptp.FollowUp:
		return c.ProcessFollowUp(m, rx)
	case *ptp.DelayReq:
		return c.ProcessDelayReq(m, rx)
	case *ptp.DelayResp:
		return c.ProcessDelayResp(m, rx)
	default:
		c.stats.InvalidMessages++
		return fmt.Errorf("flow: unsupported message %T: %w", msg, ptp.ErrInvalidMessage)
	}
}

func (c *Coordinator) checkRunning() error {
	if !c.running {
		return fmt.Errorf("flow: port %d not running: %w", c.port.Identity().PortNumber, ptp.ErrState)
	}
	return nil
}

// validate проверяет версию, длину и домен; typeErrs — счётчик ошибок данного типа.
func (c *Coordinator) validate(h *ptp.Header, typeErrs *uint64) error {
	var err error
	switch {
	case h.MajorVersion() != ptp.VersionPTP:
		c.stats.InvalidMessages++
		err = fmt.Errorf("flow: %s version %d: %w", h.MessageType, h.MajorVersion(), ptp.ErrInvalidVersion)
	case h.MessageLength > ptp.MaxMessageLength:
		c.stats.InvalidMessages++
		err = fmt.Errorf("flow: %s length %d: %w", h.MessageType, h.MessageLength, ptp.ErrInvalidMessage)
	case c.cfg.StrictDomainChecking && h.DomainNumber != c.cfg.ExpectedDomain:
		c.stats.DomainMismatches++
		err = fmt.Errorf("flow: %s domain %d, expected %d: %w", h.MessageType, h.DomainNumber, c.cfg.ExpectedDomain, ptp.ErrWrongDomain)
	default:
		return nil
	}
	*typeErrs++
	c.log.Debug(codeRejected, "rejected %s seq %d from %s: %v", h.MessageType, h.SequenceID, h.SourcePortIdentity, err)
	return err
}

// ProcessAnnounce заносит Announce в таблицу BMCA и при необходимости запускает BMCA.
func (c *Coordinator) ProcessAnnounce(a *ptp.Announce, rx ptp.Timestamp) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	c.stats.AnnounceReceived++
	if err := c.validate(&a.Header, &c.stats.AnnounceErrors); err != nil {
		return err
	}
	if a.SourcePortIdentity.ClockIdentity == c.port.Identity().ClockIdentity {
		c.stats.IgnoredMessages++
		return nil
	}
	c.bmca.OnAnnounce(a, rx)
	c.port.AnnounceReceived(a.SourcePortIdentity, rx)
	c.stats.AnnounceProcessed++
	if c.announceActive {
		c.stats.AvgAnnounceIntervalNs = ema(c.stats.AvgAnnounceIntervalNs, rx.Sub(c.lastAnnounce))
	}
	c.announceActive = true
	c.lastAnnounce = rx

	if c.cfg.EnableBMCAOnAnnounce && c.bmca.Config().EnableOnAnnounce {
		c.stats.BMCATriggered++
		return c.bmca.Execute(rx)
	}
	return nil
}

// ProcessSync записывает T2 (и T1 для одношагового Sync) от текущего родителя.
func (c *Coordinator) ProcessSync(s *ptp.Sync, rx ptp.Timestamp) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	c.stats.SyncReceived++
	if err := c.validate(&s.Header, &c.stats.SyncErrors); err != nil {
		return err
	}
	if !c.acceptsTiming(s.SourcePortIdentity) {
		c.stats.IgnoredMessages++
		return nil
	}
	ctx, evicted := c.ring.open(s.SequenceID, rx)
	if evicted {
		c.stats.StaleSamples++
	}
	ctx.T2 = rx
	ctx.CorrectionNs = s.CorrectionNs
	if !s.TwoStep {
		ctx.T1 = s.OriginTimestamp
	}
	c.stats.SyncProcessed++
	if c.syncActive {
		c.stats.AvgSyncIntervalNs = ema(c.stats.AvgSyncIntervalNs, rx.Sub(c.lastSync))
	}
	c.syncActive = true
	c.lastSync = rx
	return c.tryComplete(ctx)
}

// ProcessFollowUp записывает точное T1 для своего Sync.
func (c *Coordinator) ProcessFollowUp(f *ptp.FollowUp, _ ptp.Timestamp) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	c.stats.FollowUpReceived++
	if err := c.validate(&f.Header, &c.stats.SyncErrors); err != nil {
		return err
	}
	if !c.acceptsTiming(f.SourcePortIdentity) {
		c.stats.IgnoredMessages++
		return nil
	}
	ctx := c.ring.bySync(f.SequenceID)
	if ctx == nil {
		c.stats.OutOfOrder++
		c.log.Debug(codeOutOfOrder, "follow_up seq %d without sync", f.SequenceID)
		return nil
	}
	ctx.T1 = f.PreciseOriginTimestamp
	ctx.CorrectionNs += f.CorrectionNs
	return c.tryComplete(ctx)
}

// ProcessDelayReq: в MASTER отвечает Delay_Resp, в роли slave собственный
// Delay_Req (эхо передачи) уточняет T3.
func (c *Coordinator) ProcessDelayReq(r *ptp.DelayReq, rx ptp.Timestamp) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	c.stats.DelayReqReceived++
	if err := c.validate(&r.Header, &c.stats.DelayErrors); err != nil {
		return err
	}
	own := r.SourcePortIdentity == c.port.Identity()
	switch st := c.port.State(); {
	case st == port.StateMaster && !own:
		if err := c.port.RespondDelayReq(r, rx); err != nil {
			c.stats.DelayErrors++
			return err
		}
		return nil
	case (st == port.StateSlave || st == port.StateUncalibrated) && own:
		ctx := c.ring.byDelayReq(r.SequenceID)
		if ctx == nil {
			c.stats.OutOfOrder++
			return nil
		}
		ctx.T3 = rx
		return c.tryComplete(ctx)
	}
	c.stats.IgnoredMessages++
	return nil
}

// ProcessDelayResp записывает T4 для своего ожидающего Delay_Req.
func (c *Coordinator) ProcessDelayResp(r *ptp.DelayResp, _ ptp.Timestamp) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	c.stats.DelayRespReceived++
	if err := c.validate(&r.Header, &c.stats.DelayErrors); err != nil {
		return err
	}
	if r.RequestingPortIdentity != c.port.Identity() || !c.acceptsTiming(r.SourcePortIdentity) {
		c.stats.IgnoredMessages++
		return nil
	}
	ctx := c.ring.byDelayReq(r.SequenceID)
	if ctx == nil {
		c.stats.OutOfOrder++
		c.log.Debug(codeOutOfOrder, "delay_resp seq %d without pending delay_req", r.SequenceID)
		return nil
	}
	ctx.T4 = r.ReceiveTimestamp
	return c.tryComplete(ctx)
}

// acceptsTiming — событийные сообщения принимаются только от родителя в роли slave.
func (c *Coordinator) acceptsTiming(src ptp.PortIdentity) bool {
	switch c.port.State() {
	case port.StateSlave, port.StateUncalibrated:
		return c.port.IsParent(src)
	}
	return false
}

// tryComplete считает смещение, когда собраны все четыре метки.
func (c *Coordinator) tryComplete(ctx *offset.SampleContext) error {
	if !ctx.Complete() {
		return nil
	}
	s := *ctx
	c.ring.release(ctx)

	m, err := offset.Calculate(&s)
	if err != nil {
		return err
	}
	switch {
	case m.OrderViolation:
		c.offset.RecordOrderViolation()
		c.sink.Increment(telemetry.ValidationsFailed, 1)
		c.log.Warn(codeDropped, "seq %d: timestamp order violation", s.SyncSequenceID)
		return nil
	case m.NegativeDelay:
		c.offset.RecordNegativeDelay()
		c.sink.Increment(telemetry.ValidationsFailed, 1)
		c.log.Warn(codeDropped, "seq %d: negative path delay %.1f ns", s.SyncSequenceID, m.DelayNs)
		return nil
	}

	if err := c.port.RecordMeasurement(m.OffsetNs, m.DelayNs); err != nil {
		return err
	}
	if c.offset.SampleNow(s.T2) {
		c.sampled = c.port.Statistics().Measurements
	}
	c.stats.OffsetsComputed++
	c.sink.Increment(telemetry.OffsetsComputed, 1)
	c.sink.Increment(telemetry.ValidationsPassed, 1)
	c.sink.RecordOffset(int64(m.OffsetNs))
	c.log.Debug(codeSample, "seq %d offset=%.1f ns delay=%.1f ns", s.SyncSequenceID, m.OffsetNs, m.DelayNs)

	if !c.cfg.EnableServoOnSync {
		return nil
	}
	c.stats.ServoAdjustments++
	if err := c.servo.Adjust(m.OffsetNs, s.T2); err != nil {
		c.log.Warn(codeServoFail, "servo: %v", err)
		return err
	}
	return nil
}

// Tick двигает таймеры BMCA и порта, отправляет Delay_Req и чистит устаревшие обмены.
func (c *Coordinator) Tick(now ptp.Timestamp) error {
	if !c.running {
		return nil
	}
	c.lastTick = now
	var firstErr error
	if _, err := c.bmca.Tick(now); err != nil {
		firstErr = err
	}
	if err := c.port.Tick(now); err != nil && firstErr == nil {
		firstErr = err
	}
	if c.port.DelayReqDue(now) {
		if ctx := c.ring.delayCandidate(); ctx != nil {
			seq, t3, err := c.port.SendDelayReq(now)
			if err != nil {
				c.stats.DelayErrors++
				if firstErr == nil {
					firstErr = err
				}
			} else {
				ctx.DelayReqSequenceID = seq
				ctx.DelayReqPending = true
				ctx.T3 = t3
			}
		}
	}
	if n := c.ring.purge(now, c.cfg.MaxMessageAgeNs); n > 0 {
		c.stats.StaleSamples += uint64(n)
		c.log.Debug(codeStale, "purged %d stale samples", n)
	}
	// периодический сэмпл только для измерения, которое ещё не учтено
	if m := c.port.Statistics().Measurements; m != c.sampled && c.offset.Tick(now) {
		c.sampled = m
	}
	c.servo.CheckHoldover(now)
	return firstErr
}

// PendingSamples — число незавершённых обменов.
func (c *Coordinator) PendingSamples() int { return c.ring.len() }

// Statistics возвращает копию счётчиков.
func (c *Coordinator) Statistics() Statistics { return c.stats }

// Health собирает здоровье из движков и собственных счётчиков.
func (c *Coordinator) Health() Health {
	h := Health{
		AnnounceFlowActive: c.announceActive,
		SyncFlowActive:     c.syncActive,
		BMCAHealthy:        c.bmca.IsRunning(),
		SyncHealthy:        c.offset.IsRunning(),
		ServoHealthy:       c.servo.IsRunning(),
		BMCAOperational:    c.bmca.Statistics().TotalExecutions > 0,
		SyncOperational:    c.offset.Statistics().TotalOffsetSamples > 0,
		ServoOperational:   c.servo.Statistics().TotalAdjustments > 0,
		LastAnnounce:       c.lastAnnounce,
		LastSync:           c.lastSync,
	}
	h.WithinTimingSpec = c.announceActive && c.syncActive &&
		c.lastTick.Sub(c.lastAnnounce) <= c.cfg.AnnounceTimeoutNs &&
		c.lastTick.Sub(c.lastSync) <= c.cfg.SyncTimeoutNs

	healthy := 0
	for _, ok := range []bool{h.BMCAHealthy, h.SyncHealthy, h.ServoHealthy} {
		if ok {
			healthy++
		}
	}
	noErrors := c.stats.errors() == 0
	switch {
	case healthy == 3 && noErrors && h.AnnounceFlowActive && h.SyncFlowActive:
		h.Status = Healthy
	case healthy >= 2 || noErrors:
		h.Status = Degraded
	default:
		h.Status = Critical
	}
	return h
}

// Reset обнуляет собственные счётчики координатора. Движки сбрасываются отдельно.
func (c *Coordinator) Reset() {
	c.stats = Statistics{}
	c.ring.reset()
	c.announceActive = false
	c.syncActive = false
	c.lastAnnounce = ptp.Timestamp{}
	c.lastSync = ptp.Timestamp{}
	c.lastTick = ptp.Timestamp{}
}

func ema(old float64, sample int64) float64 {
	if old == 0 {
		return float64(sample)
	}
	return (old*7 + float64(sample)) / 8
}
