package bmca

import (
	"fmt"

	"github.com/shiwa/timecard-mini/ptpsync/internal/port"
	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
	"github.com/shiwa/timecard-mini/ptpsync/internal/telemetry"
)

const (
	codeForeignOverflow uint16 = 0x0301
	codeForeignPurged   uint16 = 0x0302
	codeRoleChange      uint16 = 0x0303
	codeOscillation     uint16 = 0x0304
)

// Config — параметры периодического BMCA на порту.
type Config struct {
	ExecutionIntervalMs     uint32
	OscillationThreshold    uint32
	EnablePeriodicExecution bool
	EnableOnAnnounce        bool
	EnableHealthMonitoring  bool
	MaxForeignMasters       int
}

// DefaultConfig — BMCA раз в секунду, порог осцилляции 10 смен роли.
func DefaultConfig() Config {
	return Config{
		ExecutionIntervalMs:     1000,
		OscillationThreshold:    10,
		EnablePeriodicExecution: true,
		EnableOnAnnounce:        true,
		EnableHealthMonitoring:  true,
		MaxForeignMasters:       16,
	}
}

// Validate отклоняет конфигурацию целиком.
func (c Config) Validate() error {
	if c.ExecutionIntervalMs == 0 {
		return fmt.Errorf("bmca: execution interval must be > 0: %w", ptp.ErrConfigInvalid)
	}
	if c.OscillationThreshold == 0 {
		return fmt.Errorf("bmca: oscillation threshold must be > 0: %w", ptp.ErrConfigInvalid)
	}
	if c.MaxForeignMasters <= 0 {
		return fmt.Errorf("bmca: max foreign masters must be > 0: %w", ptp.ErrConfigInvalid)
	}
	return nil
}

// HealthStatus — итоговое состояние.
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

// Health — снимок здоровья BMCA.
type Health struct {
	Status               HealthStatus
	NoCandidates         bool
	ExcessiveOscillation bool
	StaleForeignList     bool
	LastExecution        ptp.Timestamp
}

// Statistics — счётчики координатора.
type Statistics struct {
	TotalExecutions   uint64
	MasterSelections  uint64
	SlaveSelections   uint64
	PassiveSelections uint64
	RoleChanges       uint64
	ParentChanges     uint64
	OscillationCount  uint64
	ForeignDiscarded  uint64
	ForeignPurged     uint64
}

type foreignMaster struct {
	src      ptp.PortIdentity
	announce ptp.Announce
	lastRx   ptp.Timestamp
}

// Coordinator ведёт таблицу foreign master порта и по результату BMCA
// переводит порт в MASTER, SLAVE или PASSIVE.
type Coordinator struct {
	cfg    Config
	port   *port.Port
	local  DefaultDataSet
	engine *Engine

	upstream *Upstream

	running  bool
	executed bool
	lastExec ptp.Timestamp
	foreign  []foreignMaster
	stats    Statistics
	health   Health
}

// NewCoordinator создаёт координатор с конфигурацией по умолчанию.
// Опции применяются к внутреннему Engine; его телеметрию и логгер использует и координатор.
func NewCoordinator(p *port.Port, local DefaultDataSet, opts ...Option) *Coordinator {
	return &Coordinator{
		cfg:    DefaultConfig(),
		port:   p,
		local:  local,
		engine: NewEngine(opts...),
	}
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

// Start запускает координатор; повторный запуск — ErrState.
func (c *Coordinator) Start() error {
	if c.running {
		return fmt.Errorf("bmca: already running: %w", ptp.ErrState)
	}
	c.running = true
	c.executed = false
	return nil
}

// Stop останавливает координатор.
func (c *Coordinator) Stop() {
	c.running = false
}

// IsRunning сообщает, запущен ли координатор.
func (c *Coordinator) IsRunning() bool { return c.running }

// SetLocal обновляет defaultDS (например, при смене качества опорного источника).
func (c *Coordinator) SetLocal(ds DefaultDataSet) {
	c.local = ds
}

// Upstream — лучший источник, известный граничным часам через другой порт (Ebest).
type Upstream struct {
	Parent       port.ParentDataSet
	StepsRemoved uint16
}

func (u *Upstream) vector() PriorityVector {
	q := u.Parent.GrandmasterClockQuality
	return PriorityVector{
		Priority1:           u.Parent.GrandmasterPriority1,
		ClockClass:          q.ClockClass,
		ClockAccuracy:       uint16(q.ClockAccuracy),
		Variance:            q.OffsetScaledLogVariance,
		Priority2:           u.Parent.GrandmasterPriority2,
		GrandmasterIdentity: uint64(u.Parent.GrandmasterIdentity),
		StepsRemoved:        u.StepsRemoved,
	}
}

// SetUpstream задаёт Ebest. Если он лучше defaultDS, порт в роли master
// анонсирует его вместо собственных часов. nil снимает.
func (c *Coordinator) SetUpstream(u *Upstream) {
	c.upstream = u
}

// Local возвращает defaultDS.
func (c *Coordinator) Local() DefaultDataSet { return c.local }

// ForeignMasters — число записей в таблице.
func (c *Coordinator) ForeignMasters() int { return len(c.foreign) }

// OnAnnounce заносит Announce в таблицу foreign master.
func (c *Coordinator) OnAnnounce(a *ptp.Announce, now ptp.Timestamp) {
	src := a.SourcePortIdentity
	if src.ClockIdentity == c.local.ClockIdentity {
		return
	}
	for i := range c.foreign {
		if c.foreign[i].src == src {
			c.foreign[i].announce = *a
			c.foreign[i].lastRx = now
			return
		}
	}
	if len(c.foreign) >= c.cfg.MaxForeignMasters {
		c.stats.ForeignDiscarded++
		c.engine.sink.Increment(telemetry.ValidationsFailed, 1)
		c.engine.log.Warn(codeForeignOverflow, "foreign master table full (%d), dropping %s", len(c.foreign), src)
		return
	}
	c.foreign = append(c.foreign, foreignMaster{src: src, announce: *a, lastRx: now})
}

// Tick запускает BMCA при первом вызове и далее не чаще ExecutionIntervalMs.
func (c *Coordinator) Tick(now ptp.Timestamp) (bool, error) {
	if !c.running || !c.cfg.EnablePeriodicExecution {
		return false, nil
	}
	if c.executed && now.Sub(c.lastExec) < int64(c.cfg.ExecutionIntervalMs)*1e6 {
		return false, nil
	}
	c.lastExec = now
	c.executed = true
	return true, c.Execute(now)
}

// Execute выполняет один проход BMCA и применяет рекомендацию к порту.
func (c *Coordinator) Execute(now ptp.Timestamp) error {
	if !c.running {
		return fmt.Errorf("bmca: execute while stopped: %w", ptp.ErrState)
	}
	p := c.port
	if !p.Active() {
		c.foreign = c.foreign[:0]
		c.updateHealth(now)
		return nil
	}
	c.purge(now)

	vectors := make([]PriorityVector, 0, len(c.foreign)+1)
	localVec := c.local.Vector()
	up := c.upstream
	if up != nil {
		if v := up.vector(); Compare(v, localVec) == ABetter {
			localVec = v
		} else {
			up = nil
		}
	}
	vectors = append(vectors, localVec)
	for i := range c.foreign {
		vectors = append(vectors, FromAnnounce(&c.foreign[i].announce))
	}
	sel, err := c.engine.SelectBest(vectors)
	if err != nil {
		return err
	}
	c.stats.TotalExecutions++
	before := p.State()

	switch {
	case sel.ForcedTie:
		err = c.recommendPassive()
	case sel.Index == 0:
		err = c.localBest(localVec, up, now)
	default:
		err = c.recommendSlave(&c.foreign[sel.Index-1])
	}

	if after := p.State(); after != before {
		c.stats.RoleChanges++
		c.engine.log.Info(codeRoleChange, "port %d role %s -> %s", p.Identity().PortNumber, before, after)
		if c.stats.RoleChanges >= uint64(c.cfg.OscillationThreshold) {
			c.stats.OscillationCount++
			c.engine.log.Warn(codeOscillation, "port %d: %d role changes", p.Identity().PortNumber, c.stats.RoleChanges)
		}
	}
	c.updateHealth(now)
	return err
}

func (c *Coordinator) localBest(localVec PriorityVector, up *Upstream, now ptp.Timestamp) error {
	for i := range c.foreign {
		if Compare(FromAnnounce(&c.foreign[i].announce), localVec) == Equal {
			return c.recommendPassive()
		}
	}
	p := c.port
	// без кандидатов LISTENING ждёт полное окно Announce, прежде чем стать master
	if len(c.foreign) == 0 && p.State() == port.StateListening && !p.QualificationExpired(now) {
		return nil
	}
	if up != nil {
		p.SetParent(up.Parent, up.StepsRemoved)
	} else {
		p.SetParent(port.ParentDataSet{
			ParentPortIdentity:      p.Identity(),
			GrandmasterIdentity:     c.local.ClockIdentity,
			GrandmasterClockQuality: c.local.ClockQuality,
			GrandmasterPriority1:    c.local.Priority1,
			GrandmasterPriority2:    c.local.Priority2,
			TimeSource:              c.local.TimeSource,
		}, 0)
	}
	c.stats.MasterSelections++
	c.engine.sink.Increment(telemetry.BMCALocalWins, 1)
	if p.State() == port.StateMaster {
		return nil
	}
	return p.ProcessEvent(port.EventRecommendMaster)
}

func (c *Coordinator) recommendPassive() error {
	c.stats.PassiveSelections++
	c.engine.sink.Increment(telemetry.BMCAPassiveWins, 1)
	if c.port.State() == port.StatePassive {
		return nil
	}
	return c.port.ProcessEvent(port.EventRecommendPassive)
}

func (c *Coordinator) recommendSlave(fm *foreignMaster) error {
	p := c.port
	a := &fm.announce
	changed := p.SetParent(port.ParentDataSet{
		ParentPortIdentity:      fm.src,
		GrandmasterIdentity:     a.GrandmasterIdentity,
		GrandmasterClockQuality: a.GrandmasterClockQuality,
		GrandmasterPriority1:    a.GrandmasterPriority1,
		GrandmasterPriority2:    a.GrandmasterPriority2,
		TimeSource:              a.TimeSource,
		CurrentUTCOffset:        a.CurrentUTCOffset,
	}, a.StepsRemoved+1)
	c.stats.SlaveSelections++
	c.engine.sink.Increment(telemetry.BMCAForeignWins, 1)
	if changed {
		c.stats.ParentChanges++
	}
	switch p.State() {
	case port.StateUncalibrated:
		return nil
	case port.StateSlave:
		if !changed {
			return nil
		}
	}
	return p.ProcessEvent(port.EventRecommendSlave)
}

func (c *Coordinator) purge(now ptp.Timestamp) {
	window := c.port.Config().AnnounceTimeoutNs()
	kept := c.foreign[:0]
	removed := 0
	for _, fm := range c.foreign {
		if now.Sub(fm.lastRx) > window {
			removed++
			continue
		}
		kept = append(kept, fm)
	}
	c.foreign = kept
	c.health.StaleForeignList = removed > 0
	if removed > 0 {
		c.stats.ForeignPurged += uint64(removed)
		c.engine.log.Debug(codeForeignPurged, "purged %d stale foreign masters", removed)
	}
}

func (c *Coordinator) updateHealth(now ptp.Timestamp) {
	c.health.LastExecution = now
	if !c.cfg.EnableHealthMonitoring {
		return
	}
	c.health.NoCandidates = c.port.State() == port.StateListening
	c.health.ExcessiveOscillation = c.stats.RoleChanges >= uint64(c.cfg.OscillationThreshold)
	switch {
	case c.port.State() == port.StateFaulty:
		c.health.Status = Critical
	case c.health.NoCandidates, c.health.ExcessiveOscillation, c.health.StaleForeignList:
		c.health.Status = Degraded
	default:
		c.health.Status = Healthy
	}
}

// Statistics возвращает копию счётчиков.
func (c *Coordinator) Statistics() Statistics { return c.stats }

// Health возвращает снимок здоровья.
func (c *Coordinator) Health() Health { return c.health }

// Reset обнуляет счётчики, здоровье и таблицу foreign master.
func (c *Coordinator) Reset() {
	c.stats = Statistics{}
	c.health = Health{}
	c.foreign = c.foreign[:0]
	c.executed = false
}
