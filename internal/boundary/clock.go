// Package boundary — граничные часы: несколько портов с собственными
// координаторами под общим жизненным циклом.
package boundary

import (
	"fmt"
	"sync"

	"github.com/shiwa/timecard-mini/ptpsync/internal/bmca"
	"github.com/shiwa/timecard-mini/ptpsync/internal/flow"
	"github.com/shiwa/timecard-mini/ptpsync/internal/logger"
	"github.com/shiwa/timecard-mini/ptpsync/internal/offset"
	"github.com/shiwa/timecard-mini/ptpsync/internal/port"
	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
	"github.com/shiwa/timecard-mini/ptpsync/internal/servo"
	"github.com/shiwa/timecard-mini/ptpsync/internal/telemetry"
	"github.com/shiwa/timecard-mini/ptpsync/internal/wire"
)

// MaxPorts — предельное число портов.
const MaxPorts = 8

const (
	codeLifecycle uint16 = 0x0800
	codeUpstream  uint16 = 0x0801
	codeTickError uint16 = 0x0802
)

// Config — конфигурация граничных часов.
type Config struct {
	Local bmca.DefaultDataSet
	// Profile ограничивает параметры всех портов (custom — без ограничений)
	Profile port.Profile
	Ports   []port.Config
	BMCA    bmca.Config
	Offset  offset.Config
	Servo   servo.Config
	Flow    flow.Config
}

// DefaultConfig — один порт с настройками по умолчанию.
func DefaultConfig(id ptp.ClockIdentity) Config {
	return Config{
		Local:  bmca.DefaultLocal(id),
		Ports:  []port.Config{port.DefaultConfig(1)},
		BMCA:   bmca.DefaultConfig(),
		Offset: offset.DefaultConfig(),
		Servo:  servo.DefaultConfig(),
		Flow:   flow.DefaultConfig(),
	}
}

// Validate проверяет набор портов и конфигурации движков.
func (c Config) Validate() error {
	if len(c.Ports) == 0 {
		return fmt.Errorf("boundary: no ports: %w", ptp.ErrConfigInvalid)
	}
	if len(c.Ports) > MaxPorts {
		return fmt.Errorf("boundary: %d ports, max %d: %w", len(c.Ports), MaxPorts, ptp.ErrConfigInvalid)
	}
	seen := make(map[uint16]bool, len(c.Ports))
	for _, pc := range c.Ports {
		if seen[pc.PortNumber] {
			return fmt.Errorf("boundary: duplicate port %d: %w", pc.PortNumber, ptp.ErrConfigInvalid)
		}
		seen[pc.PortNumber] = true
		if err := pc.Validate(); err != nil {
			return err
		}
		if err := pc.CheckProfile(c.Profile); err != nil {
			return err
		}
	}
	for _, v := range []interface{ Validate() error }{c.BMCA, c.Offset, c.Servo, c.Flow} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type portEntry struct {
	mu   sync.Mutex
	port *port.Port
	flow *flow.Coordinator
}

// Clock — граничные часы. Методы безопасны для вызова из разных горутин:
// жизненный цикл берёт блокировку на запись, сообщения и тики — на чтение
// плюс мьютекс своего порта.
type Clock struct {
	mu       sync.RWMutex
	cfg      Config
	ports    []*portEntry
	byNumber map[uint16]*portEntry
	reg      *telemetry.Registry
	log      *logger.Logger
	running  bool
}

// Option настраивает Clock.
type Option func(*Clock)

// WithLogger задаёт логгер; порты получают его с полем port.
func WithLogger(l *logger.Logger) Option {
	return func(c *Clock) { c.log = l }
}

// WithTelemetry задаёт общий реестр телеметрии.
func WithTelemetry(r *telemetry.Registry) Option {
	return func(c *Clock) { c.reg = r }
}

// New строит стек движков для каждого порта. cb и adj общие для всех портов.
func New(cfg Config, cb port.Callbacks, adj servo.Adjuster, opts ...Option) (*Clock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Clock{
		cfg:      cfg,
		byNumber: make(map[uint16]*portEntry, len(cfg.Ports)),
		log:      logger.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.reg == nil {
		c.reg = telemetry.NewRegistry()
	}
	for _, pc := range cfg.Ports {
		e, err := c.buildPort(pc, cb, adj)
		if err != nil {
			return nil, err
		}
		c.ports = append(c.ports, e)
		c.byNumber[pc.PortNumber] = e
	}
	return c, nil
}

func (c *Clock) buildPort(pc port.Config, cb port.Callbacks, adj servo.Adjuster) (*portEntry, error) {
	log := c.log.With("port", pc.PortNumber)
	p := port.New(pc, c.cfg.Local.ClockIdentity, cb, port.WithLogger(log))
	b := bmca.NewCoordinator(p, c.cfg.Local, bmca.WithTelemetry(c.reg), bmca.WithLogger(log))
	if err := b.Configure(c.cfg.BMCA); err != nil {
		return nil, err
	}
	o := offset.NewCoordinator(p, offset.WithLogger(log))
	if err := o.Configure(c.cfg.Offset); err != nil {
		return nil, err
	}
	s := servo.New(adj, servo.WithTelemetry(c.reg), servo.WithLogger(log))
	if err := s.Configure(c.cfg.Servo); err != nil {
		return nil, err
	}
	f := flow.New(p, b, o, s, flow.WithTelemetry(c.reg), flow.WithLogger(log))
	if err := f.Configure(c.cfg.Flow); err != nil {
		return nil, err
	}
	return &portEntry{port: p, flow: f}, nil
}

// Telemetry возвращает общий реестр.
func (c *Clock) Telemetry() *telemetry.Registry { return c.reg }

// Initialize переводит все порты в INITIALIZING.
func (c *Clock) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.ports {
		if e.flow.IsRunning() {
			e.flow.Stop()
		}
		if err := e.port.Initialize(); err != nil {
			return err
		}
	}
	c.running = false
	c.log.Info(codeLifecycle, "boundary clock initialized, %d ports", len(c.ports))
	return nil
}

// Start переводит все порты в LISTENING и запускает координаторы.
func (c *Clock) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("boundary: already running: %w", ptp.ErrState)
	}
	for _, e := range c.ports {
		if err := e.port.Start(); err != nil {
			return err
		}
		if err := e.flow.Start(); err != nil {
			return err
		}
	}
	c.running = true
	c.log.Info(codeLifecycle, "boundary clock started")
	return nil
}

// Stop переводит все порты в DISABLED. Повторный вызов ничего не делает.
func (c *Clock) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.ports {
		if e.flow.IsRunning() {
			e.flow.Stop()
		}
		if err := e.port.Stop(); err != nil {
			return err
		}
	}
	if c.running {
		c.log.Info(codeLifecycle, "boundary clock stopped")
	}
	c.running = false
	return nil
}

// IsRunning сообщает, запущены ли часы.
func (c *Clock) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// ProcessMessage декодирует датаграмму и передаёт её координатору порта.
// msgType — тип, ожидаемый вызывающим (по сокету/фильтру).
func (c *Clock) ProcessMessage(portNumber uint16, msgType ptp.MessageType, buf []byte, rx ptp.Timestamp) error {
	c.mu.RLock()
	_, ok := c.byNumber[portNumber]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("boundary: port %d: %w", portNumber, ptp.ErrUnknownPort)
	}
	msg, err := wire.Decode(buf)
	if err != nil {
		return err
	}
	if got := msg.MessageHeader().MessageType; got != msgType {
		return fmt.Errorf("boundary: expected %s, got %s: %w", msgType, got, ptp.ErrInvalidMessage)
	}
	return c.Deliver(portNumber, msg, rx)
}

// Deliver передаёт уже разобранное сообщение координатору порта.
func (c *Clock) Deliver(portNumber uint16, msg ptp.Message, rx ptp.Timestamp) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byNumber[portNumber]
	if !ok {
		return fmt.Errorf("boundary: port %d: %w", portNumber, ptp.ErrUnknownPort)
	}
	e.mu.Lock()
	err := e.flow.ProcessMessage(msg, rx)
	e.mu.Unlock()
	if _, isAnnounce := msg.(*ptp.Announce); isAnnounce {
		c.propagate()
	}
	return err
}

// Tick двигает все порты. Ошибка одного порта не останавливает остальные,
// возвращается первая.
func (c *Clock) Tick(now ptp.Timestamp) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, e := range c.ports {
		e.mu.Lock()
		err := e.flow.Tick(now)
		e.mu.Unlock()
		if err != nil {
			c.log.Debug(codeTickError, "port %d tick: %v", e.port.Identity().PortNumber, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	c.propagate()
	c.reg.Emit()
	return firstErr
}

// propagate передаёт гроссмейстера, выбранного на slave-порту, остальным портам.
// Вызывается под c.mu на чтение; мьютексы портов берутся по одному.
func (c *Clock) propagate() {
	var up *bmca.Upstream
	var from *portEntry
	for _, e := range c.ports {
		e.mu.Lock()
		st := e.port.State()
		if st == port.StateSlave || st == port.StateUncalibrated {
			if ds, ok := e.port.ParentDataSet(); ok {
				up = &bmca.Upstream{Parent: ds, StepsRemoved: e.port.CurrentDataSet().StepsRemoved}
				from = e
			}
		}
		e.mu.Unlock()
		if up != nil {
			break
		}
	}
	for _, e := range c.ports {
		if e == from {
			continue
		}
		e.mu.Lock()
		e.flow.BMCA().SetUpstream(up)
		if up != nil && e.port.IsMaster() {
			if e.port.SetParent(up.Parent, up.StepsRemoved) {
				c.log.Info(codeUpstream, "port %d advertises grandmaster %s, steps %d",
					e.port.Identity().PortNumber, up.Parent.GrandmasterIdentity, up.StepsRemoved)
			}
		}
		e.mu.Unlock()
	}
	if from != nil {
		from.mu.Lock()
		from.flow.BMCA().SetUpstream(nil)
		from.mu.Unlock()
	}
}

// SetLocal обновляет defaultDS всех портов (например, по качеству опорного источника).
func (c *Clock) SetLocal(ds bmca.DefaultDataSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Local = ds
	for _, e := range c.ports {
		e.flow.BMCA().SetLocal(ds)
	}
}

// Local возвращает текущий defaultDS.
func (c *Clock) Local() bmca.DefaultDataSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Local
}

// Ports возвращает номера портов в порядке конфигурации.
func (c *Clock) Ports() []uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]uint16, 0, len(c.ports))
	for _, e := range c.ports {
		out = append(out, e.port.Identity().PortNumber)
	}
	return out
}

// PortState возвращает состояние порта.
func (c *Clock) PortState(portNumber uint16) (port.State, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byNumber[portNumber]
	if !ok {
		return 0, fmt.Errorf("boundary: port %d: %w", portNumber, ptp.ErrUnknownPort)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.port.State(), nil
}

// Flow возвращает координатор порта. Вызывающий отвечает за сериализацию
// доступа, если часы уже работают.
func (c *Clock) Flow(portNumber uint16) (*flow.Coordinator, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byNumber[portNumber]
	if !ok {
		return nil, fmt.Errorf("boundary: port %d: %w", portNumber, ptp.ErrUnknownPort)
	}
	return e.flow, nil
}

func (c *Clock) anyPort(pred func(*port.Port) bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.ports {
		e.mu.Lock()
		ok := pred(e.port)
		e.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

// HasMasterPort — хотя бы один порт в MASTER.
func (c *Clock) HasMasterPort() bool { return c.anyPort((*port.Port).IsMaster) }

// HasSlavePort — хотя бы один порт в SLAVE.
func (c *Clock) HasSlavePort() bool { return c.anyPort((*port.Port).IsSlave) }

// IsSynchronized — часы синхронизированы через какой-либо порт.
func (c *Clock) IsSynchronized() bool { return c.anyPort((*port.Port).IsSynchronized) }

// PortHealth — здоровье одного порта.
type PortHealth struct {
	PortNumber uint16
	State      port.State
	Flow       flow.Health
}

// Health — сводка по всем портам.
type Health struct {
	OffsetsComputed    uint64
	ValidationsPassed  uint64
	ValidationsFailed  uint64
	LikelySynchronized bool
	Ports              []PortHealth
}

// Health собирает сводку из телеметрии и координаторов портов.
func (c *Clock) Health() Health {
	snap := c.reg.Snapshot()
	h := Health{
		OffsetsComputed:    snap.Get(telemetry.OffsetsComputed),
		ValidationsPassed:  snap.Get(telemetry.ValidationsPassed),
		ValidationsFailed:  snap.Get(telemetry.ValidationsFailed),
		LikelySynchronized: snap.LikelySynchronized,
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.ports {
		e.mu.Lock()
		h.Ports = append(h.Ports, PortHealth{
			PortNumber: e.port.Identity().PortNumber,
			State:      e.port.State(),
			Flow:       e.flow.Health(),
		})
		e.mu.Unlock()
	}
	return h
}
