// Package port — автомат состояний одного порта PTP: состояние, наборы данных
// parent/current, таймер приёма Announce и передача сообщений в роли master.
// Порт не разбирает сообщения и не запускает BMCA; его ведёт координатор потока.
// Не потокобезопасен: вызывающий сериализует доступ.
package port

import (
	"fmt"

	"github.com/shiwa/timecard-mini/ptpsync/internal/logger"
	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
)

const (
	codeStateChange     uint16 = 0x0400
	codeAnnounceTimeout uint16 = 0x0401
	codeFault           uint16 = 0x0402
	codeSendFailed      uint16 = 0x0403
	codeCalibrated      uint16 = 0x0404
)

// Callbacks — внешние коллабораторы порта: транспорт, часы с метками передачи, наблюдатель.
type Callbacks interface {
	SendAnnounce(m *ptp.Announce) error
	SendSync(m *ptp.Sync) error
	SendFollowUp(m *ptp.FollowUp) error
	SendDelayReq(m *ptp.DelayReq) error
	SendDelayResp(m *ptp.DelayResp) error
	// Now — текущее время локальных часов
	Now() ptp.Timestamp
	// TxTimestamp — аппаратная или программная метка отправки сообщения seq с порта portNumber
	TxTimestamp(portNumber, seq uint16, t ptp.MessageType) (ptp.Timestamp, error)
	OnStateChange(portNumber uint16, from, to State)
	OnFault(portNumber uint16, reason string)
}

// NopCallbacks ничего не отправляет; встраивается в тестовые двойники.
type NopCallbacks struct{}

func (NopCallbacks) SendAnnounce(*ptp.Announce) error   { return nil }
func (NopCallbacks) SendSync(*ptp.Sync) error           { return nil }
func (NopCallbacks) SendFollowUp(*ptp.FollowUp) error   { return nil }
func (NopCallbacks) SendDelayReq(*ptp.DelayReq) error   { return nil }
func (NopCallbacks) SendDelayResp(*ptp.DelayResp) error { return nil }
func (NopCallbacks) Now() ptp.Timestamp                 { return ptp.Timestamp{} }
func (NopCallbacks) TxTimestamp(uint16, uint16, ptp.MessageType) (ptp.Timestamp, error) {
	return ptp.Timestamp{}, nil
}
func (NopCallbacks) OnStateChange(uint16, State, State) {}
func (NopCallbacks) OnFault(uint16, string)             {}

// ParentDataSet — parentDS: откуда порт берёт время.
type ParentDataSet struct {
	ParentPortIdentity      ptp.PortIdentity
	GrandmasterIdentity     ptp.ClockIdentity
	GrandmasterClockQuality ptp.ClockQuality
	GrandmasterPriority1    uint8
	GrandmasterPriority2    uint8
	TimeSource              uint8
	CurrentUTCOffset        int16
}

// CurrentDataSet — currentDS.
type CurrentDataSet struct {
	StepsRemoved       uint16
	OffsetFromMasterNs float64
	MeanPathDelayNs    float64
}

// Statistics — счётчики порта.
type Statistics struct {
	StateTransitions uint64
	AnnounceReceived uint64
	AnnounceSent     uint64
	SyncSent         uint64
	FollowUpSent     uint64
	DelayReqSent     uint64
	DelayRespSent    uint64
	AnnounceTimeouts uint64
	FaultEvents      uint64
	CallbackFailures uint64
	Measurements     uint64
	ParentChanges    uint64
}

// Port — автомат состояний порта.
type Port struct {
	cfg      Config
	identity ptp.PortIdentity
	cb       Callbacks
	log      *logger.Logger

	state     State
	parent    ParentDataSet
	hasParent bool
	current   CurrentDataSet
	stats     Statistics

	lastAnnounceRx ptp.Timestamp
	timerArmed     bool

	lastAnnounceTx ptp.Timestamp
	lastSyncTx     ptp.Timestamp
	txStarted      bool
	lastDelayReq   ptp.Timestamp
	delayReqSent   bool

	announceSeq uint16
	syncSeq     uint16
	delayReqSeq uint16
	calibration uint32
}

// Option настраивает Port.
type Option func(*Port)

// WithLogger задаёт логгер порта.
func WithLogger(l *logger.Logger) Option {
	return func(p *Port) { p.log = l }
}

// New создаёт порт в состоянии INITIALIZING. cb == nil заменяется на NopCallbacks.
func New(cfg Config, clock ptp.ClockIdentity, cb Callbacks, opts ...Option) *Port {
	if cb == nil {
		cb = NopCallbacks{}
	}
	p := &Port{
		cfg:      cfg,
		identity: ptp.PortIdentity{ClockIdentity: clock, PortNumber: cfg.PortNumber},
		cb:       cb,
		log:      logger.Nop(),
		state:    StateInitializing,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Initialize проверяет конфигурацию и возвращает порт в INITIALIZING.
func (p *Port) Initialize() error {
	if err := p.cfg.Validate(); err != nil {
		return err
	}
	if p.state != StateInitializing {
		p.transition(StateInitializing, "initialize")
	} else {
		p.clearDataSets()
	}
	return nil
}

// Start переводит порт в LISTENING и взводит таймер Announce.
func (p *Port) Start() error {
	if p.state != StateInitializing {
		return fmt.Errorf("port %d: start in %s: %w", p.cfg.PortNumber, p.state, ptp.ErrState)
	}
	return p.ProcessEvent(EventInitialize)
}

// Stop переводит порт в DISABLED. Повторный вызов ничего не делает.
func (p *Port) Stop() error {
	if p.state == StateDisabled {
		return nil
	}
	return p.ProcessEvent(EventDesignatedDisabled)
}

// ProcessEvent применяет событие. Недопустимое событие возвращает ErrState, состояние не меняется.
func (p *Port) ProcessEvent(ev Event) error {
	to, ok := next(p.state, ev)
	if !ok {
		return fmt.Errorf("port %d: event %s in %s: %w", p.cfg.PortNumber, ev, p.state, ptp.ErrState)
	}
	p.transition(to, ev.String())
	return nil
}

func (p *Port) transition(to State, reason string) {
	from := p.state
	p.state = to
	switch to {
	case StateInitializing:
		p.clearDataSets()
	case StateFaulty:
		p.stats.FaultEvents++
		p.log.Error(codeFault, "port %d fault: %s", p.cfg.PortNumber, reason)
		p.cb.OnFault(p.cfg.PortNumber, reason)
	case StateListening:
		p.rearm(p.cb.Now())
	case StateMaster:
		p.txStarted = false
	case StateUncalibrated:
		p.calibration = 0
		p.delayReqSent = false
	case StateSlave:
		p.delayReqSent = false
	case StateDisabled:
		p.timerArmed = false
		p.txStarted = false
	}
	if from == to {
		return
	}
	p.stats.StateTransitions++
	p.log.Info(codeStateChange, "port %d: %s -> %s (%s)", p.cfg.PortNumber, from, to, reason)
	p.cb.OnStateChange(p.cfg.PortNumber, from, to)
}

func (p *Port) clearDataSets() {
	p.parent = ParentDataSet{}
	p.hasParent = false
	p.current = CurrentDataSet{}
	p.timerArmed = false
	p.txStarted = false
	p.delayReqSent = false
	p.calibration = 0
}

func (p *Port) rearm(now ptp.Timestamp) {
	p.lastAnnounceRx = now
	p.timerArmed = !now.IsZero()
}

// State возвращает текущее состояние.
func (p *Port) State() State { return p.state }

// Identity возвращает идентификатор порта.
func (p *Port) Identity() ptp.PortIdentity { return p.identity }

// Config возвращает конфигурацию порта.
func (p *Port) Config() Config { return p.cfg }

// ParentDataSet возвращает parentDS и признак того, что родитель выбран.
func (p *Port) ParentDataSet() (ParentDataSet, bool) { return p.parent, p.hasParent }

// CurrentDataSet возвращает currentDS.
func (p *Port) CurrentDataSet() CurrentDataSet { return p.current }

// Statistics возвращает копию счётчиков.
func (p *Port) Statistics() Statistics { return p.stats }

func (p *Port) IsMaster() bool       { return p.state == StateMaster }
func (p *Port) IsSlave() bool        { return p.state == StateSlave }
func (p *Port) IsSynchronized() bool { return p.state == StateSlave }

// Active — порт участвует в обмене (не INITIALIZING/FAULTY/DISABLED).
func (p *Port) Active() bool {
	switch p.state {
	case StateInitializing, StateFaulty, StateDisabled:
		return false
	}
	return true
}

// SetParent записывает parentDS и stepsRemoved. Возвращает true, если сменился родитель.
func (p *Port) SetParent(ds ParentDataSet, stepsRemoved uint16) bool {
	changed := !p.hasParent ||
		p.parent.ParentPortIdentity != ds.ParentPortIdentity ||
		p.parent.GrandmasterIdentity != ds.GrandmasterIdentity
	p.parent = ds
	p.hasParent = true
	p.current.StepsRemoved = stepsRemoved
	if changed {
		p.stats.ParentChanges++
	}
	return changed
}

// ClearParent сбрасывает выбранного родителя.
func (p *Port) ClearParent() {
	p.parent = ParentDataSet{}
	p.hasParent = false
}

// IsParent сообщает, что src — текущий внешний родитель порта.
func (p *Port) IsParent(src ptp.PortIdentity) bool {
	return p.hasParent && p.parent.ParentPortIdentity == src && src != p.identity
}

func (p *Port) hasForeignParent() bool {
	return p.hasParent && p.parent.ParentPortIdentity != p.identity
}

// AnnounceReceived перевзводит таймер: от родителя, либо от любого источника, пока родителя нет.
func (p *Port) AnnounceReceived(src ptp.PortIdentity, now ptp.Timestamp) {
	p.stats.AnnounceReceived++
	if !p.hasForeignParent() || p.IsParent(src) {
		p.rearm(now)
	}
}

// QualificationExpired — порт в LISTENING провёл полное окно Announce без кандидатов.
func (p *Port) QualificationExpired(now ptp.Timestamp) bool {
	if p.state != StateListening {
		return false
	}
	if !p.timerArmed {
		p.rearm(now)
		return false
	}
	return now.Sub(p.lastAnnounceRx) >= p.cfg.AnnounceTimeoutNs()
}

// Tick обрабатывает таймауты и передачу в роли master.
func (p *Port) Tick(now ptp.Timestamp) error {
	switch p.state {
	case StateSlave, StateUncalibrated, StatePassive:
		if !p.timerArmed {
			p.rearm(now)
			return nil
		}
		if now.Sub(p.lastAnnounceRx) >= p.cfg.AnnounceTimeoutNs() {
			p.stats.AnnounceTimeouts++
			p.log.Warn(codeAnnounceTimeout, "port %d: announce receipt timeout in %s", p.cfg.PortNumber, p.state)
			p.ClearParent()
			if err := p.ProcessEvent(EventAnnounceReceiptTimeout); err != nil {
				return err
			}
			p.rearm(now)
		}
	case StateListening:
		if !p.timerArmed {
			p.rearm(now)
		}
	case StateMaster:
		return p.tickMaster(now)
	}
	return nil
}

func (p *Port) tickMaster(now ptp.Timestamp) error {
	var firstErr error
	if !p.txStarted || now.Sub(p.lastAnnounceTx) >= ptp.LogIntervalNs(p.cfg.LogAnnounceInterval) {
		p.lastAnnounceTx = now
		if err := p.sendAnnounce(now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if !p.txStarted || now.Sub(p.lastSyncTx) >= ptp.LogIntervalNs(p.cfg.LogSyncInterval) {
		p.lastSyncTx = now
		if err := p.sendSync(now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.txStarted = true
	return firstErr
}

func (p *Port) sendAnnounce(now ptp.Timestamp) error {
	m := &ptp.Announce{
		Header:                  ptp.NewHeader(ptp.MessageAnnounce, p.cfg.Domain, p.identity, p.announceSeq, p.cfg.LogAnnounceInterval),
		OriginTimestamp:         now,
		CurrentUTCOffset:        p.parent.CurrentUTCOffset,
		GrandmasterPriority1:    p.parent.GrandmasterPriority1,
		GrandmasterClockQuality: p.parent.GrandmasterClockQuality,
		GrandmasterPriority2:    p.parent.GrandmasterPriority2,
		GrandmasterIdentity:     p.parent.GrandmasterIdentity,
		StepsRemoved:            p.current.StepsRemoved,
		TimeSource:              p.parent.TimeSource,
	}
	p.announceSeq++
	if err := p.cb.SendAnnounce(m); err != nil {
		return p.sendFailed("announce", err)
	}
	p.stats.AnnounceSent++
	return nil
}

func (p *Port) sendSync(now ptp.Timestamp) error {
	seq := p.syncSeq
	p.syncSeq++
	m := &ptp.Sync{Header: ptp.NewHeader(ptp.MessageSync, p.cfg.Domain, p.identity, seq, p.cfg.LogSyncInterval)}
	m.TwoStep = p.cfg.TwoStep
	if !p.cfg.TwoStep {
		m.OriginTimestamp = now
	}
	if err := p.cb.SendSync(m); err != nil {
		return p.sendFailed("sync", err)
	}
	p.stats.SyncSent++
	if !p.cfg.TwoStep {
		return nil
	}
	fu := &ptp.FollowUp{
		Header:                 ptp.NewHeader(ptp.MessageFollowUp, p.cfg.Domain, p.identity, seq, p.cfg.LogSyncInterval),
		PreciseOriginTimestamp: p.txTimestamp(seq, ptp.MessageSync, now),
	}
	if err := p.cb.SendFollowUp(fu); err != nil {
		return p.sendFailed("follow_up", err)
	}
	p.stats.FollowUpSent++
	return nil
}

func (p *Port) txTimestamp(seq uint16, t ptp.MessageType, fallback ptp.Timestamp) ptp.Timestamp {
	ts, err := p.cb.TxTimestamp(p.cfg.PortNumber, seq, t)
	if err != nil || ts.IsZero() {
		return fallback
	}
	return ts
}

func (p *Port) sendFailed(what string, err error) error {
	p.stats.CallbackFailures++
	p.log.Warn(codeSendFailed, "port %d: send %s: %v", p.cfg.PortNumber, what, err)
	return fmt.Errorf("port %d: send %s: %w: %w", p.cfg.PortNumber, what, ptp.ErrCallbackFailed, err)
}

// DelayReqDue — пора отправлять Delay_Req (E2E, роль slave).
func (p *Port) DelayReqDue(now ptp.Timestamp) bool {
	if p.cfg.DelayMechanism != DelayE2E {
		return false
	}
	if p.state != StateSlave && p.state != StateUncalibrated {
		return false
	}
	return !p.delayReqSent || now.Sub(p.lastDelayReq) >= ptp.LogIntervalNs(p.cfg.LogDelayReqInterval)
}

// SendDelayReq отправляет Delay_Req и возвращает его номер и T3.
func (p *Port) SendDelayReq(now ptp.Timestamp) (uint16, ptp.Timestamp, error) {
	if p.state != StateSlave && p.state != StateUncalibrated {
		return 0, ptp.Timestamp{}, fmt.Errorf("port %d: delay_req in %s: %w", p.cfg.PortNumber, p.state, ptp.ErrState)
	}
	seq := p.delayReqSeq
	p.delayReqSeq++
	p.delayReqSent = true
	p.lastDelayReq = now
	m := &ptp.DelayReq{
		Header:          ptp.NewHeader(ptp.MessageDelayReq, p.cfg.Domain, p.identity, seq, 0x7f),
		OriginTimestamp: now,
	}
	if err := p.cb.SendDelayReq(m); err != nil {
		return seq, ptp.Timestamp{}, p.sendFailed("delay_req", err)
	}
	p.stats.DelayReqSent++
	return seq, p.txTimestamp(seq, ptp.MessageDelayReq, now), nil
}

// RespondDelayReq отвечает Delay_Resp с меткой приёма rx (только MASTER).
func (p *Port) RespondDelayReq(req *ptp.DelayReq, rx ptp.Timestamp) error {
	if p.state != StateMaster {
		return fmt.Errorf("port %d: delay_resp in %s: %w", p.cfg.PortNumber, p.state, ptp.ErrState)
	}
	m := &ptp.DelayResp{
		Header:                 ptp.NewHeader(ptp.MessageDelayResp, p.cfg.Domain, p.identity, req.SequenceID, p.cfg.LogDelayReqInterval),
		ReceiveTimestamp:       rx,
		RequestingPortIdentity: req.SourcePortIdentity,
	}
	m.CorrectionNs = req.CorrectionNs
	if err := p.cb.SendDelayResp(m); err != nil {
		return p.sendFailed("delay_resp", err)
	}
	p.stats.DelayRespSent++
	return nil
}

// RecordMeasurement записывает offset/delay в currentDS. После CalibrationSamples
// измерений подряд в UNCALIBRATED порт переходит в SLAVE.
func (p *Port) RecordMeasurement(offsetNs, delayNs float64) error {
	p.current.OffsetFromMasterNs = offsetNs
	p.current.MeanPathDelayNs = delayNs
	p.stats.Measurements++
	if p.state != StateUncalibrated {
		return nil
	}
	p.calibration++
	need := p.cfg.CalibrationSamples
	if need == 0 {
		need = 1
	}
	if p.calibration < need {
		return nil
	}
	p.log.Info(codeCalibrated, "port %d calibrated after %d samples", p.cfg.PortNumber, p.calibration)
	return p.ProcessEvent(EventMasterClockSelected)
}
