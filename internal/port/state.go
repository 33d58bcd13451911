package port

import "fmt"

// State — состояние порта.
type State uint8

const (
	StateInitializing State = iota
	StateListening
	StateUncalibrated
	StateSlave
	StateMaster
	StatePassive
	StateDisabled
	StateFaulty
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateListening:
		return "LISTENING"
	case StateUncalibrated:
		return "UNCALIBRATED"
	case StateSlave:
		return "SLAVE"
	case StateMaster:
		return "MASTER"
	case StatePassive:
		return "PASSIVE"
	case StateDisabled:
		return "DISABLED"
	case StateFaulty:
		return "FAULTY"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// Event — событие автомата состояний.
type Event uint8

const (
	EventInitialize Event = iota
	EventFaultDetected
	EventFaultCleared
	EventDesignatedEnabled
	EventDesignatedDisabled
	EventRecommendMaster
	EventRecommendGrandMaster
	EventRecommendSlave
	EventRecommendPassive
	EventAnnounceReceiptTimeout
	EventSynchronizationFault
	EventMasterClockSelected
)

func (e Event) String() string {
	switch e {
	case EventInitialize:
		return "INITIALIZE"
	case EventFaultDetected:
		return "FAULT_DETECTED"
	case EventFaultCleared:
		return "FAULT_CLEARED"
	case EventDesignatedEnabled:
		return "DESIGNATED_ENABLED"
	case EventDesignatedDisabled:
		return "DESIGNATED_DISABLED"
	case EventRecommendMaster:
		return "RS_MASTER"
	case EventRecommendGrandMaster:
		return "RS_GRAND_MASTER"
	case EventRecommendSlave:
		return "RS_SLAVE"
	case EventRecommendPassive:
		return "RS_PASSIVE"
	case EventAnnounceReceiptTimeout:
		return "ANNOUNCE_RECEIPT_TIMEOUT_EXPIRES"
	case EventSynchronizationFault:
		return "SYNCHRONIZATION_FAULT"
	case EventMasterClockSelected:
		return "MASTER_CLOCK_SELECTED"
	default:
		return fmt.Sprintf("EVENT(%d)", uint8(e))
	}
}

// transitions — таблица переходов IEEE 1588 (без PRE_MASTER: RS_MASTER ведёт сразу в MASTER).
// FAULT_DETECTED и DESIGNATED_DISABLED обрабатываются отдельно в next.
var transitions = map[State]map[Event]State{
	StateInitializing: {
		EventInitialize: StateListening,
	},
	StateFaulty: {
		EventFaultCleared: StateInitializing,
	},
	StateDisabled: {
		EventDesignatedEnabled: StateListening,
	},
	StateListening: {
		EventRecommendMaster:        StateMaster,
		EventRecommendGrandMaster:   StateMaster,
		EventRecommendSlave:         StateUncalibrated,
		EventRecommendPassive:       StatePassive,
		EventAnnounceReceiptTimeout: StateListening,
	},
	StateMaster: {
		EventRecommendSlave:   StateUncalibrated,
		EventRecommendPassive: StatePassive,
	},
	StatePassive: {
		EventRecommendMaster:        StateMaster,
		EventRecommendGrandMaster:   StateMaster,
		EventRecommendSlave:         StateUncalibrated,
		EventAnnounceReceiptTimeout: StateListening,
	},
	StateUncalibrated: {
		EventRecommendMaster:        StateMaster,
		EventRecommendGrandMaster:   StateMaster,
		EventRecommendPassive:       StatePassive,
		EventSynchronizationFault:   StateListening,
		EventAnnounceReceiptTimeout: StateListening,
		EventMasterClockSelected:    StateSlave,
	},
	StateSlave: {
		// RS_SLAVE в SLAVE означает смену родителя: повторная калибровка
		EventRecommendSlave:         StateUncalibrated,
		EventRecommendMaster:        StateMaster,
		EventRecommendGrandMaster:   StateMaster,
		EventRecommendPassive:       StatePassive,
		EventSynchronizationFault:   StateUncalibrated,
		EventAnnounceReceiptTimeout: StateListening,
	},
}

// next возвращает целевое состояние или false, если событие в этом состоянии недопустимо.
func next(s State, ev Event) (State, bool) {
	switch ev {
	case EventFaultDetected:
		if s == StateDisabled {
			return s, false
		}
		return StateFaulty, true
	case EventDesignatedDisabled:
		return StateDisabled, true
	}
	to, ok := transitions[s][ev]
	return to, ok
}
