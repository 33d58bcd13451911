// Package transparent реализует пересылку сообщений прозрачными часами
// end-to-end: время пребывания в узле добавляется к correctionField.
package transparent

import (
	"fmt"
	"sync"

	"github.com/shiwa/timecard-mini/ptpsync/internal/logger"
	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
	"github.com/shiwa/timecard-mini/ptpsync/internal/wire"
)

// Statistics — счётчики пересылки.
type Statistics struct {
	Forwarded      uint64
	Rejected       uint64
	MaxResidenceNs int64
}

// Forwarder пересылает сообщения между портами прозрачных часов.
type Forwarder struct {
	mu    sync.Mutex
	ports map[uint16]bool
	stats Statistics
	log   *logger.Logger
}

// Option настраивает Forwarder.
type Option func(*Forwarder)

// WithLogger задаёт логгер.
func WithLogger(l *logger.Logger) Option {
	return func(f *Forwarder) { f.log = l }
}

// New создаёт пересылку для заданных номеров портов.
func New(ports []uint16, opts ...Option) (*Forwarder, error) {
	if len(ports) < 2 {
		return nil, fmt.Errorf("transparent: %d ports, need at least 2: %w", len(ports), ptp.ErrConfigInvalid)
	}
	f := &Forwarder{ports: make(map[uint16]bool, len(ports)), log: logger.Nop()}
	for _, n := range ports {
		if n == 0 || f.ports[n] {
			return nil, fmt.Errorf("transparent: bad port %d: %w", n, ptp.ErrConfigInvalid)
		}
		f.ports[n] = true
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// ResidenceTime — время пребывания egress − ingress в наносекундах.
func ResidenceTime(ingress, egress ptp.Timestamp) (int64, error) {
	if !ingress.Valid() || !egress.Valid() {
		return 0, fmt.Errorf("transparent: invalid timestamp: %w", ptp.ErrInvalidMessage)
	}
	if egress.Before(ingress) {
		return 0, fmt.Errorf("transparent: egress %s before ingress %s: %w", egress, ingress, ptp.ErrInvalidMessage)
	}
	return egress.Sub(ingress), nil
}

// Forward разбирает сообщение, принятое портом ingressPort в момент ingress,
// добавляет время пребывания к correctionField и возвращает кадр для
// отправки через egressPort в момент egress. Исходный буфер не меняется.
func (f *Forwarder) Forward(ingressPort, egressPort uint16, buf []byte, ingress, egress ptp.Timestamp) ([]byte, error) {
	out, res, err := f.forward(ingressPort, egressPort, buf, ingress, egress)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.stats.Rejected++
		f.log.Debug(0x0A01, "forward %d→%d rejected: %v", ingressPort, egressPort, err)
		return nil, err
	}
	f.stats.Forwarded++
	if res > f.stats.MaxResidenceNs {
		f.stats.MaxResidenceNs = res
	}
	return out, nil
}

func (f *Forwarder) forward(ingressPort, egressPort uint16, buf []byte, ingress, egress ptp.Timestamp) ([]byte, int64, error) {
	for _, n := range []uint16{ingressPort, egressPort} {
		if !f.ports[n] {
			return nil, 0, fmt.Errorf("transparent: port %d: %w", n, ptp.ErrUnknownPort)
		}
	}
	if ingressPort == egressPort {
		return nil, 0, fmt.Errorf("transparent: ingress and egress both port %d: %w", ingressPort, ptp.ErrInvalidMessage)
	}
	res, err := ResidenceTime(ingress, egress)
	if err != nil {
		return nil, 0, err
	}
	m, err := wire.Decode(buf)
	if err != nil {
		return nil, 0, err
	}
	m.MessageHeader().CorrectionNs += res
	out, err := wire.Encode(m)
	if err != nil {
		return nil, 0, err
	}
	return out, res, nil
}

// Statistics возвращает копию счётчиков.
func (f *Forwarder) Statistics() Statistics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}
