package source

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/tarm/serial"
	bugst "go.bug.st/serial"
)

// LineReader — построчное чтение с устройства.
type LineReader interface {
	ReadLine() (string, error)
	Close() error
}

type serialLines struct {
	port *serial.Port
	rd   *bufio.Reader
}

// OpenPort открывает последовательный порт с таймаутом чтения readTimeout.
func OpenPort(device string, baud int, readTimeout time.Duration) (*serial.Port, error) {
	if baud == 0 {
		baud = 9600
	}
	c := &serial.Config{Name: device, Baud: baud, ReadTimeout: readTimeout}
	p, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("serial open %s: %w", device, err)
	}
	return p, nil
}

// OpenSerial открывает порт для построчного чтения (NMEA).
func OpenSerial(device string, baud int, readTimeout time.Duration) (LineReader, error) {
	p, err := OpenPort(device, baud, readTimeout)
	if err != nil {
		return nil, err
	}
	return &serialLines{port: p, rd: bufio.NewReader(p)}, nil
}

func (s *serialLines) ReadLine() (string, error) {
	line, err := s.rd.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (s *serialLines) Close() error {
	return s.port.Close()
}

// ListSerial возвращает последовательные порты системы (для --list-serial).
func ListSerial() ([]string, error) {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}
