package source

import (
	"fmt"

	"github.com/shiwa/timecard-mini/ptpsync/internal/config"
)

// NewFromClockSource создаёт TimeSource из конфига (reference.primary_clocks / secondary_clocks).
func NewFromClockSource(c config.ClockSource) (TimeSource, error) {
	if c.Disable {
		return nil, fmt.Errorf("source %s disabled", c.Protocol)
	}
	switch c.Protocol {
	case "nmea":
		dev := c.Device
		if dev == "" {
			dev = "/dev/ttyS0"
		}
		return OpenNMEA(dev, c.Baud, c.Offset)
	case "ubx":
		dev := c.Device
		if dev == "" {
			dev = "/dev/ttyACM0"
		}
		return OpenUBX(dev, c.Baud, c.Offset)
	case "phc":
		return NewPHC(c.Device, c.Offset), nil
	default:
		return nil, fmt.Errorf("unknown protocol: %s", c.Protocol)
	}
}

// Build открывает все включённые источники. monitor_only пропускаются;
// источники, которые не удалось открыть, возвращаются в errs и не мешают остальным.
func Build(list []config.ClockSource) (out []TimeSource, errs []error) {
	for _, c := range list {
		if c.Disable || c.MonitorOnly {
			continue
		}
		s, err := NewFromClockSource(c)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", c.Protocol, c.Device, err))
			continue
		}
		out = append(out, s)
	}
	return out, errs
}
