// Package config — YAML-конфигурация ptpsync: часы, порты, параметры движков,
// опорные источники и метрики.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/shiwa/timecard-mini/ptpsync/internal/bmca"
	"github.com/shiwa/timecard-mini/ptpsync/internal/boundary"
	"github.com/shiwa/timecard-mini/ptpsync/internal/flow"
	"github.com/shiwa/timecard-mini/ptpsync/internal/offset"
	"github.com/shiwa/timecard-mini/ptpsync/internal/port"
	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
	"github.com/shiwa/timecard-mini/ptpsync/internal/servo"
)

// Config — конфигурация ptpsync
type Config struct {
	// Profile — default, power, gptp или custom (пусто)
	Profile   string          `yaml:"profile"`
	Clock     ClockConfig     `yaml:"clock"`
	Ports     []PortConfig    `yaml:"ports"`
	BMCA      BMCAConfig      `yaml:"bmca"`
	Offset    OffsetConfig    `yaml:"offset"`
	Servo     ServoConfig     `yaml:"servo"`
	Flow      FlowConfig      `yaml:"flow"`
	Reference ReferenceConfig `yaml:"reference"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// ClockConfig — defaultDS и коррекция локальных часов.
type ClockConfig struct {
	// Identity — EUI-64; пусто — вывести из MAC первого порта
	Identity                string `yaml:"identity"`
	Priority1               uint8  `yaml:"priority1"`
	Priority2               uint8  `yaml:"priority2"`
	ClockClass              uint8  `yaml:"clock_class"`
	ClockAccuracy           uint8  `yaml:"clock_accuracy"`
	OffsetScaledLogVariance uint16 `yaml:"offset_scaled_log_variance"`
	TimeSource              uint8  `yaml:"time_source"`
	Domain                  uint8  `yaml:"domain"`
	AdjustClock             bool   `yaml:"adjust_clock"`
	StepLimit               string `yaml:"step_limit"` // порог step vs slew, например "1ms", "500ms"
	TickInterval            string `yaml:"tick_interval"`
}

// PortConfig — один PTP-порт.
type PortConfig struct {
	Number                 uint16 `yaml:"number"`
	Interface              string `yaml:"interface"`
	LogAnnounceInterval    int8   `yaml:"log_announce_interval"`
	LogSyncInterval        int8   `yaml:"log_sync_interval"`
	LogDelayReqInterval    int8   `yaml:"log_delay_req_interval"`
	AnnounceReceiptTimeout uint8  `yaml:"announce_receipt_timeout"`
	DelayMechanism         string `yaml:"delay_mechanism"`
	CalibrationSamples     uint32 `yaml:"calibration_samples"`
	TwoStep                bool   `yaml:"two_step"`

	// ключи, заданные в YAML явно; остальные берутся из профиля
	set map[string]bool
}

// UnmarshalYAML заполняет отсутствующие поля порта значениями по умолчанию.
func (p *PortConfig) UnmarshalYAML(n *yaml.Node) error {
	type plain PortConfig
	v := plain(defaultPort(0))
	if err := n.Decode(&v); err != nil {
		return err
	}
	*p = PortConfig(v)
	if n.Kind == yaml.MappingNode {
		p.set = make(map[string]bool, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			p.set[n.Content[i].Value] = true
		}
	}
	return nil
}

// applyProfile подставляет параметры профиля в незаданные явно поля.
func (p *PortConfig) applyProfile(prof port.Profile) {
	d := port.ProfileConfig(prof, p.Number)
	if !p.set["log_announce_interval"] {
		p.LogAnnounceInterval = d.LogAnnounceInterval
	}
	if !p.set["log_sync_interval"] {
		p.LogSyncInterval = d.LogSyncInterval
	}
	if !p.set["log_delay_req_interval"] {
		p.LogDelayReqInterval = d.LogDelayReqInterval
	}
	if !p.set["announce_receipt_timeout"] {
		p.AnnounceReceiptTimeout = d.AnnounceReceiptTimeout
	}
	if !p.set["delay_mechanism"] {
		p.DelayMechanism = strings.ToLower(d.DelayMechanism.String())
	}
}

// BMCAConfig — параметры координатора BMCA.
type BMCAConfig struct {
	ExecutionInterval    string `yaml:"execution_interval"`
	OscillationThreshold uint32 `yaml:"oscillation_threshold"`
	Periodic             bool   `yaml:"periodic"`
	OnAnnounce           bool   `yaml:"on_announce"`
	HealthMonitoring     bool   `yaml:"health_monitoring"`
	MaxForeignMasters    int    `yaml:"max_foreign_masters"`
}

// OffsetConfig — оценка смещения и пороги здоровья.
type OffsetConfig struct {
	SamplingInterval        string  `yaml:"sampling_interval"`
	VarianceWindow          int     `yaml:"variance_window"`
	SynchronizedThresholdNs float64 `yaml:"synchronized_threshold_ns"`
	DegradedThresholdNs     float64 `yaml:"degraded_threshold_ns"`
	CriticalThresholdNs     float64 `yaml:"critical_threshold_ns"`
	HealthMonitoring        bool    `yaml:"health_monitoring"`
}

// ServoConfig — PI-серво.
type ServoConfig struct {
	Kp                 float64 `yaml:"kp"`
	Ki                 float64 `yaml:"ki"`
	LockThresholdNs    float64 `yaml:"lock_threshold_ns"`
	LockingThresholdNs float64 `yaml:"locking_threshold_ns"`
	UnlockThresholdNs  float64 `yaml:"unlock_threshold_ns"`
	SamplesForLock     uint32  `yaml:"samples_for_lock"`
	IntegralLimit      float64 `yaml:"integral_limit"`
	MaxFrequencyPPB    float64 `yaml:"max_frequency_ppb"`
	MaxRatePPBPerSec   float64 `yaml:"max_rate_ppb_per_sec"`
	AntiWindup         bool    `yaml:"anti_windup"`
	RateLimiting       bool    `yaml:"rate_limiting"`
	Holdover           bool    `yaml:"holdover"`
	HoldoverTimeout    string  `yaml:"holdover_timeout"`
}

// FlowConfig — проверки входящих сообщений.
type FlowConfig struct {
	StrictDomain    bool   `yaml:"strict_domain"`
	BMCAOnAnnounce  bool   `yaml:"bmca_on_announce"`
	ServoOnSync     bool   `yaml:"servo_on_sync"`
	AnnounceTimeout string `yaml:"announce_timeout"`
	SyncTimeout     string `yaml:"sync_timeout"`
	MaxMessageAge   string `yaml:"max_message_age"`
}

// ReferenceConfig — опорные источники: primary_clocks, secondary_clocks.
type ReferenceConfig struct {
	PrimaryClocks   []ClockSource `yaml:"primary_clocks"`
	SecondaryClocks []ClockSource `yaml:"secondary_clocks"`
}

// ClockSource — один опорный источник (protocol: nmea, ubx, phc).
type ClockSource struct {
	Protocol    string `yaml:"protocol"`
	Disable     bool   `yaml:"disable"`
	MonitorOnly bool   `yaml:"monitor_only"`
	Device      string `yaml:"device"`
	Baud        int    `yaml:"baud"`
	// Offset — статическое смещение в наносекундах
	Offset int64 `yaml:"offset"`
}

// MetricsConfig — HTTP-эндпоинт Prometheus; пусто — выключен.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig — уровень логирования logrus.
type LogConfig struct {
	Level string `yaml:"level"`
}

func defaultPort(n uint16) PortConfig {
	d := port.DefaultConfig(n)
	return PortConfig{
		Number:                 n,
		LogAnnounceInterval:    d.LogAnnounceInterval,
		LogSyncInterval:        d.LogSyncInterval,
		LogDelayReqInterval:    d.LogDelayReqInterval,
		AnnounceReceiptTimeout: d.AnnounceReceiptTimeout,
		DelayMechanism:         "e2e",
		CalibrationSamples:     d.CalibrationSamples,
		TwoStep:                d.TwoStep,
	}
}

// Default возвращает конфиг по умолчанию: один порт eth0, без коррекции часов.
func Default() *Config {
	local := bmca.DefaultLocal(0)
	b := bmca.DefaultConfig()
	o := offset.DefaultConfig()
	s := servo.DefaultConfig()
	f := flow.DefaultConfig()
	p := defaultPort(1)
	p.Interface = "eth0"
	return &Config{
		Clock: ClockConfig{
			Priority1:               local.Priority1,
			Priority2:               local.Priority2,
			ClockClass:              local.ClockQuality.ClockClass,
			ClockAccuracy:           local.ClockQuality.ClockAccuracy,
			OffsetScaledLogVariance: local.ClockQuality.OffsetScaledLogVariance,
			TimeSource:              local.TimeSource,
			StepLimit:               "1ms",
			TickInterval:            "125ms",
		},
		Ports: []PortConfig{p},
		BMCA: BMCAConfig{
			ExecutionInterval:    "1s",
			OscillationThreshold: b.OscillationThreshold,
			Periodic:             b.EnablePeriodicExecution,
			OnAnnounce:           b.EnableOnAnnounce,
			HealthMonitoring:     b.EnableHealthMonitoring,
			MaxForeignMasters:    b.MaxForeignMasters,
		},
		Offset: OffsetConfig{
			SamplingInterval:        "1s",
			VarianceWindow:          o.VarianceWindowSamples,
			SynchronizedThresholdNs: o.SynchronizedThresholdNs,
			DegradedThresholdNs:     o.DegradedThresholdNs,
			CriticalThresholdNs:     o.CriticalThresholdNs,
			HealthMonitoring:        o.EnableHealthMonitoring,
		},
		Servo: ServoConfig{
			Kp:                 s.Kp,
			Ki:                 s.Ki,
			LockThresholdNs:    s.LockThresholdNs,
			LockingThresholdNs: s.LockingThresholdNs,
			UnlockThresholdNs:  s.UnlockThresholdNs,
			SamplesForLock:     s.SamplesForLock,
			IntegralLimit:      s.IntegralLimit,
			MaxFrequencyPPB:    s.MaxFrequencyPPB,
			MaxRatePPBPerSec:   s.MaxRateOfChangePPBPerSec,
			AntiWindup:         s.EnableAntiWindup,
			RateLimiting:       s.EnableRateLimiting,
			Holdover:           s.EnableHoldover,
			HoldoverTimeout:    "5s",
		},
		Flow: FlowConfig{
			StrictDomain:    f.StrictDomainChecking,
			BMCAOnAnnounce:  f.EnableBMCAOnAnnounce,
			ServoOnSync:     f.EnableServoOnSync,
			AnnounceTimeout: "3s",
			SyncTimeout:     "1s",
			MaxMessageAge:   "10s",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load читает конфиг из YAML поверх Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse разбирает YAML поверх Default().
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(c)
	return c, nil
}

func applyDefaults(c *Config) {
	d := Default()
	if c.Clock.TickInterval == "" {
		c.Clock.TickInterval = d.Clock.TickInterval
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	// порты без номера нумеруются по порядку
	for i := range c.Ports {
		if c.Ports[i].Number == 0 {
			c.Ports[i].Number = uint16(i + 1)
		}
	}
	// неизвестный профиль отклонит Validate
	if prof, err := port.ParseProfile(c.Profile); err == nil && prof != port.ProfileCustom {
		for i := range c.Ports {
			c.Ports[i].applyProfile(prof)
		}
	}
	for _, list := range [][]ClockSource{c.Reference.PrimaryClocks, c.Reference.SecondaryClocks} {
		for i := range list {
			s := &list[i]
			switch s.Protocol {
			case "nmea":
				if s.Device == "" {
					s.Device = "/dev/ttyS0"
				}
				if s.Baud == 0 {
					s.Baud = 9600
				}
			case "ubx":
				if s.Device == "" {
					s.Device = "/dev/ttyACM0"
				}
				if s.Baud == 0 {
					s.Baud = 9600
				}
			case "phc":
				if s.Device == "" {
					s.Device = "/dev/ptp0"
				}
			}
		}
	}
}

// Validate проверяет конфиг целиком, включая сборку конфигурации часов.
func (c *Config) Validate() error {
	if _, err := ParseDuration(c.Clock.TickInterval); err != nil {
		return fmt.Errorf("clock.tick_interval: %w", err)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w: %w", err, ptp.ErrConfigInvalid)
	}
	for _, list := range [][]ClockSource{c.Reference.PrimaryClocks, c.Reference.SecondaryClocks} {
		for _, s := range list {
			switch s.Protocol {
			case "nmea", "ubx", "phc":
			default:
				return fmt.Errorf("reference: unknown protocol %q: %w", s.Protocol, ptp.ErrConfigInvalid)
			}
		}
	}
	bc, err := c.Boundary()
	if err != nil {
		return err
	}
	return bc.Validate()
}

// TickInterval — период вызова Tick демоном.
func (c *Config) TickInterval() time.Duration {
	d, err := ParseDuration(c.Clock.TickInterval)
	if err != nil {
		return 125 * time.Millisecond
	}
	return d
}

// Boundary собирает конфигурацию граничных часов.
func (c *Config) Boundary() (boundary.Config, error) {
	var out boundary.Config
	id, err := c.ClockIdentity()
	if err != nil {
		return out, err
	}
	if out.Profile, err = port.ParseProfile(c.Profile); err != nil {
		return out, fmt.Errorf("profile: %w", err)
	}
	out.Local = bmca.DefaultDataSet{
		ClockIdentity: id,
		Priority1:     c.Clock.Priority1,
		Priority2:     c.Clock.Priority2,
		ClockQuality: ptp.ClockQuality{
			ClockClass:              c.Clock.ClockClass,
			ClockAccuracy:           c.Clock.ClockAccuracy,
			OffsetScaledLogVariance: c.Clock.OffsetScaledLogVariance,
		},
		Domain:     c.Clock.Domain,
		TimeSource: c.Clock.TimeSource,
	}

	for _, p := range c.Ports {
		mech, err := port.ParseDelayMechanism(p.DelayMechanism)
		if err != nil {
			return out, fmt.Errorf("port %d: %w", p.Number, err)
		}
		out.Ports = append(out.Ports, port.Config{
			PortNumber:             p.Number,
			Domain:                 c.Clock.Domain,
			LogAnnounceInterval:    p.LogAnnounceInterval,
			LogSyncInterval:        p.LogSyncInterval,
			LogDelayReqInterval:    p.LogDelayReqInterval,
			AnnounceReceiptTimeout: p.AnnounceReceiptTimeout,
			DelayMechanism:         mech,
			CalibrationSamples:     p.CalibrationSamples,
			TwoStep:                p.TwoStep,
		})
	}

	execMs, err := durationMs("bmca.execution_interval", c.BMCA.ExecutionInterval)
	if err != nil {
		return out, err
	}
	out.BMCA = bmca.Config{
		ExecutionIntervalMs:     execMs,
		OscillationThreshold:    c.BMCA.OscillationThreshold,
		EnablePeriodicExecution: c.BMCA.Periodic,
		EnableOnAnnounce:        c.BMCA.OnAnnounce,
		EnableHealthMonitoring:  c.BMCA.HealthMonitoring,
		MaxForeignMasters:       c.BMCA.MaxForeignMasters,
	}

	sampleMs, err := durationMs("offset.sampling_interval", c.Offset.SamplingInterval)
	if err != nil {
		return out, err
	}
	out.Offset = offset.Config{
		SamplingIntervalMs:      sampleMs,
		VarianceWindowSamples:   c.Offset.VarianceWindow,
		SynchronizedThresholdNs: c.Offset.SynchronizedThresholdNs,
		DegradedThresholdNs:     c.Offset.DegradedThresholdNs,
		CriticalThresholdNs:     c.Offset.CriticalThresholdNs,
		EnableHealthMonitoring:  c.Offset.HealthMonitoring,
	}

	step, err := ParseStepLimit(c.Clock.StepLimit)
	if err != nil {
		return out, fmt.Errorf("clock.step_limit: %w", err)
	}
	holdMs, err := durationMs("servo.holdover_timeout", c.Servo.HoldoverTimeout)
	if err != nil {
		return out, err
	}
	out.Servo = servo.Config{
		Kp:                       c.Servo.Kp,
		Ki:                       c.Servo.Ki,
		LockThresholdNs:          c.Servo.LockThresholdNs,
		LockingThresholdNs:       c.Servo.LockingThresholdNs,
		UnlockThresholdNs:        c.Servo.UnlockThresholdNs,
		SamplesForLock:           c.Servo.SamplesForLock,
		StepThresholdNs:          float64(step),
		IntegralLimit:            c.Servo.IntegralLimit,
		MaxFrequencyPPB:          c.Servo.MaxFrequencyPPB,
		MaxRateOfChangePPBPerSec: c.Servo.MaxRatePPBPerSec,
		EnableAntiWindup:         c.Servo.AntiWindup,
		EnableRateLimiting:       c.Servo.RateLimiting,
		EnableHoldover:           c.Servo.Holdover,
		HoldoverTimeoutMs:        holdMs,
	}

	out.Flow = flow.Config{
		ExpectedDomain:       c.Clock.Domain,
		StrictDomainChecking: c.Flow.StrictDomain,
		EnableBMCAOnAnnounce: c.Flow.BMCAOnAnnounce,
		EnableServoOnSync:    c.Flow.ServoOnSync,
	}
	timeouts := []struct {
		name string
		s    string
		dst  *int64
	}{
		{"flow.announce_timeout", c.Flow.AnnounceTimeout, &out.Flow.AnnounceTimeoutNs},
		{"flow.sync_timeout", c.Flow.SyncTimeout, &out.Flow.SyncTimeoutNs},
		{"flow.max_message_age", c.Flow.MaxMessageAge, &out.Flow.MaxMessageAgeNs},
	}
	for _, t := range timeouts {
		d, err := ParseDuration(t.s)
		if err != nil {
			return out, fmt.Errorf("%s: %w", t.name, err)
		}
		*t.dst = d.Nanoseconds()
	}
	return out, nil
}

// ClockIdentity возвращает clock.identity или EUI-64 из MAC интерфейса первого порта.
func (c *Config) ClockIdentity() (ptp.ClockIdentity, error) {
	if c.Clock.Identity != "" {
		id, err := ptp.ParseClockIdentity(c.Clock.Identity)
		if err != nil {
			return 0, fmt.Errorf("clock.identity: %w", err)
		}
		return id, nil
	}
	if len(c.Ports) == 0 || c.Ports[0].Interface == "" {
		return 0, fmt.Errorf("clock.identity: not set and no port interface: %w", ptp.ErrConfigInvalid)
	}
	ifi, err := net.InterfaceByName(c.Ports[0].Interface)
	if err != nil {
		return 0, fmt.Errorf("clock.identity from %s: %w", c.Ports[0].Interface, err)
	}
	return IdentityFromMAC(ifi.HardwareAddr)
}

// IdentityFromMAC строит EUI-64 из MAC-48: aa:bb:cc:dd:ee:ff -> aabbcc.fffe.ddeeff.
func IdentityFromMAC(mac net.HardwareAddr) (ptp.ClockIdentity, error) {
	if len(mac) != 6 {
		return 0, fmt.Errorf("mac %q: need 6 bytes: %w", mac, ptp.ErrConfigInvalid)
	}
	b := [8]byte{mac[0], mac[1], mac[2], 0xff, 0xfe, mac[3], mac[4], mac[5]}
	var id ptp.ClockIdentity
	for _, x := range b {
		id = id<<8 | ptp.ClockIdentity(x)
	}
	return id, nil
}

var errEmptyDuration = errors.New("empty duration")

// ParseDuration — time.ParseDuration с ошибкой ErrConfigInvalid; значение должно быть > 0.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: %w", errEmptyDuration, ptp.ErrConfigInvalid)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", err, ptp.ErrConfigInvalid)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %s must be > 0: %w", s, ptp.ErrConfigInvalid)
	}
	return d, nil
}

// ParseStepLimit парсит step_limit (например "1ms", "500ms") в наносекунды.
// Пустая строка — 1 ms.
func ParseStepLimit(s string) (int64, error) {
	const defaultStepNs = 1_000_000
	if s == "" {
		return defaultStepNs, nil
	}
	d, err := ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return d.Nanoseconds(), nil
}

func durationMs(name, s string) (uint32, error) {
	d, err := ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return uint32(d.Milliseconds()), nil
}
