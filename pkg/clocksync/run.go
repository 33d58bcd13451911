// Package clocksync запускает граничные часы PTP как демон: цикл тиков,
// приём кадров, выбор опорного источника и эндпоинт метрик.
package clocksync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shiwa/timecard-mini/ptpsync/internal/boundary"
	"github.com/shiwa/timecard-mini/ptpsync/internal/clockadj"
	"github.com/shiwa/timecard-mini/ptpsync/internal/clockselect"
	"github.com/shiwa/timecard-mini/ptpsync/internal/config"
	"github.com/shiwa/timecard-mini/ptpsync/internal/logger"
	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
	"github.com/shiwa/timecard-mini/ptpsync/internal/servo"
	"github.com/shiwa/timecard-mini/ptpsync/internal/source"
	"github.com/shiwa/timecard-mini/ptpsync/internal/telemetry"
)

const (
	codeHeartbeat uint16 = 0x0900
	codeState     uint16 = 0x0901
	codeFault     uint16 = 0x0902
	codeRx        uint16 = 0x0903
	codeTx        uint16 = 0x0904
	codeReference uint16 = 0x0905
	codeMetrics   uint16 = 0x0906
)

// период опроса опорных источников
const referenceInterval = time.Second

// daemon — состояние одного запуска. Все вызовы clock идут из цикла Run.
type daemon struct {
	cfg   *config.Config
	tr    Transport
	cb    *callbacks
	clock *boundary.Clock
	reg   *telemetry.Registry
	log   *logger.Logger
	now   func() time.Time

	primary, secondary []source.TimeSource
}

func newDaemon(cfg *config.Config, tr Transport) (*daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	bc, err := cfg.Boundary()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	d := &daemon{
		cfg: cfg,
		tr:  tr,
		reg: telemetry.NewRegistry(),
		log: logger.New("clocksync"),
		now: time.Now,
	}
	d.reg.SetObserver(func(s telemetry.Snapshot) {
		d.log.Debug(codeHeartbeat, "heartbeat %d: offsets=%d synced=%v |offset|=%.0fns",
			s.HeartbeatCount, s.Get(telemetry.OffsetsComputed), s.LikelySynchronized, s.AbsOffset())
	})

	var adj servo.Adjuster = servo.NopAdjuster{}
	if cfg.Clock.AdjustClock {
		adj = clockadj.NewSystem()
		if ppm, err := clockadj.GetFrequency(); err == nil {
			d.log.Info(codeState, "kernel frequency %.3f ppm, clock granularity %d ns", ppm, clockadj.GranularityNs())
		}
	}
	d.cb = newCallbacks(tr, d.log)
	d.clock, err = boundary.New(bc, d.cb, adj,
		boundary.WithLogger(logger.New("boundary")),
		boundary.WithTelemetry(d.reg))
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *daemon) openReferences() {
	var errs []error
	var e []error
	d.primary, errs = source.Build(d.cfg.Reference.PrimaryClocks)
	d.secondary, e = source.Build(d.cfg.Reference.SecondaryClocks)
	for _, err := range append(errs, e...) {
		d.log.Warn(codeReference, "reference: %v", err)
	}
}

func (d *daemon) closeReferences() {
	for _, s := range append(d.primary, d.secondary...) {
		_ = s.Close()
	}
}

// handle передаёт принятый кадр порту. Отклонённые сообщения — норма для сети.
func (d *daemon) handle(p Packet) {
	if len(p.Data) == 0 {
		return
	}
	t := ptp.MessageType(p.Data[0] & 0x0f)
	if err := d.clock.ProcessMessage(p.Port, t, p.Data, ptp.NewTimestamp(p.RX)); err != nil {
		d.log.Debug(codeRx, "port %d rx %s: %v", p.Port, t, err)
	}
}

func (d *daemon) tick() {
	if err := d.clock.Tick(ptp.NewTimestamp(d.now())); err != nil {
		d.log.Debug(codeState, "tick: %v", err)
	}
}

// applyQuality обновляет качество локальных часов, если оно изменилось.
func (d *daemon) applyQuality(q ptp.ClockQuality) {
	local := d.clock.Local()
	if local.ClockQuality == q {
		return
	}
	d.log.Info(codeReference, "clock quality %d/0x%02x -> %d/0x%02x",
		local.ClockQuality.ClockClass, local.ClockQuality.ClockAccuracy, q.ClockClass, q.ClockAccuracy)
	local.ClockQuality = q
	d.clock.SetLocal(local)
}

// watchReferences опрашивает источники в своей горутине: чтение NMEA блокирует.
func (d *daemon) watchReferences(ctx context.Context, out chan<- ptp.ClockQuality) {
	e := clockselect.NewElection(d.primary, d.secondary)
	t := time.NewTicker(referenceInterval)
	defer t.Stop()
	var last ptp.ClockQuality
	for {
		active := e.Select()
		q := e.ClockQuality()
		if q != last {
			if active != nil {
				d.log.Info(codeReference, "reference %s selected", active.Name())
			} else {
				d.log.Warn(codeReference, "no usable reference")
			}
			last = q
			select {
			case out <- q:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// metricsHandler отдаёт телеметрию в формате Prometheus.
func metricsHandler(reg *telemetry.Registry) http.Handler {
	preg := prometheus.NewRegistry()
	preg.MustRegister(telemetry.NewCollector(reg))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	return mux
}

func (d *daemon) serveMetrics(ctx context.Context, addr string) {
	srv := &http.Server{Addr: addr, Handler: metricsHandler(d.reg), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		d.log.Info(codeMetrics, "metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error(codeMetrics, "metrics: %v", err)
		}
	}()
}

// run — основной цикл до отмены ctx.
func (d *daemon) run(ctx context.Context) error {
	if err := d.clock.Initialize(); err != nil {
		return err
	}
	if err := d.clock.Start(); err != nil {
		return err
	}
	defer d.clock.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	quality := make(chan ptp.ClockQuality, 1)
	if len(d.primary)+len(d.secondary) > 0 {
		go d.watchReferences(ctx, quality)
	}
	if d.cfg.Metrics.Listen != "" {
		d.serveMetrics(ctx, d.cfg.Metrics.Listen)
	}

	ticker := time.NewTicker(d.cfg.TickInterval())
	defer ticker.Stop()
	rx := d.tr.Receive()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-rx:
			if !ok {
				return errors.New("transport closed")
			}
			d.handle(p)
		case q := <-quality:
			d.applyQuality(q)
		case <-ticker.C:
			d.tick()
		}
	}
}

// RunDaemon запускает граничные часы до отмены ctx. Транспорт закрывается на выходе.
func RunDaemon(ctx context.Context, cfg *config.Config, tr Transport, quiet bool) error {
	if cfg == nil {
		return errors.New("clocksync: nil config")
	}
	logger.SetQuiet(quiet)
	if !quiet && cfg.Log.Level != "" {
		if err := logger.SetLevel(cfg.Log.Level); err != nil {
			return err
		}
	}
	d, err := newDaemon(cfg, tr)
	if err != nil {
		return err
	}
	defer tr.Close()
	d.openReferences()
	defer d.closeReferences()

	logger.Info("clocksync: ports=%d primary=%d secondary=%d tick=%v adjust_clock=%v",
		len(cfg.Ports), len(d.primary), len(d.secondary), cfg.TickInterval(), cfg.Clock.AdjustClock)
	return d.run(ctx)
}
