// ptpsync — граничные часы IEEE 1588 (PTP): BMCA, автомат состояний портов,
// оценка смещения и задержки, PI-серво.
//
// Опорные источники (NMEA, UBX, PHC) задают качество локальных часов для BMCA.
// Сетевой транспорт подключается снаружи; без него ptpsync работает как сухой
// прогон: исходящие кадры только пишутся в лог.
//
// Использование:
//
//	ptpsync --config ptpsync.yml              — запуск
//	ptpsync --config ptpsync.yml --check      — проверить конфиг и выйти
//	ptpsync --list-serial                     — показать последовательные порты
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/shiwa/timecard-mini/ptpsync/internal/config"
	"github.com/shiwa/timecard-mini/ptpsync/internal/logger"
	"github.com/shiwa/timecard-mini/ptpsync/internal/source"
	"github.com/shiwa/timecard-mini/ptpsync/pkg/clocksync"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ptpsync: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath    string
		quiet         bool
		logLevel      string
		metricsListen string
		check         bool
		listSerial    bool
	)
	fs := pflag.NewFlagSet("ptpsync", pflag.ContinueOnError)
	fs.StringVarP(&configPath, "config", "c", "ptpsync.yml", "путь к YAML конфигу")
	fs.BoolVarP(&quiet, "quiet", "q", false, "только предупреждения и ошибки")
	fs.StringVar(&logLevel, "log-level", "", "уровень логов: debug, info, warn, error (переопределяет config)")
	fs.StringVar(&metricsListen, "metrics-listen", "", "адрес HTTP для /metrics (переопределяет config)")
	fs.BoolVar(&check, "check", false, "проверить конфиг и выйти")
	fs.BoolVar(&listSerial, "list-serial", false, "показать последовательные порты и выйти")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if listSerial {
		ports, err := source.ListSerial()
		if err != nil {
			return err
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	}

	cfg, err := loadConfig(configPath, fs.Changed("config"))
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if metricsListen != "" {
		cfg.Metrics.Listen = metricsListen
	}

	if check {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if !quiet {
			fmt.Printf("config OK: %d ports, tick %v\n", len(cfg.Ports), cfg.TickInterval())
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = clocksync.RunDaemon(ctx, cfg, clocksync.NewLogTransport(), quiet)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("ptpsync: остановлен")
	return nil
}

// loadConfig читает конфиг; файл по умолчанию может отсутствовать.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && !explicit {
		return config.Default(), nil
	}
	return config.Load(path)
}
