// Package logger — единый вывод логов ptpsync поверх logrus.
// Компоненты ядра получают именованный Logger с кодами событий; CLI и daemon
// пользуются пакетными Info/Error.
package logger

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

var std = log.New()

func init() {
	std.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

// Quiet при true отключает информационные сообщения (Info); Error выводится всегда.
var Quiet bool

// уровень вне тихого режима
var level = log.InfoLevel

// SetQuiet включает тихий режим: остаются только предупреждения и ошибки.
// SetQuiet(false) возвращает уровень, заданный SetLevel.
func SetQuiet(q bool) {
	Quiet = q
	if q {
		std.SetLevel(log.WarnLevel)
		return
	}
	std.SetLevel(level)
}

// SetLevel задаёт уровень по имени (debug, info, warn, error).
func SetLevel(name string) error {
	lvl, err := log.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("log level %q: %w", name, err)
	}
	level = lvl
	if !Quiet {
		std.SetLevel(lvl)
	}
	return nil
}

// SetOutput перенаправляет вывод (в тестах — в буфер).
func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

// Info выводит сообщение, если Quiet == false.
func Info(format string, args ...interface{}) {
	if Quiet {
		return
	}
	std.Infof(format, args...)
}

// Error выводит сообщение об ошибке всегда.
func Error(format string, args ...interface{}) {
	std.Errorf(format, args...)
}

// Logger — логгер компонента. Каждая запись несёт поля component и code.
type Logger struct {
	entry *log.Entry
}

// New создаёт логгер компонента (BMCA, PORT, SERVO, ...).
func New(component string) *Logger {
	return &Logger{entry: std.WithField("component", component)}
}

// NewWith создаёт логгер поверх заданного logrus.Logger.
func NewWith(l *log.Logger, component string) *Logger {
	return &Logger{entry: l.WithField("component", component)}
}

var nop = func() *Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	l.SetLevel(log.PanicLevel)
	return &Logger{entry: log.NewEntry(l)}
}()

// Nop возвращает логгер, который ничего не пишет.
func Nop() *Logger { return nop }

// With добавляет постоянное поле (например номер порта).
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// logf проверяет уровень до того, как собрать запись с полями.
func (l *Logger) logf(lvl log.Level, code uint16, format string, args []interface{}) {
	if !l.entry.Logger.IsLevelEnabled(lvl) {
		return
	}
	l.entry.WithField("code", fmt.Sprintf("0x%04x", code)).Logf(lvl, format, args...)
}

func (l *Logger) Debug(code uint16, format string, args ...interface{}) {
	l.logf(log.DebugLevel, code, format, args)
}

func (l *Logger) Info(code uint16, format string, args ...interface{}) {
	l.logf(log.InfoLevel, code, format, args)
}

func (l *Logger) Warn(code uint16, format string, args ...interface{}) {
	l.logf(log.WarnLevel, code, format, args)
}

func (l *Logger) Error(code uint16, format string, args ...interface{}) {
	l.logf(log.ErrorLevel, code, format, args)
}
