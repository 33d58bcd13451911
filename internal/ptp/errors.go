package ptp

import "errors"

// Ошибки ядра синхронизации. Оборачиваются через fmt.Errorf("...: %w"), проверяются errors.Is.
var (
	ErrConfigInvalid  = errors.New("invalid configuration")
	ErrWrongDomain    = errors.New("wrong domain")
	ErrInvalidVersion = errors.New("invalid protocol version")
	ErrInvalidMessage = errors.New("invalid message")
	ErrEmptyInput     = errors.New("empty input")
	ErrUnknownPort    = errors.New("unknown port")
	ErrCallbackFailed = errors.New("callback failed")
	ErrState          = errors.New("invalid state for operation")
)
