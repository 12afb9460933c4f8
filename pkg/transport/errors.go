package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// ErrClosed операция над закрытым транспортом
var ErrClosed = errors.New("транспорт закрыт")

// NetworkErrorType тип сетевой ошибки
type NetworkErrorType int

const (
	ErrorTypeTemporary  NetworkErrorType = iota // Временная ошибка, можно повторить
	ErrorTypePermanent                          // Повтор бессмыслен
	ErrorTypeTimeout                            // Истек дедлайн
	ErrorTypeConnection                         // Удаленная сторона недоступна
	ErrorTypeUnknown
)

func (t NetworkErrorType) String() string {
	switch t {
	case ErrorTypeTemporary:
		return "temporary"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// ClassifiedError сетевая ошибка с классификацией
type ClassifiedError struct {
	Type      NetworkErrorType
	Operation string
	Err       error
	Retryable bool
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v (type: %s, retryable: %t)", e.Operation, e.Err, e.Type, e.Retryable)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// classifyNetworkError оборачивает ошибку в ClassifiedError
func classifyNetworkError(operation string, err error) error {
	if err == nil {
		return nil
	}

	classified := &ClassifiedError{Operation: operation, Err: err, Type: ErrorTypeUnknown}

	var netErr net.Error
	switch {
	case errors.Is(err, net.ErrClosed):
		classified.Type = ErrorTypePermanent
	case errors.Is(err, os.ErrDeadlineExceeded):
		classified.Type = ErrorTypeTimeout
		classified.Retryable = true
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR), errors.Is(err, syscall.ENOBUFS):
		classified.Type = ErrorTypeTemporary
		classified.Retryable = true
	case errors.As(err, &netErr) && netErr.Timeout():
		classified.Type = ErrorTypeTimeout
		classified.Retryable = true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		classified.Type = ErrorTypeConnection
		classified.Retryable = true
	case errors.Is(err, syscall.EINVAL), errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EAFNOSUPPORT), errors.Is(err, syscall.EADDRINUSE):
		classified.Type = ErrorTypePermanent
	}

	return classified
}

// IsRetryable сообщает, имеет ли смысл повторить операцию
func IsRetryable(err error) bool {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Retryable
	}
	return false
}
