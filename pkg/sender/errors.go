package sender

import (
	"errors"
	"fmt"
)

// SenderErrorCode типизированные коды ошибок отправителя
type SenderErrorCode int

const (
	// Ошибки согласования
	ErrorCodeUnsupportedFormat SenderErrorCode = iota + 2000
	ErrorCodeDuplicateRequest
	ErrorCodeCapsRejected

	// Ошибки сборки энкодера
	ErrorCodeContextOpenFailed
	ErrorCodeEncoderOpenFailed
	ErrorCodeMediaActivationFailed
	ErrorCodeControlActivationFailed

	// Ошибки обработки порции
	ErrorCodeFrameRejected
	ErrorCodeOutputMapFailed
	ErrorCodeDownstreamFlow
)

// String возвращает строковое представление кода ошибки
func (code SenderErrorCode) String() string {
	switch code {
	case ErrorCodeUnsupportedFormat:
		return "UnsupportedFormat"
	case ErrorCodeDuplicateRequest:
		return "DuplicateRequest"
	case ErrorCodeCapsRejected:
		return "CapsRejected"
	case ErrorCodeContextOpenFailed:
		return "ContextOpenFailed"
	case ErrorCodeEncoderOpenFailed:
		return "EncoderOpenFailed"
	case ErrorCodeMediaActivationFailed:
		return "MediaActivationFailed"
	case ErrorCodeControlActivationFailed:
		return "ControlActivationFailed"
	case ErrorCodeFrameRejected:
		return "FrameRejected"
	case ErrorCodeOutputMapFailed:
		return "OutputMapFailed"
	case ErrorCodeDownstreamFlow:
		return "DownstreamFlow"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// SenderError ошибка отправителя с кодом, контекстом и обернутой причиной
type SenderError struct {
	Code    SenderErrorCode
	Message string
	Context map[string]interface{}
	Wrapped error
}

// Error реализует интерфейс error
func (e *SenderError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("[отправитель:%s] %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("[отправитель:%s] %s", e.Code, e.Message)
}

// Unwrap возвращает обернутую ошибку
func (e *SenderError) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *SenderError) Is(target error) bool {
	if t, ok := target.(*SenderError); ok {
		return e.Code == t.Code
	}
	return false
}

// GetContext возвращает значение из контекста ошибки по ключу
func (e *SenderError) GetContext(key string) interface{} {
	if e.Context == nil {
		return nil
	}
	return e.Context[key]
}

func newSenderError(code SenderErrorCode, message string, wrapped error) *SenderError {
	return &SenderError{Code: code, Message: message, Wrapped: wrapped}
}

func (e *SenderError) with(key string, value interface{}) *SenderError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// HasErrorCode проверяет, содержит ли цепочка ошибок указанный код
func HasErrorCode(err error, code SenderErrorCode) bool {
	var senderErr *SenderError
	if errors.As(err, &senderErr) {
		return senderErr.Code == code
	}
	return false
}

// GetErrorCode возвращает код первой SenderError в цепочке
func GetErrorCode(err error) (SenderErrorCode, bool) {
	var senderErr *SenderError
	if errors.As(err, &senderErr) {
		return senderErr.Code, true
	}
	return 0, false
}

// IsChunkScoped сообщает, что ошибка затронула только текущую порцию,
// а сессия осталась активной
func IsChunkScoped(err error) bool {
	code, ok := GetErrorCode(err)
	if !ok {
		return false
	}
	switch code {
	case ErrorCodeFrameRejected, ErrorCodeOutputMapFailed, ErrorCodeDownstreamFlow:
		return true
	default:
		return false
	}
}
