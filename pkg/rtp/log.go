package rtp

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
)

// LogLevel уровень логирования библиотеки
type LogLevel int32

const (
	LogNone LogLevel = iota
	LogError
	LogInfo
	LogDebug
	LogTrace
)

func (l LogLevel) String() string {
	switch l {
	case LogNone:
		return "none"
	case LogError:
		return "error"
	case LogInfo:
		return "info"
	case LogDebug:
		return "debug"
	case LogTrace:
		return "trace"
	default:
		return fmt.Sprintf("level(%d)", int32(l))
	}
}

// LogMessage одно сообщение журнала библиотеки
type LogMessage struct {
	Level  LogLevel
	Module string // Подсистема: "encoder", "context", "rtcp"
	File   string
	Line   int
	Text   string
}

// LogHandler получатель сообщений библиотеки
type LogHandler func(msg LogMessage)

// Состояние журнала общее для процесса
var (
	logLevel   atomic.Int32
	logMu      sync.RWMutex
	logHandler LogHandler
)

func init() {
	logLevel.Store(int32(LogError))
}

// SetLogLevel задает максимальный уровень сообщений, которые передаются обработчику
func SetLogLevel(level LogLevel) {
	logLevel.Store(int32(level))
}

// GetLogLevel возвращает текущий уровень
func GetLogLevel() LogLevel {
	return LogLevel(logLevel.Load())
}

// SetLogHandler устанавливает обработчик сообщений. nil отключает вывод.
func SetLogHandler(handler LogHandler) {
	logMu.Lock()
	logHandler = handler
	logMu.Unlock()
}

func logf(level LogLevel, module string, format string, args ...interface{}) {
	if level == LogNone || level > GetLogLevel() {
		return
	}

	logMu.RLock()
	handler := logHandler
	logMu.RUnlock()
	if handler == nil {
		return
	}

	msg := LogMessage{
		Level:  level,
		Module: module,
		Text:   fmt.Sprintf(format, args...),
	}
	if _, file, line, ok := runtime.Caller(1); ok {
		msg.File = filepath.Base(file)
		msg.Line = line
	}
	handler(msg)
}
