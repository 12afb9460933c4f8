// Package logbridge перенаправляет журнал библиотеки pkg/rtp в log/slog.
//
// Установка выполняется один раз на процесс: библиотека держит единственный
// обработчик, поэтому повторные вызовы Install ничего не меняют.
package logbridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/arzzra/rtp_sender/pkg/rtp"
)

// LevelTrace уровень slog для трассировки библиотеки
const LevelTrace = slog.LevelDebug - 4

var installOnce sync.Once

// ToHost переводит уровень библиотеки в уровень slog.
// Для LogNone возвращает false: такие сообщения не выводятся.
func ToHost(level rtp.LogLevel) (slog.Level, bool) {
	switch level {
	case rtp.LogError:
		return slog.LevelError, true
	case rtp.LogInfo:
		return slog.LevelInfo, true
	case rtp.LogDebug:
		return slog.LevelDebug, true
	case rtp.LogTrace:
		return LevelTrace, true
	default:
		return 0, false
	}
}

// ToLibrary переводит порог slog в уровень библиотеки.
// Предупреждения хоста соответствуют уровню ошибок библиотеки.
func ToLibrary(level slog.Level) rtp.LogLevel {
	switch {
	case level >= slog.LevelWarn:
		return rtp.LogError
	case level >= slog.LevelInfo:
		return rtp.LogInfo
	case level >= slog.LevelDebug:
		return rtp.LogDebug
	default:
		return rtp.LogTrace
	}
}

// Forward выводит одно сообщение библиотеки в logger
func Forward(logger *slog.Logger, msg rtp.LogMessage) {
	level, ok := ToHost(msg.Level)
	if !ok {
		return
	}
	logger.LogAttrs(context.Background(), level, msg.Text,
		slog.String("module", msg.Module),
		slog.String("file", msg.File),
		slog.Int("line", msg.Line),
	)
}

// Install подключает logger к журналу библиотеки и выставляет уровень
// библиотеки по minLevel. Срабатывает только при первом вызове.
func Install(logger *slog.Logger, minLevel slog.Level) bool {
	installed := false
	installOnce.Do(func() {
		if logger == nil {
			logger = slog.Default()
		}
		logger = logger.With(slog.String("component", "rtp"))

		rtp.SetLogLevel(ToLibrary(minLevel))
		rtp.SetLogHandler(func(msg rtp.LogMessage) {
			Forward(logger, msg)
		})
		installed = true
	})
	return installed
}
