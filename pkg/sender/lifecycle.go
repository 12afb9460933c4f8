package sender

import (
	"context"
	"errors"
	"log/slog"

	"github.com/looplab/fsm"
)

// SessionState состояние сессии отправителя
type SessionState string

const (
	StateIdle        SessionState = "idle"        // Энкодера нет
	StateConfiguring SessionState = "configuring" // Формат известен, энкодер собирается
	StateActive      SessionState = "active"      // Энкодер собран, медиа интерфейс активен
	StateDraining    SessionState = "draining"    // Идет разбор, кадры не принимаются
)

// События конечного автомата
const (
	eventConfigure = "configure"
	eventActivate  = "activate"
	eventFail      = "fail"
	eventDrain     = "drain"
	eventReset     = "reset"
)

// StateChange переход состояния конвейера хоста
type StateChange int

const (
	NullToReady StateChange = iota
	ReadyToPaused
	PausedToPlaying
	PlayingToPaused
	PausedToReady
	ReadyToNull
)

func (c StateChange) String() string {
	switch c {
	case NullToReady:
		return "NULL->READY"
	case ReadyToPaused:
		return "READY->PAUSED"
	case PausedToPlaying:
		return "PAUSED->PLAYING"
	case PlayingToPaused:
		return "PLAYING->PAUSED"
	case PausedToReady:
		return "PAUSED->READY"
	case ReadyToNull:
		return "READY->NULL"
	default:
		return "unknown"
	}
}

// stopsSession true для переходов, после которых энкодер разбирается
func (c StateChange) stopsSession() bool {
	return c == PausedToReady || c == ReadyToNull
}

// Lifecycle конечный автомат сессии:
// idle -> configuring -> active -> draining -> idle
type Lifecycle struct {
	fsm    *fsm.FSM
	logger *slog.Logger
}

func newLifecycle(logger *slog.Logger) *Lifecycle {
	l := &Lifecycle{logger: logger}
	l.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventConfigure, Src: []string{string(StateIdle), string(StateActive), string(StateConfiguring)}, Dst: string(StateConfiguring)},
			{Name: eventActivate, Src: []string{string(StateConfiguring)}, Dst: string(StateActive)},
			{Name: eventFail, Src: []string{string(StateConfiguring)}, Dst: string(StateIdle)},
			{Name: eventDrain, Src: []string{string(StateActive), string(StateConfiguring)}, Dst: string(StateDraining)},
			{Name: eventReset, Src: []string{string(StateDraining)}, Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				l.logger.Debug("session state changed",
					slog.String("event", e.Event),
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
			},
		},
	)
	return l
}

// fire выполняет событие. Событие без смены состояния ошибкой не считается.
func (l *Lifecycle) fire(event string) error {
	err := l.fsm.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

// Can сообщает, допустимо ли событие в текущем состоянии
func (l *Lifecycle) can(event string) bool {
	return l.fsm.Can(event)
}

// State текущее состояние
func (l *Lifecycle) State() SessionState {
	return SessionState(l.fsm.Current())
}
