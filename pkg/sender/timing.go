package sender

import (
	"fmt"
	"log/slog"
	"time"
)

// ClockTime время потока в наносекундах. Отрицательное значение означает неизвестное время.
type ClockTime int64

// ClockTimeNone неизвестное время
const ClockTimeNone ClockTime = -1

// Valid true для известного времени
func (t ClockTime) Valid() bool {
	return t >= 0
}

func (t ClockTime) String() string {
	if !t.Valid() {
		return "none"
	}
	return time.Duration(t).String()
}

// ClockTimeOf переводит длительность в ClockTime
func ClockTimeOf(d time.Duration) ClockTime {
	return ClockTime(d)
}

// TimingState состояние часов выхода
type TimingState struct {
	LastOutPts         ClockTime
	LastOutDts         ClockTime
	PrevPacketRtpClock uint32 // RTP timestamp последнего медиа пакета
	PrevClockValid     bool
}

// Reconciler выводит PTS/DTS исходящих пакетов из времени входных порций.
//
// Пакетизатор режет порции произвольной длины на пакеты фиксированной
// длительности, поэтому время пакета считается накоплением длительностей
// от времени первой порции. Для первого пакета каждой порции проверяется,
// не ушли ли часы выхода вперед входа; если ушли, часы возвращаются к
// времени порции. PTS и DTS обрабатываются независимо.
//
// Не потокобезопасен: пакеты обрабатываются строго в порядке выдачи.
type Reconciler struct {
	state        TimingState
	inPts        ClockTime
	inDts        ClockTime
	firstOfChunk bool

	logger  *slog.Logger
	metrics *Metrics
}

func newReconciler(logger *slog.Logger, metrics *Metrics) *Reconciler {
	r := &Reconciler{logger: logger, metrics: metrics}
	r.Reset()
	return r
}

// Reset сбрасывает часы. Вызывается только при разборе сессии.
func (r *Reconciler) Reset() {
	r.state = TimingState{LastOutPts: ClockTimeNone, LastOutDts: ClockTimeNone}
	r.inPts = ClockTimeNone
	r.inDts = ClockTimeNone
	r.firstOfChunk = false
}

// BeginChunk запоминает время входной порции, из которой будут извлекаться пакеты
func (r *Reconciler) BeginChunk(inPts, inDts ClockTime) {
	r.inPts = inPts
	r.inDts = inDts
	r.firstOfChunk = true
}

// Stamp назначает время медиа пакету длительностью d и продвигает часы
func (r *Reconciler) Stamp(d time.Duration) (pts, dts ClockTime) {
	if !r.state.LastOutPts.Valid() {
		r.state.LastOutPts = r.inPts
	}
	if !r.state.LastOutDts.Valid() {
		r.state.LastOutDts = r.inDts
	}

	pts = r.state.LastOutPts
	dts = r.state.LastOutDts

	if r.firstOfChunk {
		r.firstOfChunk = false
		if pts.Valid() && r.inPts.Valid() && r.inPts < pts {
			r.logger.Warn("output PTS ahead of input, resynchronizing",
				slog.String("out_pts", pts.String()),
				slog.String("in_pts", r.inPts.String()))
			r.metrics.resync(clockPTS)
			pts = r.inPts
			r.state.LastOutPts = pts
		}
		if dts.Valid() && r.inDts.Valid() && r.inDts < dts {
			r.logger.Warn("output DTS ahead of input, resynchronizing",
				slog.String("out_dts", dts.String()),
				slog.String("in_dts", r.inDts.String()))
			r.metrics.resync(clockDTS)
			dts = r.inDts
			r.state.LastOutDts = dts
		}
	}

	if r.state.LastOutPts.Valid() {
		r.state.LastOutPts += ClockTime(d)
	}
	if r.state.LastOutDts.Valid() {
		r.state.LastOutDts += ClockTime(d)
	}
	return pts, dts
}

// Current текущие часы без продвижения, для пакетов без длительности
func (r *Reconciler) Current() (pts, dts ClockTime) {
	return r.state.LastOutPts, r.state.LastOutDts
}

// RecordRTPClock запоминает RTP timestamp последнего медиа пакета
func (r *Reconciler) RecordRTPClock(ts uint32) {
	r.state.PrevPacketRtpClock = ts
	r.state.PrevClockValid = true
}

// State возвращает копию состояния
func (r *Reconciler) State() TimingState {
	return r.state
}

func (s TimingState) String() string {
	return fmt.Sprintf("pts=%s dts=%s rtp=%d(valid=%t)", s.LastOutPts, s.LastOutDts, s.PrevPacketRtpClock, s.PrevClockValid)
}
