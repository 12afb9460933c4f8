// Package sender превращает непрерывный поток F32LE в RTP пакеты и
// необязательный RTCP канал.
//
// Sender объединяет компоненты сессии:
//   - SessionConfig накапливает формат и запросы управляющих каналов
//   - EncoderSession собирает и разбирает энкодер
//   - Pump проталкивает порции и выкачивает пакеты
//   - Reconciler назначает PTS/DTS
//   - Relay передает обратную связь в энкодер
//   - Lifecycle ведет состояние сессии
//
// Вызовы хоста (согласование, порции, переходы состояний, запросы каналов)
// должны быть последовательными. OnFeedbackPacket можно вызывать из
// другого потока.
package sender

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/arzzra/rtp_sender/pkg/rtp"
	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
)

// Config конфигурация отправителя
type Config struct {
	// PacketEncoding идентификатор кодировки пакетов, 0 = автоматически
	PacketEncoding rtp.PacketEncoding

	// PacketLength длительность пакета, 0 = значение библиотеки
	PacketLength time.Duration

	// Ready условие готовности к сборке энкодера (по умолчанию формат известен)
	Ready ReadyFunc

	// RebuildOnControlChange пересобирать активный энкодер при запросе или
	// освобождении управляющего канала. По умолчанию изменение вступает в
	// силу при следующем согласовании формата.
	RebuildOnControlChange bool

	// CNAME для RTCP SDES, по умолчанию ID сессии
	CNAME string

	// ID сессии для журналов, по умолчанию случайный UUID
	ID string

	Backend   Backend
	Allocator Allocator
	Logger    *slog.Logger
	Metrics   *Metrics
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Ready:     FormatKnownReady,
		Backend:   RTPBackend{},
		Allocator: HeapAllocator,
	}
}

// Stats снимок состояния отправителя
type Stats struct {
	ID            string
	State         SessionState
	EncoderActive bool
	ControlActive bool
	Caps          Caps
	Timing        TimingState
	Encoder       rtp.EncoderMetrics
}

// Sender RTP отправитель одного аудио потока
type Sender struct {
	id      string
	ready   ReadyFunc
	rebuild bool
	sink    PacketSink
	logger  *slog.Logger
	metrics *Metrics

	config     SessionConfig
	session    *EncoderSession
	reconciler *Reconciler
	pump       *Pump
	relay      *Relay
	lifecycle  *Lifecycle

	caps    Caps
	hasCaps bool
}

// New создает отправитель, который передает пакеты в sink
func New(sink PacketSink, config Config) (*Sender, error) {
	if sink == nil {
		return nil, fmt.Errorf("получатель пакетов не может быть nil")
	}
	if config.PacketLength < 0 {
		return nil, fmt.Errorf("длительность пакета не может быть отрицательной")
	}

	defaults := DefaultConfig()
	if config.Ready == nil {
		config.Ready = defaults.Ready
	}
	if config.Backend == nil {
		config.Backend = defaults.Backend
	}
	if config.Allocator == nil {
		config.Allocator = defaults.Allocator
	}
	if config.ID == "" {
		config.ID = uuid.NewString()
	}
	if config.CNAME == "" {
		config.CNAME = config.ID
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = NewMetrics(nil, DefaultMetricsConfig())
	}

	logger := config.Logger.With(slog.String("session_id", config.ID))

	s := &Sender{
		id:      config.ID,
		ready:   config.Ready,
		rebuild: config.RebuildOnControlChange,
		sink:    sink,
		logger:  logger,
		metrics: config.Metrics,
		config: SessionConfig{
			PacketEncoding: config.PacketEncoding,
			PacketLength:   config.PacketLength,
		},
	}

	s.session = newEncoderSession(config.Backend, config.CNAME, logger, config.Metrics)
	s.reconciler = newReconciler(logger, config.Metrics)
	s.lifecycle = newLifecycle(logger)
	s.pump = &Pump{
		session:    s.session,
		reconciler: s.reconciler,
		sink:       sink,
		alloc:      config.Allocator,
		logger:     logger,
		metrics:    config.Metrics,
		controlOut: func() bool { return s.config.ControlOutRequested },
	}
	s.relay = &Relay{session: s.session, logger: logger, metrics: config.Metrics}

	return s, nil
}

// OnFormatNegotiated обрабатывает согласование формата.
//
// Неподдерживаемый формат отклоняется без изменения состояния. Если
// конфигурация готова и отличается от той, с которой собран текущий
// энкодер, энкодер пересобирается целиком. Новый формат при неготовой
// конфигурации разбирает текущий энкодер.
func (s *Sender) OnFormatNegotiated(tag string, rate, channels int) error {
	format, err := ParseStreamFormat(tag, rate, channels)
	if err != nil {
		s.logger.Warn("format rejected",
			slog.String("format", tag), slog.Int("rate", rate), slog.Int("channels", channels),
			slog.Any("error", err))
		return err
	}

	s.config.Format = format
	s.config.FormatKnown = true

	if !s.ready(s.config) {
		if s.session.FormatChanged(format) {
			s.logger.Info("format changed while not ready, tearing down encoder",
				slog.Int("rate", rate), slog.Int("channels", channels))
			s.teardown()
		}
		s.logger.Debug("session not ready, encoder build deferred")
		return nil
	}
	if !s.session.NeedsRebuild(s.config) && s.lifecycle.State() == StateActive {
		s.logger.Debug("format unchanged, keeping encoder")
		return nil
	}
	return s.build()
}

func (s *Sender) build() error {
	if err := s.lifecycle.fire(eventConfigure); err != nil {
		return fmt.Errorf("невозможно начать сборку в состоянии %s: %w", s.lifecycle.State(), err)
	}

	if err := s.session.Ensure(s.config); err != nil {
		s.logger.Error("encoder build failed", slog.Any("error", err))
		s.caps, s.hasCaps = Caps{}, false
		_ = s.lifecycle.fire(eventFail)
		return err
	}

	var caps Caps
	s.session.withEncoder(func(encoder Encoder, _ bool) {
		caps = capsFor(encoder.Encoding(), s.config.Format)
	})

	if err := s.sink.SetCaps(caps); err != nil {
		s.logger.Error("downstream refused caps", slog.String("caps", caps.String()), slog.Any("error", err))
		s.session.Teardown()
		s.caps, s.hasCaps = Caps{}, false
		_ = s.lifecycle.fire(eventFail)
		return newSenderError(ErrorCodeCapsRejected, "получатель отклонил параметры потока", err).
			with("caps", caps.String())
	}

	s.caps = caps
	s.hasCaps = true
	return s.lifecycle.fire(eventActivate)
}

// RequestControlChannel запрашивает управляющий канал в направлении dir
func (s *Sender) RequestControlChannel(dir ControlDirection) error {
	if err := s.config.OnControlChannelRequested(dir); err != nil {
		return err
	}
	s.logger.Debug("control channel requested", slog.String("direction", dir.String()))
	return s.applyControlChange()
}

// ReleaseControlChannel освобождает управляющий канал
func (s *Sender) ReleaseControlChannel(dir ControlDirection) error {
	s.config.OnControlChannelReleased(dir)
	s.logger.Debug("control channel released", slog.String("direction", dir.String()))
	return s.applyControlChange()
}

func (s *Sender) applyControlChange() error {
	if !s.rebuild || s.lifecycle.State() != StateActive {
		return nil
	}
	if !s.session.NeedsRebuild(s.config) {
		return nil
	}
	return s.build()
}

// OnAudioChunk передает порцию звука в насос. Во время разбора порции отбрасываются.
func (s *Sender) OnAudioChunk(chunk Chunk) (int, error) {
	if s.lifecycle.State() == StateDraining {
		s.metrics.chunk(chunkDropped)
		return 0, nil
	}
	return s.pump.OnAudioChunk(chunk)
}

// OnFeedbackPacket передает пакет обратной связи в энкодер. Потокобезопасен.
func (s *Sender) OnFeedbackPacket(data []byte) error {
	return s.relay.OnFeedbackPacket(data)
}

// ChangeState обрабатывает переход состояния конвейера
func (s *Sender) ChangeState(change StateChange) error {
	switch {
	case change == PausedToPlaying:
		if !s.session.Active() {
			s.logger.Warn("starting without encoder, chunks will be dropped until format is negotiated")
		}
	case change.stopsSession():
		s.teardown()
	}
	return nil
}

// Close разбирает сессию
func (s *Sender) Close() {
	s.teardown()
}

func (s *Sender) teardown() {
	if s.lifecycle.can(eventDrain) {
		_ = s.lifecycle.fire(eventDrain)
	}

	if n, err := s.pump.flushControl(); err != nil {
		s.logger.Warn("control flush failed", slog.Any("error", err))
	} else if n > 0 {
		s.logger.Debug("control packets flushed", slog.Int("count", n))
	}

	s.session.Teardown()
	s.reconciler.Reset()
	s.caps, s.hasCaps = Caps{}, false

	if s.lifecycle.State() == StateDraining {
		_ = s.lifecycle.fire(eventReset)
	}
}

// SetPacketEncoding задает кодировку пакетов для следующей сборки
func (s *Sender) SetPacketEncoding(encoding rtp.PacketEncoding) {
	s.config.PacketEncoding = encoding
}

// SetPacketLength задает длительность пакета для следующей сборки
func (s *Sender) SetPacketLength(length time.Duration) error {
	if length < 0 {
		return fmt.Errorf("длительность пакета не может быть отрицательной")
	}
	s.config.PacketLength = length
	return nil
}

// State текущее состояние сессии
func (s *Sender) State() SessionState {
	return s.lifecycle.State()
}

// SessionConfig копия накопленной конфигурации
func (s *Sender) SessionConfig() SessionConfig {
	return s.config
}

// Caps параметры выходного потока, если энкодер собран
func (s *Sender) Caps() (Caps, bool) {
	return s.caps, s.hasCaps
}

// Timing состояние часов выхода
func (s *Sender) Timing() TimingState {
	return s.reconciler.State()
}

// SessionDescription строит SDP для текущего выходного потока
func (s *Sender) SessionDescription(config SDPConfig) (*sdp.SessionDescription, error) {
	if !s.hasCaps {
		return nil, fmt.Errorf("формат потока еще не согласован")
	}
	return BuildSessionDescription(s.caps, config)
}

// Stats снимок состояния
func (s *Sender) Stats() Stats {
	stats := Stats{
		ID:     s.id,
		State:  s.lifecycle.State(),
		Caps:   s.caps,
		Timing: s.reconciler.State(),
	}
	s.session.withEncoder(func(encoder Encoder, controlActive bool) {
		if encoder == nil {
			return
		}
		stats.EncoderActive = true
		stats.ControlActive = controlActive
		if ms, ok := encoder.(metricsSource); ok {
			stats.Encoder = ms.Metrics()
		}
	})
	return stats
}
