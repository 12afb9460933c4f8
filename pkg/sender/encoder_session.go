package sender

import (
	"log/slog"
	"sync"

	"github.com/arzzra/rtp_sender/pkg/rtp"
)

// EncoderSession владеет контекстом и энкодером сессии.
//
// Инварианты: encoder != nil влечет ctx != nil, controlActive влечет
// mediaActive. Энкодер пересобирается целиком: параметры уже открытого
// энкодера не меняются.
//
// Сборка и разбор выполняются из потока хоста. Блокировка защищает ссылку
// на энкодер от одновременного чтения из Relay, который работает в своем
// потоке.
type EncoderSession struct {
	mu sync.RWMutex

	backend Backend
	cname   string
	logger  *slog.Logger
	metrics *Metrics

	ctx           TransportContext
	encoder       Encoder
	mediaActive   bool
	controlActive bool

	// built конфигурация, с которой собран текущий энкодер
	built SessionConfig
}

func newEncoderSession(backend Backend, cname string, logger *slog.Logger, metrics *Metrics) *EncoderSession {
	return &EncoderSession{
		backend: backend,
		cname:   cname,
		logger:  logger,
		metrics: metrics,
	}
}

// Ensure собирает энкодер по конфигурации.
//
// Порядок:
//  1. открыть контекст, если его нет
//  2. закрыть существующий энкодер
//  3. открыть энкодер с FEC выключенным и внешним тактом
//  4. активировать медиа интерфейс RTP
//  5. активировать управляющий интерфейс RTCP, если запрошено любое направление
//
// Любая ошибка оставляет сессию без энкодера.
func (s *EncoderSession) Ensure(config SessionConfig) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		s.metrics.build(err)
		s.metrics.setEncoderActive(s.mediaActive)
	}()

	if s.ctx == nil {
		ctx, err := s.backend.OpenContext()
		if err != nil {
			return newSenderError(ErrorCodeContextOpenFailed, "не удалось открыть транспортный контекст", err)
		}
		s.ctx = ctx
	}

	if s.encoder != nil {
		s.closeEncoderLocked()
	}

	encConfig := rtp.SenderConfig{
		FrameEncoding:  config.Format.mediaEncoding(),
		PacketEncoding: config.PacketEncoding,
		PacketLength:   config.PacketLength,
		FecEncoding:    rtp.FecEncodingDisable,
		ClockSource:    rtp.ClockExternal,
		CNAME:          s.cname,
	}

	encoder, err := s.ctx.OpenEncoder(encConfig)
	if err != nil {
		return newSenderError(ErrorCodeEncoderOpenFailed, "не удалось открыть энкодер", err).
			with("rate", config.Format.SampleRate).
			with("channels", config.Format.ChannelCount)
	}

	if err := encoder.Activate(rtp.InterfaceAudioSource, rtp.ProtoRTP); err != nil {
		s.closeHandle(encoder)
		return newSenderError(ErrorCodeMediaActivationFailed, "не удалось активировать медиа интерфейс", err)
	}

	controlActive := false
	if config.ControlRequested() {
		if err := encoder.Activate(rtp.InterfaceAudioControl, rtp.ProtoRTCP); err != nil {
			s.closeHandle(encoder)
			return newSenderError(ErrorCodeControlActivationFailed, "не удалось активировать управляющий интерфейс", err)
		}
		controlActive = true
	}

	s.encoder = encoder
	s.mediaActive = true
	s.controlActive = controlActive
	s.built = config

	s.logger.Info("encoder built",
		slog.Uint64("rate", uint64(config.Format.SampleRate)),
		slog.Uint64("channels", uint64(config.Format.ChannelCount)),
		slog.String("layout", config.Format.Layout.String()),
		slog.Int("payload_type", int(encoder.Encoding().PayloadType)),
		slog.Bool("control", controlActive))
	return nil
}

// Teardown закрывает энкодер, затем контекст. Повторный вызов ничего не делает.
func (s *EncoderSession) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.encoder == nil && s.ctx == nil {
		return
	}

	s.closeEncoderLocked()
	if s.ctx != nil {
		if err := s.ctx.Close(); err != nil {
			s.logger.Warn("transport context close failed", slog.Any("error", err))
		}
		s.ctx = nil
	}
	s.built = SessionConfig{}
	s.metrics.setEncoderActive(false)
	s.logger.Debug("encoder session torn down")
}

func (s *EncoderSession) closeEncoderLocked() {
	if s.encoder != nil {
		s.closeHandle(s.encoder)
	}
	s.encoder = nil
	s.mediaActive = false
	s.controlActive = false
}

func (s *EncoderSession) closeHandle(encoder Encoder) {
	if err := encoder.Close(); err != nil {
		s.logger.Warn("encoder close failed", slog.Any("error", err))
	}
}

// Active true, если энкодер собран и медиа интерфейс активен
func (s *EncoderSession) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encoder != nil && s.mediaActive
}

// ControlActive true, если активен управляющий интерфейс
func (s *EncoderSession) ControlActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.controlActive
}

// HasContext true, пока открыт транспортный контекст
func (s *EncoderSession) HasContext() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx != nil
}

// NeedsRebuild сообщает, отличается ли config от конфигурации текущего энкодера
func (s *EncoderSession) NeedsRebuild(config SessionConfig) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encoder == nil || s.built != config
}

// FormatChanged true, если энкодер собран для другого формата
func (s *EncoderSession) FormatChanged(format StreamFormat) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encoder != nil && s.built.Format != format
}

// withEncoder вызывает fn с текущим энкодером под блокировкой чтения.
// encoder равен nil, если сессия не собрана.
func (s *EncoderSession) withEncoder(fn func(encoder Encoder, controlActive bool)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.encoder == nil || !s.mediaActive {
		fn(nil, false)
		return
	}
	fn(s.encoder, s.controlActive)
}
