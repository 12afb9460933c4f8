package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/arzzra/rtp_sender/pkg/logbridge"
	"github.com/arzzra/rtp_sender/pkg/rtp"
	"github.com/arzzra/rtp_sender/pkg/sender"
)

// Пределы размера исходящего пакета
const (
	MinPacketSize = 4 // Заголовок RTCP
	MaxPacketSize = rtp.MaxPacketSize
)

// UDPSink отправляет RTP и RTCP по UDP и принимает обратную связь.
//
// Без RTCP mux используются два сокета: RTP и RTCP. Обратная связь
// читается из RTCP сокета; при mux RTP пакеты из него отбрасываются.
type UDPSink struct {
	config     Config
	rtpConn    *net.UDPConn
	rtcpConn   *net.UDPConn
	rtpRemote  *net.UDPAddr
	rtcpRemote *net.UDPAddr
	logger     *slog.Logger

	mutex   sync.RWMutex
	caps    sender.Caps
	hasCaps bool
	closed  bool
	started bool

	stats       counters
	connectedAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ sender.PacketSink = (*UDPSink)(nil)

// NewUDPSink открывает сокеты по конфигурации
func NewUDPSink(ctx context.Context, config Config, logger *slog.Logger) (*UDPSink, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	rtpRemote, err := createUDPAddr(config.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка удаленного адреса RTP: %w", err)
	}

	rtpConn, err := listenUDP(ctx, config.LocalAddr, config)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания RTP сокета: %w", err)
	}

	s := &UDPSink{
		config:      config,
		rtpConn:     rtpConn,
		rtcpConn:    rtpConn,
		rtpRemote:   rtpRemote,
		rtcpRemote:  rtpRemote,
		connectedAt: time.Now(),
	}

	if !config.RTCPMux {
		if err := s.openRTCP(ctx); err != nil {
			rtpConn.Close()
			return nil, err
		}
	}

	s.logger = logger.With(
		slog.String("transport", "udp"),
		slog.String("local", rtpConn.LocalAddr().String()),
		slog.String("remote", rtpRemote.String()),
	)
	s.logger.Debug("udp sink opened",
		slog.Bool("rtcp_mux", config.RTCPMux),
		slog.String("rtcp_remote", s.rtcpRemote.String()))
	return s, nil
}

func (s *UDPSink) openRTCP(ctx context.Context) error {
	remote := s.config.RTCPRemoteAddr
	if remote == "" {
		var err error
		if remote, err = rtcpAddrFor(s.config.RemoteAddr); err != nil {
			return err
		}
	}
	rtcpRemote, err := createUDPAddr(remote)
	if err != nil {
		return fmt.Errorf("ошибка удаленного адреса RTCP: %w", err)
	}

	local := s.config.RTCPLocalAddr
	if local == "" {
		local = rtcpLocalAddrFor(s.config.LocalAddr)
	}
	rtcpConn, err := listenUDP(ctx, local, s.config)
	if err != nil {
		return fmt.Errorf("ошибка создания RTCP сокета: %w", err)
	}

	s.rtcpConn = rtcpConn
	s.rtcpRemote = rtcpRemote
	return nil
}

// SetCaps принимает параметры потока. Отклоняет поток без частоты или с
// payload type вне диапазона RTP.
func (s *UDPSink) SetCaps(caps sender.Caps) error {
	if caps.ClockRate == 0 {
		return fmt.Errorf("частота RTP clock не задана")
	}
	if caps.PayloadType > 127 {
		return fmt.Errorf("невалидный payload type: %d (максимум 127)", caps.PayloadType)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.caps = caps
	s.hasCaps = true
	s.logger.Info("stream caps accepted", slog.String("caps", caps.String()))
	return nil
}

// Caps последние принятые параметры потока
func (s *UDPSink) Caps() (sender.Caps, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.caps, s.hasCaps
}

// PushMedia отправляет RTP пакет
func (s *UDPSink) PushMedia(packet *sender.OutgoingPacket) error {
	return s.write("RTP write", s.rtpConn, s.rtpRemote, packet)
}

// PushControl отправляет RTCP пакет
func (s *UDPSink) PushControl(packet *sender.OutgoingPacket) error {
	return s.write("RTCP write", s.rtcpConn, s.rtcpRemote, packet)
}

func (s *UDPSink) write(op string, conn *net.UDPConn, remote *net.UDPAddr, packet *sender.OutgoingPacket) error {
	s.mutex.RLock()
	closed := s.closed
	s.mutex.RUnlock()
	if closed {
		return ErrClosed
	}

	if err := validatePacketSize(len(packet.Payload)); err != nil {
		s.stats.errorsSend.Add(1)
		return err
	}

	if err := conn.SetWriteDeadline(time.Now().Add(s.config.SendTimeout)); err != nil {
		s.stats.errorsSend.Add(1)
		return classifyNetworkError(op, err)
	}
	n, err := conn.WriteToUDP(packet.Payload, remote)
	if err != nil {
		s.stats.errorsSend.Add(1)
		return classifyNetworkError(op, err)
	}
	s.stats.sent(n)
	return nil
}

// Start запускает чтение обратной связи. Повторный вызов ничего не делает.
func (s *UDPSink) Start(ctx context.Context, handler FeedbackHandler) error {
	if handler == nil {
		return fmt.Errorf("обработчик обратной связи не может быть nil")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.receiveLoop(ctx, handler)
	return nil
}

func (s *UDPSink) receiveLoop(ctx context.Context, handler FeedbackHandler) {
	defer s.wg.Done()

	buffer := make([]byte, s.config.BufferSize)
	for ctx.Err() == nil {
		_ = s.rtcpConn.SetReadDeadline(time.Now().Add(s.config.ReceiveTimeout))
		n, from, err := s.rtcpConn.ReadFromUDP(buffer)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			classified := classifyNetworkError("RTCP read", err)
			if IsRetryable(classified) {
				continue
			}
			s.stats.errorsReceive.Add(1)
			s.logger.Warn("feedback read failed", slog.Any("error", classified))
			continue
		}

		data := buffer[:n]
		if !isRTCP(data) {
			s.stats.feedbackRejected.Add(1)
			s.logger.Log(ctx, logbridge.LevelTrace, "non-RTCP packet ignored",
				slog.Int("size", n), slog.String("from", from.String()))
			continue
		}

		s.stats.received(n)
		if err := handler(append([]byte(nil), data...)); err != nil {
			s.logger.Debug("feedback handler failed", slog.Any("error", err))
		}
	}
}

// LocalAddr адрес RTP сокета
func (s *UDPSink) LocalAddr() net.Addr {
	return s.rtpConn.LocalAddr()
}

// RTCPLocalAddr адрес сокета, на который приходит обратная связь
func (s *UDPSink) RTCPLocalAddr() net.Addr {
	return s.rtcpConn.LocalAddr()
}

// RemoteAddr адрес получателя RTP
func (s *UDPSink) RemoteAddr() net.Addr {
	return s.rtpRemote
}

// Statistics снимок счетчиков
func (s *UDPSink) Statistics() Statistics {
	stats := s.stats.snapshot()
	stats.LocalAddr = s.rtpConn.LocalAddr().String()
	stats.RemoteAddr = s.rtpRemote.String()
	stats.TransportType = "udp"
	stats.ConnectionTime = s.connectedAt
	return stats
}

// Close останавливает чтение и закрывает сокеты. Повторный вызов безопасен.
func (s *UDPSink) Close() error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mutex.Unlock()

	if cancel != nil {
		cancel()
	}

	var errs []error
	if err := s.rtpConn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ошибка закрытия RTP сокета: %w", err))
	}
	if s.rtcpConn != s.rtpConn {
		if err := s.rtcpConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ошибка закрытия RTCP сокета: %w", err))
		}
	}

	s.wg.Wait()
	return errors.Join(errs...)
}

// validatePacketSize проверяет размер исходящего пакета
func validatePacketSize(size int) error {
	if size < MinPacketSize {
		return fmt.Errorf("пакет слишком мал: %d байт (минимум %d)", size, MinPacketSize)
	}
	if size > MaxPacketSize {
		return fmt.Errorf("пакет слишком велик: %d байт (максимум %d)", size, MaxPacketSize)
	}
	return nil
}
