package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/arzzra/rtp_sender/pkg/logbridge"
	"github.com/arzzra/rtp_sender/pkg/sender"
	"github.com/pion/dtls/v2"
)

// DTLSConfig конфигурация шифрованного получателя пакетов.
// RTP и RTCP всегда идут через одну DTLS ассоциацию (rtcp-mux).
type DTLSConfig struct {
	Config

	Certificates []tls.Certificate
	RootCAs      *x509.CertPool
	ServerName   string

	// PSK вместо сертификатов
	PSK             func([]byte) ([]byte, error)
	PSKIdentityHint []byte

	CipherSuites       []dtls.CipherSuiteID
	InsecureSkipVerify bool

	HandshakeTimeout       time.Duration
	MTU                    int
	ReplayProtectionWindow int
}

// DefaultDTLSConfig возвращает конфигурацию DTLS по умолчанию
func DefaultDTLSConfig() DTLSConfig {
	return DTLSConfig{
		Config:                 DefaultConfig(),
		HandshakeTimeout:       DefaultHandshakeTimeout,
		MTU:                    1200,
		ReplayProtectionWindow: 64,
		CipherSuites: []dtls.CipherSuiteID{
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			dtls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
	}
}

func (c *DTLSConfig) applyDefaults() {
	c.Config.ApplyDefaults()
	c.RTCPMux = true
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MTU == 0 {
		c.MTU = 1200
	}
}

func (c *DTLSConfig) dtlsConfig() *dtls.Config {
	return &dtls.Config{
		Certificates:           c.Certificates,
		RootCAs:                c.RootCAs,
		ServerName:             c.ServerName,
		CipherSuites:           c.CipherSuites,
		InsecureSkipVerify:     c.InsecureSkipVerify,
		PSK:                    c.PSK,
		PSKIdentityHint:        c.PSKIdentityHint,
		MTU:                    c.MTU,
		ReplayProtectionWindow: c.ReplayProtectionWindow,
		ExtendedMasterSecret:   dtls.RequireExtendedMasterSecret,
	}
}

// DTLSSink отправляет RTP и RTCP через DTLS клиентское соединение
type DTLSSink struct {
	config DTLSConfig
	conn   *dtls.Conn
	logger *slog.Logger

	mutex   sync.RWMutex
	caps    sender.Caps
	hasCaps bool
	closed  bool
	started bool

	writeMutex  sync.Mutex
	stats       counters
	connectedAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ sender.PacketSink = (*DTLSSink)(nil)

// NewDTLSSink подключается к удаленной стороне и выполняет рукопожатие
func NewDTLSSink(ctx context.Context, config DTLSConfig, logger *slog.Logger) (*DTLSSink, error) {
	if config.RTCPRemoteAddr != "" {
		return nil, fmt.Errorf("DTLS транспорт использует RTCP mux, отдельный адрес RTCP не поддерживается")
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация: %w", err)
	}
	if config.Certificates == nil && config.PSK == nil && !config.InsecureSkipVerify && config.RootCAs == nil {
		return nil, fmt.Errorf("не заданы ни сертификаты, ни PSK, ни корневые CA")
	}
	if logger == nil {
		logger = slog.Default()
	}

	udpConn, err := dialUDP(ctx, config.LocalAddr, config.RemoteAddr, config.Config)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}

	hsCtx, cancel := context.WithTimeout(ctx, config.HandshakeTimeout)
	defer cancel()

	conn, err := dtls.ClientWithContext(hsCtx, udpConn, config.dtlsConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("ошибка DTLS рукопожатия: %w", err)
	}

	s := &DTLSSink{
		config:      config,
		conn:        conn,
		connectedAt: time.Now(),
		logger: logger.With(
			slog.String("transport", "dtls"),
			slog.String("local", conn.LocalAddr().String()),
			slog.String("remote", conn.RemoteAddr().String()),
		),
	}
	s.logger.Info("dtls handshake complete")
	return s, nil
}

// SetCaps принимает параметры потока
func (s *DTLSSink) SetCaps(caps sender.Caps) error {
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

// PushMedia отправляет RTP пакет
func (s *DTLSSink) PushMedia(packet *sender.OutgoingPacket) error {
	return s.write("DTLS RTP write", packet)
}

// PushControl отправляет RTCP пакет
func (s *DTLSSink) PushControl(packet *sender.OutgoingPacket) error {
	return s.write("DTLS RTCP write", packet)
}

func (s *DTLSSink) write(op string, packet *sender.OutgoingPacket) error {
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

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.config.SendTimeout)); err != nil {
		s.stats.errorsSend.Add(1)
		return classifyNetworkError(op, err)
	}
	n, err := s.conn.Write(packet.Payload)
	if err != nil {
		s.stats.errorsSend.Add(1)
		return classifyNetworkError(op, err)
	}
	s.stats.sent(n)
	return nil
}

// Start запускает чтение обратной связи из DTLS соединения
func (s *DTLSSink) Start(ctx context.Context, handler FeedbackHandler) error {
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

func (s *DTLSSink) receiveLoop(ctx context.Context, handler FeedbackHandler) {
	defer s.wg.Done()

	buffer := make([]byte, s.config.BufferSize)
	for ctx.Err() == nil {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.config.ReceiveTimeout))
		n, err := s.conn.Read(buffer)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			classified := classifyNetworkError("DTLS read", err)
			if IsRetryable(classified) {
				continue
			}
			s.stats.errorsReceive.Add(1)
			s.logger.Warn("feedback read failed, stopping", slog.Any("error", classified))
			return
		}

		data := buffer[:n]
		if !isRTCP(data) {
			s.stats.feedbackRejected.Add(1)
			s.logger.Log(ctx, logbridge.LevelTrace, "non-RTCP packet ignored", slog.Int("size", n))
			continue
		}

		s.stats.received(n)
		if err := handler(append([]byte(nil), data...)); err != nil {
			s.logger.Debug("feedback handler failed", slog.Any("error", err))
		}
	}
}

// ConnectionState состояние DTLS соединения, в том числе для экспорта ключей SRTP
func (s *DTLSSink) ConnectionState() dtls.State {
	return s.conn.ConnectionState()
}

// LocalAddr локальный адрес
func (s *DTLSSink) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// RemoteAddr удаленный адрес
func (s *DTLSSink) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Statistics снимок счетчиков
func (s *DTLSSink) Statistics() Statistics {
	stats := s.stats.snapshot()
	stats.LocalAddr = s.conn.LocalAddr().String()
	stats.RemoteAddr = s.conn.RemoteAddr().String()
	stats.TransportType = "dtls"
	stats.ConnectionTime = s.connectedAt
	return stats
}

// Close закрывает DTLS соединение вместе с UDP сокетом
func (s *DTLSSink) Close() error {
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

	err := s.conn.Close()
	s.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("ошибка закрытия DTLS соединения: %w", err)
	}
	return nil
}
