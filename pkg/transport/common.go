// Package transport доставляет пакеты отправителя в сеть.
//
// UDPSink и DTLSSink реализуют sender.PacketSink: RTP и RTCP уходят на
// удаленный адрес, а входящие RTCP пакеты передаются в FeedbackHandler
// из отдельной горутины. Сокеты настраиваются для голосового трафика:
// размеры буферов, DSCP маркировка, SO_REUSEPORT и привязка к интерфейсу.
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"
)

// Общие константы для настройки транспортов
const (
	// DefaultBufferSize размер буфера чтения (MTU Ethernet)
	DefaultBufferSize = 1500

	// DefaultReceiveTimeout период проверки отмены в цикле чтения
	DefaultReceiveTimeout = 100 * time.Millisecond

	// DefaultSendTimeout таймаут записи одного пакета
	DefaultSendTimeout = 50 * time.Millisecond

	// DefaultHandshakeTimeout таймаут DTLS рукопожатия
	DefaultHandshakeTimeout = 30 * time.Second

	// VoiceOptimizedRecvBuffer размер буфера получения сокета
	VoiceOptimizedRecvBuffer = 65535

	// VoiceOptimizedSendBuffer размер буфера отправки сокета
	VoiceOptimizedSendBuffer = 65535

	// DSCP значения для QoS классификации трафика согласно RFC 4594
	DSCPExpeditedForwarding = 46 // EF для интерактивного аудио
	DSCPAssuredForwarding   = 34 // AF41
	DSCPBestEffort          = 0
)

// Config конфигурация сетевого получателя пакетов
type Config struct {
	LocalAddr      string // Локальный адрес RTP сокета, ":0" для любого порта
	RemoteAddr     string // Адрес получателя RTP
	RTCPLocalAddr  string // Локальный адрес RTCP сокета, по умолчанию хост LocalAddr с любым портом
	RTCPRemoteAddr string // Адрес получателя RTCP, по умолчанию порт RemoteAddr + 1
	RTCPMux        bool   // RTP и RTCP в одном сокете (RFC 5761)

	BufferSize     int
	DSCP           int    // DSCP маркировка (0 = не менять)
	ReusePort      bool   // SO_REUSEPORT
	BindToDevice   string // Привязка к сетевому интерфейсу (только Linux)
	ReceiveTimeout time.Duration
	SendTimeout    time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		LocalAddr:      ":0",
		BufferSize:     DefaultBufferSize,
		DSCP:           DSCPExpeditedForwarding,
		ReceiveTimeout: DefaultReceiveTimeout,
		SendTimeout:    DefaultSendTimeout,
	}
}

// ApplyDefaults заполняет незаданные поля
func (c *Config) ApplyDefaults() {
	if c.LocalAddr == "" {
		c.LocalAddr = ":0"
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = DefaultSendTimeout
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.RemoteAddr == "" {
		return fmt.Errorf("удаленный адрес обязателен")
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("размер буфера не может быть отрицательным")
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("DSCP должен быть в диапазоне 0-63")
	}
	if c.RTCPMux && c.RTCPRemoteAddr != "" {
		return fmt.Errorf("при RTCP mux отдельный адрес RTCP не используется")
	}
	return nil
}

// FeedbackHandler получает входящий RTCP пакет. Буфер принадлежит обработчику.
type FeedbackHandler func(data []byte) error

// Statistics счетчики транспорта
type Statistics struct {
	PacketsSent      uint64
	BytesSent        uint64
	PacketsReceived  uint64
	BytesReceived    uint64
	ErrorsSend       uint64
	ErrorsReceive    uint64
	FeedbackRejected uint64
	LocalAddr        string
	RemoteAddr       string
	TransportType    string
	ConnectionTime   time.Time
}

// GetUptime возвращает время работы транспорта
func (s Statistics) GetUptime() time.Duration {
	if s.ConnectionTime.IsZero() {
		return 0
	}
	return time.Since(s.ConnectionTime)
}

// GetErrorRate процент ошибок от всех операций
func (s Statistics) GetErrorRate() float64 {
	total := s.PacketsSent + s.PacketsReceived
	if total == 0 {
		return 0
	}
	return float64(s.ErrorsSend+s.ErrorsReceive) / float64(total) * 100.0
}

type counters struct {
	packetsSent      atomic.Uint64
	bytesSent        atomic.Uint64
	packetsReceived  atomic.Uint64
	bytesReceived    atomic.Uint64
	errorsSend       atomic.Uint64
	errorsReceive    atomic.Uint64
	feedbackRejected atomic.Uint64
}

func (c *counters) sent(n int) {
	c.packetsSent.Add(1)
	c.bytesSent.Add(uint64(n))
}

func (c *counters) received(n int) {
	c.packetsReceived.Add(1)
	c.bytesReceived.Add(uint64(n))
}

func (c *counters) snapshot() Statistics {
	return Statistics{
		PacketsSent:      c.packetsSent.Load(),
		BytesSent:        c.bytesSent.Load(),
		PacketsReceived:  c.packetsReceived.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		ErrorsSend:       c.errorsSend.Load(),
		ErrorsReceive:    c.errorsReceive.Load(),
		FeedbackRejected: c.feedbackRejected.Load(),
	}
}

// listenUDP создает UDP сокет с голосовыми настройками.
// Опции применяются до bind, иначе SO_REUSEPORT не действует.
func listenUDP(ctx context.Context, addr string, config Config) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockOptErr error
			if err := c.Control(func(fd uintptr) {
				sockOptErr = applySockOptForVoice(int(fd), config)
			}); err != nil {
				return fmt.Errorf("ошибка управления сокетом: %w", err)
			}
			return sockOptErr
		},
	}

	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, classifyNetworkError("UDP listen", err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("неожиданный тип сокета %T", pc)
	}
	return conn, nil
}

// dialUDP создает подключенный к remote UDP сокет с голосовыми настройками
func dialUDP(ctx context.Context, local, remote string, config Config) (*net.UDPConn, error) {
	localAddr, err := createUDPAddr(local)
	if err != nil {
		return nil, fmt.Errorf("ошибка локального адреса: %w", err)
	}
	d := net.Dialer{
		LocalAddr: localAddr,
		Control: func(network, address string, c syscall.RawConn) error {
			var sockOptErr error
			if err := c.Control(func(fd uintptr) {
				sockOptErr = applySockOptForVoice(int(fd), config)
			}); err != nil {
				return fmt.Errorf("ошибка управления сокетом: %w", err)
			}
			return sockOptErr
		},
	}

	c, err := d.DialContext(ctx, "udp", remote)
	if err != nil {
		return nil, classifyNetworkError("UDP dial", err)
	}
	conn, ok := c.(*net.UDPConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("неожиданный тип сокета %T", c)
	}
	return conn, nil
}

// applySockOptForVoice применяет настройки сокета для голоса
func applySockOptForVoice(fd int, config Config) error {
	if err := setSockOptBuffers(fd, config.BufferSize); err != nil {
		return fmt.Errorf("ошибка установки буферов: %w", err)
	}
	if config.DSCP > 0 {
		if err := setSockOptDSCP(fd, config.DSCP); err != nil {
			return fmt.Errorf("ошибка установки DSCP: %w", err)
		}
	}
	if config.ReusePort {
		if err := setSockOptReusePort(fd); err != nil {
			return fmt.Errorf("ошибка установки SO_REUSEPORT: %w", err)
		}
	}
	if config.BindToDevice != "" {
		if err := setSockOptBindToDevice(fd, config.BindToDevice); err != nil {
			return fmt.Errorf("ошибка привязки к устройству %s: %w", config.BindToDevice, err)
		}
	}
	setSockOptVoicePriority(fd)
	return nil
}

// voiceBufferSizes размеры буферов сокета для заданного размера пакета
func voiceBufferSizes(bufferSize int) (recv, send int) {
	recv, send = VoiceOptimizedRecvBuffer, VoiceOptimizedSendBuffer
	if bufferSize > DefaultBufferSize {
		recv = bufferSize * 4
		send = bufferSize * 2
	}
	return recv, send
}

// createUDPAddr разрешает адрес с проверкой
func createUDPAddr(addr string) (*net.UDPAddr, error) {
	if addr == "" {
		return nil, fmt.Errorf("адрес не может быть пустым")
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения UDP адреса '%s': %w", addr, err)
	}
	return udpAddr, nil
}

// rtcpAddrFor адрес RTCP по соглашению RFC 3550: порт RTP + 1
func rtcpAddrFor(rtpAddr string) (string, error) {
	host, portStr, err := net.SplitHostPort(rtpAddr)
	if err != nil {
		return "", fmt.Errorf("некорректный адрес %q: %w", rtpAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("некорректный порт %q: %w", portStr, err)
	}
	if port == 0 {
		return net.JoinHostPort(host, "0"), nil
	}
	if port >= 65535 {
		return "", fmt.Errorf("порт %d не оставляет места для RTCP", port)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+1)), nil
}

// rtcpLocalAddrFor локальный адрес RTCP сокета: тот же хост, любой порт
func rtcpLocalAddrFor(localAddr string) string {
	host, _, err := net.SplitHostPort(localAddr)
	if err != nil {
		return ":0"
	}
	return net.JoinHostPort(host, "0")
}

// isRTCP отличает RTCP от RTP в мультиплексированном потоке по RFC 5761:
// типы пакетов RTCP занимают диапазон 192-223 во втором байте
func isRTCP(data []byte) bool {
	if len(data) < 4 || data[0]>>6 != 2 {
		return false
	}
	return data[1] >= 192 && data[1] <= 223
}
