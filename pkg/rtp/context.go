package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// ContextConfig параметры контекста. Нулевое значение допустимо.
type ContextConfig struct {
	MaxQueuedPackets int           // Емкость очереди каждого интерфейса (0 = DefaultMaxQueuedPackets)
	ReportInterval   time.Duration // Интервал sender report (0 = DefaultReportInterval)
}

// Context разделяемый контекст, к которому привязываются энкодеры
type Context struct {
	mu       sync.Mutex
	config   ContextConfig
	encoders map[*SenderEncoder]struct{}
	closed   bool
}

// OpenContext создает новый контекст
func OpenContext(config ContextConfig) (*Context, error) {
	if config.MaxQueuedPackets < 0 {
		return nil, fmt.Errorf("%w: отрицательная емкость очереди", ErrUnsupportedConfig)
	}
	if config.MaxQueuedPackets == 0 {
		config.MaxQueuedPackets = DefaultMaxQueuedPackets
	}
	if config.ReportInterval <= 0 {
		config.ReportInterval = DefaultReportInterval
	}

	logf(LogDebug, "context", "context opened: queue=%d report_interval=%s",
		config.MaxQueuedPackets, config.ReportInterval)

	return &Context{
		config:   config,
		encoders: make(map[*SenderEncoder]struct{}),
	}, nil
}

// Close закрывает контекст. Все энкодеры должны быть закрыты заранее.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if len(c.encoders) > 0 {
		logf(LogError, "context", "can't close context: %d encoders still open", len(c.encoders))
		return ErrContextInUse
	}
	c.closed = true
	logf(LogDebug, "context", "context closed")
	return nil
}

func (c *Context) attach(e *SenderEncoder) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrContextClosed
	}
	c.encoders[e] = struct{}{}
	return nil
}

func (c *Context) detach(e *SenderEncoder) {
	c.mu.Lock()
	delete(c.encoders, e)
	c.mu.Unlock()
}

// generateSSRC генерирует случайный SSRC согласно RFC 3550 Appendix A.6
func generateSSRC() (uint32, error) {
	var ssrc uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &ssrc); err != nil {
		return 0, err
	}
	return ssrc, nil
}

func generateRandomUint16() uint16 {
	var val uint16
	_ = binary.Read(rand.Reader, binary.BigEndian, &val)
	return val
}

func generateRandomUint32() uint32 {
	var val uint32
	_ = binary.Read(rand.Reader, binary.BigEndian, &val)
	return val
}
