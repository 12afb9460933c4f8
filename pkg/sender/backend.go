package sender

import (
	"github.com/arzzra/rtp_sender/pkg/rtp"
)

// Encoder узкий интерфейс энкодера: кадры внутрь, пакеты наружу.
// Реализация должна допускать одновременные PushFrame и PushFeedbackPacket.
type Encoder interface {
	Activate(iface rtp.Interface, proto rtp.Protocol) error
	PushFrame(frame []byte) error
	PopPacket(iface rtp.Interface, dst []byte) (rtp.PacketInfo, error)
	PushFeedbackPacket(iface rtp.Interface, data []byte) error
	Encoding() rtp.PacketEncodingInfo
	Close() error
}

// TransportContext контекст, в котором открываются энкодеры
type TransportContext interface {
	OpenEncoder(config rtp.SenderConfig) (Encoder, error)
	Close() error
}

// Backend открывает контексты транспортной библиотеки
type Backend interface {
	OpenContext() (TransportContext, error)
}

// goodbyeSender реализуется энкодерами, умеющими отправить RTCP BYE
type goodbyeSender interface {
	Goodbye(reason string) error
}

// metricsSource реализуется энкодерами со статистикой
type metricsSource interface {
	Metrics() rtp.EncoderMetrics
}

// RTPBackend Backend поверх pkg/rtp
type RTPBackend struct {
	Config rtp.ContextConfig
}

// OpenContext открывает rtp.Context
func (b RTPBackend) OpenContext() (TransportContext, error) {
	ctx, err := rtp.OpenContext(b.Config)
	if err != nil {
		return nil, err
	}
	return rtpContext{ctx}, nil
}

type rtpContext struct {
	ctx *rtp.Context
}

func (c rtpContext) OpenEncoder(config rtp.SenderConfig) (Encoder, error) {
	enc, err := rtp.OpenSenderEncoder(c.ctx, config)
	if err != nil {
		return nil, err
	}
	return enc, nil
}

func (c rtpContext) Close() error {
	return c.ctx.Close()
}
