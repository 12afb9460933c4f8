package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arzzra/rtp_sender/pkg/logbridge"
	"github.com/arzzra/rtp_sender/pkg/rtp"
	pionrtp "github.com/pion/rtp"
)

// Chunk порция звука F32LE от хоста. Data только читается и не сохраняется после вызова.
type Chunk struct {
	Data []byte
	PTS  ClockTime
	DTS  ClockTime
}

// OutgoingPacket пакет, передаваемый дальше по конвейеру.
// После передачи Payload принадлежит получателю.
type OutgoingPacket struct {
	Payload  []byte
	PTS      ClockTime
	DTS      ClockTime
	Duration time.Duration
}

// PacketSink получатель исходящих пакетов
type PacketSink interface {
	// SetCaps сообщает параметры выходного потока после сборки энкодера.
	// Ошибка отклоняет согласование формата.
	SetCaps(caps Caps) error

	// PushMedia передает RTP пакет
	PushMedia(packet *OutgoingPacket) error

	// PushControl передает RTCP пакет
	PushControl(packet *OutgoingPacket) error
}

// Allocator выделяет буферы под исходящие пакеты
type Allocator interface {
	Allocate(size int) ([]byte, error)
}

// AllocatorFunc адаптер функции к Allocator
type AllocatorFunc func(size int) ([]byte, error)

// Allocate вызывает f
func (f AllocatorFunc) Allocate(size int) ([]byte, error) {
	return f(size)
}

// HeapAllocator выделяет буферы в куче
var HeapAllocator Allocator = AllocatorFunc(func(size int) ([]byte, error) {
	return make([]byte, size), nil
})

// Pump проталкивает порции в энкодер и выкачивает из него пакеты
type Pump struct {
	session    *EncoderSession
	reconciler *Reconciler
	sink       PacketSink
	alloc      Allocator
	logger     *slog.Logger
	metrics    *Metrics

	// controlOut сообщает, есть ли исходящий путь для RTCP
	controlOut func() bool

	scratch [rtp.MaxPacketSize]byte
}

// OnAudioChunk обрабатывает одну порцию.
//
// Возвращает:
//   - int: число отправленных медиа пакетов
//   - error: FrameRejected, OutputMapFailed или DownstreamFlow; порция отбрасывается
//
// Без активного энкодера порция отбрасывается и возвращается (0, nil).
func (p *Pump) OnAudioChunk(chunk Chunk) (emitted int, err error) {
	p.session.withEncoder(func(encoder Encoder, controlActive bool) {
		if encoder == nil {
			p.logger.Debug("no active encoder, dropping chunk", slog.Int("size", len(chunk.Data)))
			p.metrics.chunk(chunkDropped)
			return
		}

		if pushErr := encoder.PushFrame(chunk.Data); pushErr != nil {
			p.logger.Warn("encoder rejected frame", slog.Int("size", len(chunk.Data)), slog.Any("error", pushErr))
			p.metrics.chunk(chunkRejected)
			err = newSenderError(ErrorCodeFrameRejected, "энкодер отклонил кадр", pushErr).with("size", len(chunk.Data))
			return
		}

		p.reconciler.BeginChunk(chunk.PTS, chunk.DTS)

		emitted, err = p.drainMedia(encoder)
		if err == nil && controlActive {
			if p.controlOut() {
				_, err = p.drainControl(encoder)
			} else {
				err = p.discardControl(encoder)
			}
		}

		if err != nil {
			p.metrics.chunk(chunkFailed)
			return
		}
		p.metrics.chunk(chunkPushed)
	})
	return emitted, err
}

// pop извлекает пакет интерфейса в новый буфер.
// Возвращает nil без ошибки, когда пакетов больше нет.
func (p *Pump) pop(encoder Encoder, iface rtp.Interface) ([]byte, time.Duration, error) {
	info, err := encoder.PopPacket(iface, p.scratch[:])
	if errors.Is(err, rtp.ErrNoPacket) {
		return nil, 0, nil
	}
	if err != nil {
		p.logger.Warn("packet pop failed", slog.String("interface", iface.String()), slog.Any("error", err))
		return nil, 0, newSenderError(ErrorCodeOutputMapFailed, "не удалось извлечь пакет из энкодера", err).
			with("interface", iface.String())
	}

	buf, err := p.alloc.Allocate(rtp.MaxPacketSize)
	if err != nil {
		return nil, 0, newSenderError(ErrorCodeOutputMapFailed, "не удалось выделить буфер пакета", err)
	}
	if len(buf) < info.Size {
		return nil, 0, newSenderError(ErrorCodeOutputMapFailed,
			fmt.Sprintf("буфер %d байт меньше пакета %d байт", len(buf), info.Size), nil)
	}
	n := copy(buf, p.scratch[:info.Size])
	return buf[:n], info.Duration, nil
}

func (p *Pump) drainMedia(encoder Encoder) (int, error) {
	emitted := 0
	for {
		payload, duration, err := p.pop(encoder, rtp.InterfaceAudioSource)
		if err != nil {
			return emitted, err
		}
		if payload == nil {
			return emitted, nil
		}

		var header pionrtp.Header
		if _, err := header.Unmarshal(payload); err == nil {
			p.reconciler.RecordRTPClock(header.Timestamp)
		}

		packet := &OutgoingPacket{Payload: payload, Duration: duration}
		if duration > 0 {
			packet.PTS, packet.DTS = p.reconciler.Stamp(duration)
		} else {
			packet.PTS, packet.DTS = p.reconciler.Current()
		}

		if err := p.sink.PushMedia(packet); err != nil {
			return emitted, newSenderError(ErrorCodeDownstreamFlow, "получатель не принял медиа пакет", err)
		}
		p.metrics.packet(channelMedia, len(payload))
		emitted++
	}
}

func (p *Pump) drainControl(encoder Encoder) (int, error) {
	emitted := 0
	for {
		payload, _, err := p.pop(encoder, rtp.InterfaceAudioControl)
		if err != nil {
			return emitted, err
		}
		if payload == nil {
			return emitted, nil
		}

		packet := &OutgoingPacket{Payload: payload}
		packet.PTS, packet.DTS = p.reconciler.Current()

		if err := p.sink.PushControl(packet); err != nil {
			return emitted, newSenderError(ErrorCodeDownstreamFlow, "получатель не принял управляющий пакет", err)
		}
		p.metrics.packet(channelControl, len(payload))
		emitted++
	}
}

// discardControl опустошает очередь управляющего интерфейса, когда
// исходящего пути для RTCP нет. Входящая обратная связь при этом работает.
func (p *Pump) discardControl(encoder Encoder) error {
	dropped := 0
	for {
		_, err := encoder.PopPacket(rtp.InterfaceAudioControl, p.scratch[:])
		if errors.Is(err, rtp.ErrNoPacket) {
			break
		}
		if err != nil {
			return newSenderError(ErrorCodeOutputMapFailed, "не удалось извлечь управляющий пакет", err).
				with("interface", rtp.InterfaceAudioControl.String())
		}
		dropped++
	}
	if dropped > 0 {
		p.logger.Log(context.Background(), logbridge.LevelTrace, "control packets discarded, no outbound path",
			slog.Int("count", dropped))
	}
	return nil
}

// flushControl выкачивает управляющие пакеты вне обработки порции
func (p *Pump) flushControl() (int, error) {
	var (
		emitted int
		err     error
	)
	p.session.withEncoder(func(encoder Encoder, controlActive bool) {
		if encoder == nil || !controlActive || !p.controlOut() {
			return
		}
		if gb, ok := encoder.(goodbyeSender); ok {
			if byeErr := gb.Goodbye("session teardown"); byeErr != nil {
				p.logger.Debug("goodbye not queued", slog.Any("error", byeErr))
			}
		}
		emitted, err = p.drainControl(encoder)
	})
	return emitted, err
}
