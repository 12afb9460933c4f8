package sender

import (
	"fmt"
	"time"

	"github.com/arzzra/rtp_sender/pkg/rtp"
)

// SampleFormat формат сэмплов входного потока
type SampleFormat int

const (
	SampleFormatUnknown SampleFormat = iota
	SampleFormatF32LE
)

// SampleFormatTagF32LE единственный принимаемый тег формата
const SampleFormatTagF32LE = "F32LE"

func (f SampleFormat) String() string {
	switch f {
	case SampleFormatF32LE:
		return SampleFormatTagF32LE
	default:
		return "unknown"
	}
}

// ChannelLayout раскладка каналов потока
type ChannelLayout int

const (
	ChannelLayoutMono ChannelLayout = iota + 1
	ChannelLayoutStereo
	ChannelLayoutMultitrack
)

func (l ChannelLayout) String() string {
	switch l {
	case ChannelLayoutMono:
		return "mono"
	case ChannelLayoutStereo:
		return "stereo"
	case ChannelLayoutMultitrack:
		return "multitrack"
	default:
		return "unknown"
	}
}

// StreamFormat параметры потока, зафиксированные при согласовании.
// Не меняется для уже собранного энкодера.
type StreamFormat struct {
	SampleRate   uint32
	ChannelCount uint32
	Layout       ChannelLayout
	Format       SampleFormat
}

// ParseStreamFormat разбирает событие согласования формата.
// Раскладка: 1 канал - mono, 2 - stereo, иначе multitrack.
func ParseStreamFormat(tag string, rate, channels int) (StreamFormat, error) {
	if tag != SampleFormatTagF32LE {
		return StreamFormat{}, newSenderError(ErrorCodeUnsupportedFormat,
			fmt.Sprintf("формат сэмплов %q не поддерживается", tag), nil).with("format", tag)
	}
	if rate <= 0 {
		return StreamFormat{}, newSenderError(ErrorCodeUnsupportedFormat,
			fmt.Sprintf("некорректная частота дискретизации %d", rate), nil).with("rate", rate)
	}
	if channels <= 0 {
		return StreamFormat{}, newSenderError(ErrorCodeUnsupportedFormat,
			fmt.Sprintf("некорректное число каналов %d", channels), nil).with("channels", channels)
	}
	if channels > rtp.MaxPacketChannels {
		return StreamFormat{}, newSenderError(ErrorCodeUnsupportedFormat,
			fmt.Sprintf("%d каналов не помещаются в пакет, максимум %d", channels, rtp.MaxPacketChannels), nil).
			with("channels", channels)
	}

	format := StreamFormat{
		SampleRate:   uint32(rate),
		ChannelCount: uint32(channels),
		Format:       SampleFormatF32LE,
	}
	switch channels {
	case 1:
		format.Layout = ChannelLayoutMono
	case 2:
		format.Layout = ChannelLayoutStereo
	default:
		format.Layout = ChannelLayoutMultitrack
	}
	return format, nil
}

// FrameSize размер одного многоканального сэмпла в байтах
func (f StreamFormat) FrameSize() int {
	return int(f.ChannelCount) * 4
}

// Duration длительность size байт звука в этом формате
func (f StreamFormat) Duration(size int) time.Duration {
	if f.SampleRate == 0 || f.ChannelCount == 0 {
		return 0
	}
	samples := int64(size / f.FrameSize())
	return time.Duration(samples * int64(time.Second) / int64(f.SampleRate))
}

// mediaEncoding описание кадров для энкодера
func (f StreamFormat) mediaEncoding() rtp.MediaEncoding {
	enc := rtp.MediaEncoding{
		Rate:      f.SampleRate,
		Format:    rtp.FormatPCM,
		Subformat: rtp.SubformatPCMFloat32LE,
	}
	switch f.Layout {
	case ChannelLayoutMono:
		enc.Channels = rtp.ChannelLayoutMono
	case ChannelLayoutStereo:
		enc.Channels = rtp.ChannelLayoutStereo
	default:
		enc.Channels = rtp.ChannelLayoutMultitrack
		enc.Tracks = f.ChannelCount
	}
	return enc
}

// ControlDirection направление управляющего канала
type ControlDirection int

const (
	ControlOutbound ControlDirection = iota + 1 // Отчеты отправителя в сеть
	ControlInbound                              // Обратная связь из сети
)

func (d ControlDirection) String() string {
	switch d {
	case ControlOutbound:
		return "outbound"
	case ControlInbound:
		return "inbound"
	default:
		return "unknown"
	}
}

// SessionConfig накапливает параметры сессии из событий согласования и
// запросов управляющих каналов. EncoderSession только читает его.
type SessionConfig struct {
	Format              StreamFormat
	FormatKnown         bool
	ControlOutRequested bool
	ControlInRequested  bool

	PacketEncoding rtp.PacketEncoding // 0 = автоматический выбор
	PacketLength   time.Duration      // 0 = значение библиотеки
}

// ControlRequested true, если запрошено хотя бы одно направление
func (c SessionConfig) ControlRequested() bool {
	return c.ControlOutRequested || c.ControlInRequested
}

// OnFormatNegotiated применяет согласованный формат. При ошибке конфигурация не меняется.
func (c *SessionConfig) OnFormatNegotiated(tag string, rate, channels int) (StreamFormat, error) {
	format, err := ParseStreamFormat(tag, rate, channels)
	if err != nil {
		return StreamFormat{}, err
	}
	c.Format = format
	c.FormatKnown = true
	return format, nil
}

// OnControlChannelRequested отмечает запрос направления.
// Повторный запрос возвращает ErrorCodeDuplicateRequest.
func (c *SessionConfig) OnControlChannelRequested(dir ControlDirection) error {
	flag, err := c.directionFlag(dir)
	if err != nil {
		return err
	}
	if *flag {
		return newSenderError(ErrorCodeDuplicateRequest,
			fmt.Sprintf("управляющий канал %s уже запрошен", dir), nil).with("direction", dir.String())
	}
	*flag = true
	return nil
}

// OnControlChannelReleased снимает запрос. Для незапрошенного направления ничего не делает.
func (c *SessionConfig) OnControlChannelReleased(dir ControlDirection) {
	if flag, err := c.directionFlag(dir); err == nil {
		*flag = false
	}
}

func (c *SessionConfig) directionFlag(dir ControlDirection) (*bool, error) {
	switch dir {
	case ControlOutbound:
		return &c.ControlOutRequested, nil
	case ControlInbound:
		return &c.ControlInRequested, nil
	default:
		return nil, fmt.Errorf("неизвестное направление управляющего канала: %d", dir)
	}
}

// ReadyFunc решает, достаточно ли конфигурации для сборки энкодера
type ReadyFunc func(SessionConfig) bool

// FormatKnownReady условие по умолчанию: формат согласован
func FormatKnownReady(c SessionConfig) bool {
	return c.FormatKnown
}
