package rtp

import (
	"fmt"
	"time"
)

// PayloadType RTP payload type согласно RFC 3551
type PayloadType uint8

// Стандартные и динамические payload types для L16
const (
	PayloadTypeL16Stereo PayloadType = 10 // L16 44100 Hz, 2 канала
	PayloadTypeL16Mono   PayloadType = 11 // L16 44100 Hz, 1 канал
	PayloadTypeDynamic   PayloadType = 96 // Первый динамический тип
)

// Format формат кадров, которые принимает энкодер
type Format int

const (
	FormatPCM Format = iota + 1
)

// Subformat представление сэмплов внутри кадра
type Subformat int

const (
	SubformatPCMFloat32LE Subformat = iota + 1
	SubformatPCMSint16BE
)

func (s Subformat) String() string {
	switch s {
	case SubformatPCMFloat32LE:
		return "F32LE"
	case SubformatPCMSint16BE:
		return "S16BE"
	default:
		return fmt.Sprintf("subformat(%d)", int(s))
	}
}

// SampleSize возвращает размер одного сэмпла в байтах
func (s Subformat) SampleSize() int {
	switch s {
	case SubformatPCMFloat32LE:
		return 4
	case SubformatPCMSint16BE:
		return 2
	default:
		return 0
	}
}

// ChannelLayout раскладка каналов
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

// MaxTracks максимальное число дорожек в режиме multitrack
const MaxTracks = 1024

// MaxPacketChannels максимальное число каналов, при котором один сэмпл
// всех каналов L16 помещается в пакет MaxPacketSize
const MaxPacketChannels = (MaxPacketSize - rtpHeaderSize) / 2

// MediaEncoding описывает кадры или пакеты: частота, формат, каналы
type MediaEncoding struct {
	Rate      uint32
	Format    Format
	Subformat Subformat
	Channels  ChannelLayout
	Tracks    uint32 // Только для ChannelLayoutMultitrack
}

// ChannelCount возвращает число каналов в кадре
func (m MediaEncoding) ChannelCount() int {
	switch m.Channels {
	case ChannelLayoutMono:
		return 1
	case ChannelLayoutStereo:
		return 2
	case ChannelLayoutMultitrack:
		return int(m.Tracks)
	default:
		return 0
	}
}

// Validate проверяет кодировку
func (m MediaEncoding) Validate() error {
	if m.Rate == 0 {
		return fmt.Errorf("частота дискретизации не может быть нулевой")
	}
	if m.Format != FormatPCM {
		return fmt.Errorf("неподдерживаемый формат: %d", m.Format)
	}
	if m.Subformat.SampleSize() == 0 {
		return fmt.Errorf("неподдерживаемый подформат: %s", m.Subformat)
	}
	switch m.Channels {
	case ChannelLayoutMono, ChannelLayoutStereo:
	case ChannelLayoutMultitrack:
		if m.Tracks == 0 || m.Tracks > MaxTracks {
			return fmt.Errorf("число дорожек должно быть в диапазоне 1-%d, получено %d", MaxTracks, m.Tracks)
		}
	default:
		return fmt.Errorf("неизвестная раскладка каналов: %d", m.Channels)
	}
	return nil
}

// PacketEncoding идентификатор кодировки пакетов. Ноль означает автоматический выбор.
type PacketEncoding uint32

const (
	PacketEncodingAuto         PacketEncoding = 0
	PacketEncodingAVPL16Mono   PacketEncoding = PacketEncoding(PayloadTypeL16Mono)
	PacketEncodingAVPL16Stereo PacketEncoding = PacketEncoding(PayloadTypeL16Stereo)
)

// PacketEncodingInfo описание зарегистрированной кодировки пакетов
type PacketEncodingInfo struct {
	PayloadType  PayloadType
	EncodingName string
	Encoding     MediaEncoding
}

// registeredEncodings статическая таблица RFC 3551
var registeredEncodings = map[PacketEncoding]PacketEncodingInfo{
	PacketEncodingAVPL16Stereo: {
		PayloadType:  PayloadTypeL16Stereo,
		EncodingName: "L16",
		Encoding: MediaEncoding{
			Rate:      44100,
			Format:    FormatPCM,
			Subformat: SubformatPCMSint16BE,
			Channels:  ChannelLayoutStereo,
		},
	},
	PacketEncodingAVPL16Mono: {
		PayloadType:  PayloadTypeL16Mono,
		EncodingName: "L16",
		Encoding: MediaEncoding{
			Rate:      44100,
			Format:    FormatPCM,
			Subformat: SubformatPCMSint16BE,
			Channels:  ChannelLayoutMono,
		},
	},
}

// ResolvePacketEncoding подбирает кодировку пакетов для кадров.
//
// При PacketEncodingAuto используется стандартный L16 тип RFC 3551, если
// частота и каналы ему соответствуют, иначе динамический тип 96 с теми же
// параметрами, что у кадров. Явно указанная кодировка должна совпадать с
// кадрами по частоте и числу каналов.
func ResolvePacketEncoding(id PacketEncoding, frame MediaEncoding) (PacketEncodingInfo, error) {
	if id == PacketEncodingAuto {
		for _, info := range registeredEncodings {
			if info.Encoding.Rate == frame.Rate && info.Encoding.Channels == frame.Channels {
				return info, nil
			}
		}
		return PacketEncodingInfo{
			PayloadType:  PayloadTypeDynamic,
			EncodingName: "L16",
			Encoding: MediaEncoding{
				Rate:      frame.Rate,
				Format:    FormatPCM,
				Subformat: SubformatPCMSint16BE,
				Channels:  frame.Channels,
				Tracks:    frame.Tracks,
			},
		}, nil
	}

	info, ok := registeredEncodings[id]
	if !ok {
		return PacketEncodingInfo{}, fmt.Errorf("кодировка пакетов %d не зарегистрирована", id)
	}
	if info.Encoding.Rate != frame.Rate || info.Encoding.Channels != frame.Channels {
		return PacketEncodingInfo{}, fmt.Errorf("кодировка пакетов %d (%d Hz, %s) не совпадает с кадрами (%d Hz, %s)",
			id, info.Encoding.Rate, info.Encoding.Channels, frame.Rate, frame.Channels)
	}
	return info, nil
}

// FecEncoding схема FEC
type FecEncoding int

const (
	FecEncodingDefault FecEncoding = iota
	FecEncodingDisable
	FecEncodingRS8M
	FecEncodingLDPCStaircase
)

// ClockSource кто задает темп выдачи пакетов
type ClockSource int

const (
	// ClockExternal пакеты появляются только в ответ на PushFrame
	ClockExternal ClockSource = iota
	// ClockInternal энкодер сам выдерживает реальное время
	ClockInternal
)

// Interface интерфейс энкодера
type Interface int

const (
	InterfaceAudioSource Interface = iota + 1
	InterfaceAudioRepair
	InterfaceAudioControl
)

func (i Interface) String() string {
	switch i {
	case InterfaceAudioSource:
		return "audio_source"
	case InterfaceAudioRepair:
		return "audio_repair"
	case InterfaceAudioControl:
		return "audio_control"
	default:
		return "unknown"
	}
}

// Protocol сетевой протокол интерфейса
type Protocol int

const (
	ProtoRTP Protocol = iota + 1
	ProtoRTCP
)

func (p Protocol) String() string {
	switch p {
	case ProtoRTP:
		return "rtp"
	case ProtoRTCP:
		return "rtcp"
	default:
		return "unknown"
	}
}

// Значения по умолчанию
const (
	// MaxPacketSize верхняя граница размера пакета, который выдает энкодер
	MaxPacketSize = 2048

	// DefaultPacketLength длительность пакета по умолчанию
	DefaultPacketLength = 5 * time.Millisecond

	// DefaultReportInterval интервал sender report в медиа-времени
	DefaultReportInterval = time.Second

	// DefaultMaxQueuedPackets сколько пакетов энкодер держит до вытеснения
	DefaultMaxQueuedPackets = 1024

	rtpHeaderSize = 12
)
