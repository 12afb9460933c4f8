package audio

import (
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/arzzra/rtp_sender/pkg/sender"
)

// Параметры тона по умолчанию
const (
	ToneFrequency  = 440.0
	ToneSampleRate = 44100
	ToneAmplitude  = 0.5
)

// ToneConfig параметры генератора синуса
type ToneConfig struct {
	Frequency     float64
	Amplitude     float64 // 0..1
	SampleRate    int
	Channels      int
	ChunkDuration time.Duration
	Duration      time.Duration // 0 = бесконечно
}

// DefaultToneConfig стерео 440 Гц порциями по 10 мс
func DefaultToneConfig() ToneConfig {
	return ToneConfig{
		Frequency:     ToneFrequency,
		Amplitude:     ToneAmplitude,
		SampleRate:    ToneSampleRate,
		Channels:      2,
		ChunkDuration: 10 * time.Millisecond,
	}
}

// ToneSource генерирует синус с непрерывной фазой, одинаковый во всех каналах
type ToneSource struct {
	config ToneConfig
	framing
	limit int64 // сэмплов на канал, 0 = без ограничения
}

// NewToneSource создает генератор
func NewToneSource(config ToneConfig) (*ToneSource, error) {
	f, err := newFraming(config.SampleRate, config.Channels, config.ChunkDuration)
	if err != nil {
		return nil, err
	}
	s := &ToneSource{config: config, framing: f}
	if config.Duration > 0 {
		s.limit = int64(config.SampleRate) * int64(config.Duration) / int64(time.Second)
	}
	return s, nil
}

func (s *ToneSource) Format() (string, int, int) {
	return sender.SampleFormatTagF32LE, s.rate, s.channels
}

func (s *ToneSource) ChunkDuration() time.Duration {
	return s.chunkDuration()
}

// Next возвращает следующую порцию синуса
func (s *ToneSource) Next() (sender.Chunk, error) {
	samples := s.perChunk
	if s.limit > 0 {
		left := s.limit - s.position
		if left <= 0 {
			return sender.Chunk{}, io.EOF
		}
		if int64(samples) > left {
			samples = int(left)
		}
	}

	data := make([]byte, samples*s.frameSize())
	start := s.position
	for i := 0; i < samples; i++ {
		t := float64(start+int64(i)) / float64(s.rate)
		v := float32(s.config.Amplitude * math.Sin(2*math.Pi*s.config.Frequency*t))
		bits := math.Float32bits(v)
		for ch := 0; ch < s.channels; ch++ {
			off := (i*s.channels + ch) * bytesPerSample
			binary.LittleEndian.PutUint32(data[off:], bits)
		}
	}

	pts := s.stamp(samples)
	return sender.Chunk{Data: data, PTS: pts, DTS: pts}, nil
}
