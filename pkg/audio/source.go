// Package audio источники потока F32LE для отправителя
package audio

import (
	"fmt"
	"time"

	"github.com/arzzra/rtp_sender/pkg/sender"
)

// Source выдает последовательные порции с временем. io.EOF означает конец потока.
type Source interface {
	// Format параметры потока для согласования формата
	Format() (tag string, rate, channels int)

	// Next возвращает следующую порцию
	Next() (sender.Chunk, error)

	// ChunkDuration длительность одной полной порции
	ChunkDuration() time.Duration
}

const bytesPerSample = 4

// framing общая арифметика порций: размер и время
type framing struct {
	rate     int
	channels int
	perChunk int // сэмплов на канал в порции
	position int64
}

func newFraming(rate, channels int, chunk time.Duration) (framing, error) {
	if rate <= 0 {
		return framing{}, fmt.Errorf("некорректная частота дискретизации %d", rate)
	}
	if channels <= 0 {
		return framing{}, fmt.Errorf("некорректное число каналов %d", channels)
	}
	if chunk <= 0 {
		return framing{}, fmt.Errorf("длительность порции должна быть положительной")
	}
	perChunk := int(int64(rate) * int64(chunk) / int64(time.Second))
	if perChunk == 0 {
		return framing{}, fmt.Errorf("порция %s короче одного сэмпла при %d Гц", chunk, rate)
	}
	return framing{rate: rate, channels: channels, perChunk: perChunk}, nil
}

func (f *framing) frameSize() int {
	return f.channels * bytesPerSample
}

// stamp время порции по номеру первого сэмпла и сдвиг позиции
func (f *framing) stamp(samples int) sender.ClockTime {
	pts := sender.ClockTime(f.position * int64(time.Second) / int64(f.rate))
	f.position += int64(samples)
	return pts
}

func (f *framing) chunkDuration() time.Duration {
	return time.Duration(int64(f.perChunk) * int64(time.Second) / int64(f.rate))
}
