package audio

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/arzzra/rtp_sender/pkg/sender"
)

// RawSource читает F32LE из io.Reader порциями фиксированной длительности.
// Неполный хвост короче одного кадра отбрасывается.
type RawSource struct {
	reader io.Reader
	framing
	buffer []byte
}

// NewRawSource создает источник из потока сырых сэмплов
func NewRawSource(r io.Reader, rate, channels int, chunk time.Duration) (*RawSource, error) {
	if r == nil {
		return nil, fmt.Errorf("источник данных не может быть nil")
	}
	f, err := newFraming(rate, channels, chunk)
	if err != nil {
		return nil, err
	}
	return &RawSource{
		reader:  r,
		framing: f,
		buffer:  make([]byte, f.perChunk*f.frameSize()),
	}, nil
}

func (s *RawSource) Format() (string, int, int) {
	return sender.SampleFormatTagF32LE, s.rate, s.channels
}

func (s *RawSource) ChunkDuration() time.Duration {
	return s.chunkDuration()
}

// Next читает следующую порцию
func (s *RawSource) Next() (sender.Chunk, error) {
	n, err := io.ReadFull(s.reader, s.buffer)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		n -= n % s.frameSize()
		if n == 0 {
			return sender.Chunk{}, io.EOF
		}
	case err != nil:
		return sender.Chunk{}, err
	}

	samples := n / s.frameSize()
	data := make([]byte, n)
	copy(data, s.buffer[:n])
	pts := s.stamp(samples)
	return sender.Chunk{Data: data, PTS: pts, DTS: pts}, nil
}
