package sender

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/rtp_sender/pkg/rtp"
	pionrtp "github.com/pion/rtp"
)

var errInjected = errors.New("injected failure")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePacket struct {
	data     []byte
	duration time.Duration
}

// fakeEncoder выдает заранее заданные пакеты на каждый кадр
type fakeEncoder struct {
	mu sync.Mutex

	backend  *fakeBackend
	active   map[rtp.Interface]bool
	media    []fakePacket
	control  []fakePacket
	feedback [][]byte
	frames   int
	seq      uint16
	closed   bool
}

func (e *fakeEncoder) Activate(iface rtp.Interface, _ rtp.Protocol) error {
	if err := e.backend.activateErr[iface]; err != nil {
		return err
	}
	e.active[iface] = true
	return nil
}

func (e *fakeEncoder) PushFrame(frame []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.backend.pushErr != nil {
		return e.backend.pushErr
	}
	e.frames++
	for _, d := range e.backend.durations {
		header := pionrtp.Header{Version: 2, PayloadType: 96, SequenceNumber: e.seq, Timestamp: uint32(e.seq) * 160, SSRC: 1}
		e.seq++
		data, _ := (&pionrtp.Packet{Header: header, Payload: make([]byte, 8)}).Marshal()
		e.media = append(e.media, fakePacket{data: data, duration: d})
	}
	if e.active[rtp.InterfaceAudioControl] {
		e.control = append(e.control, fakePacket{data: []byte{0x80, 200, 0, 0}})
	}
	return nil
}

func (e *fakeEncoder) PopPacket(iface rtp.Interface, dst []byte) (rtp.PacketInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.backend.popErr; err != nil {
		return rtp.PacketInfo{}, err
	}
	queue := &e.media
	if iface == rtp.InterfaceAudioControl {
		queue = &e.control
	}
	if len(*queue) == 0 {
		return rtp.PacketInfo{}, rtp.ErrNoPacket
	}
	p := (*queue)[0]
	*queue = (*queue)[1:]
	n := copy(dst, p.data)
	return rtp.PacketInfo{Size: n, Duration: p.duration}, nil
}

func (e *fakeEncoder) PushFeedbackPacket(_ rtp.Interface, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.backend.feedbackErr != nil {
		return e.backend.feedbackErr
	}
	e.feedback = append(e.feedback, data)
	return nil
}

func (e *fakeEncoder) Encoding() rtp.PacketEncodingInfo {
	return rtp.PacketEncodingInfo{
		PayloadType:  rtp.PayloadTypeDynamic,
		EncodingName: "L16",
		Encoding:     rtp.MediaEncoding{Rate: 48000},
	}
}

func (e *fakeEncoder) Close() error {
	e.closed = true
	return nil
}

type fakeContext struct {
	backend *fakeBackend
	closed  bool
}

func (c *fakeContext) OpenEncoder(config rtp.SenderConfig) (Encoder, error) {
	if c.backend.encoderErr != nil {
		return nil, c.backend.encoderErr
	}
	c.backend.configs = append(c.backend.configs, config)
	enc := &fakeEncoder{backend: c.backend, active: make(map[rtp.Interface]bool)}
	c.backend.encoders = append(c.backend.encoders, enc)
	return enc, nil
}

func (c *fakeContext) Close() error {
	c.closed = true
	return nil
}

// fakeBackend внедряет ошибки на каждом шаге сборки
type fakeBackend struct {
	openErr     error
	encoderErr  error
	activateErr map[rtp.Interface]error
	pushErr     error
	popErr      error
	feedbackErr error

	// durations длительности медиа пакетов, выдаваемых на каждый кадр
	durations []time.Duration

	contexts []*fakeContext
	encoders []*fakeEncoder
	configs  []rtp.SenderConfig
}

func newFakeBackend(durations ...time.Duration) *fakeBackend {
	return &fakeBackend{
		activateErr: make(map[rtp.Interface]error),
		durations:   durations,
	}
}

func (b *fakeBackend) OpenContext() (TransportContext, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	ctx := &fakeContext{backend: b}
	b.contexts = append(b.contexts, ctx)
	return ctx, nil
}

func (b *fakeBackend) lastEncoder() *fakeEncoder {
	if len(b.encoders) == 0 {
		return nil
	}
	return b.encoders[len(b.encoders)-1]
}

// recordingSink запоминает все пакеты
type recordingSink struct {
	mu      sync.Mutex
	caps    []Caps
	media   []*OutgoingPacket
	control []*OutgoingPacket

	capsErr  error
	mediaErr error
}

func (s *recordingSink) SetCaps(caps Caps) error {
	if s.capsErr != nil {
		return s.capsErr
	}
	s.caps = append(s.caps, caps)
	return nil
}

func (s *recordingSink) PushMedia(packet *OutgoingPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mediaErr != nil {
		return s.mediaErr
	}
	s.media = append(s.media, packet)
	return nil
}

func (s *recordingSink) PushControl(packet *OutgoingPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.control = append(s.control, packet)
	return nil
}
