package rtp

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
)

// SenderConfig конфигурация энкодера отправителя
type SenderConfig struct {
	FrameEncoding  MediaEncoding  // Формат входных кадров (обязателен)
	PacketEncoding PacketEncoding // 0 = автоматический выбор
	PacketLength   time.Duration  // Длительность пакета, 0 = DefaultPacketLength
	FecEncoding    FecEncoding    // Поддерживается только отключенный FEC
	ClockSource    ClockSource    // Поддерживается только внешний такт
	CNAME          string         // CNAME для SDES (по умолчанию случайный UUID)
}

// PacketInfo описание извлеченного пакета
type PacketInfo struct {
	Size     int           // Размер пакета в байтах
	Duration time.Duration // Длительность звука в пакете, 0 для служебных пакетов
}

// EncoderMetrics снимок счетчиков энкодера
type EncoderMetrics struct {
	SSRC           uint32
	PayloadType    PayloadType
	PacketsSent    uint32
	OctetsSent     uint32
	SequenceNumber uint16 // Номер следующего пакета
	Timestamp      uint32 // RTP timestamp следующего пакета
	MediaQueued    int
	ControlQueued  int
	QueueOverflows uint64
	Feedback       FeedbackStats
}

type queuedPacket struct {
	data     []byte
	duration time.Duration
}

// packetQueue FIFO с ограниченной емкостью, при переполнении вытесняется самый старый пакет
type packetQueue struct {
	items    []queuedPacket
	capacity int
}

func (q *packetQueue) push(p queuedPacket) bool {
	overflow := false
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		overflow = true
	}
	q.items = append(q.items, p)
	return overflow
}

func (q *packetQueue) peek() (queuedPacket, bool) {
	if len(q.items) == 0 {
		return queuedPacket{}, false
	}
	return q.items[0], true
}

func (q *packetQueue) pop() {
	q.items[0] = queuedPacket{}
	q.items = q.items[1:]
}

// SenderEncoder превращает кадры F32LE в RTP пакеты L16 и ведет RTCP.
//
// Кадры передаются через PushFrame, готовые пакеты извлекаются через
// PopPacket без блокировки: пустая очередь возвращает ErrNoPacket. Пакеты
// обратной связи принимаются через PushFeedbackPacket.
//
// Все методы потокобезопасны: один поток может проталкивать кадры, пока
// другой передает обратную связь.
type SenderEncoder struct {
	mu sync.Mutex

	ctx      *Context
	config   SenderConfig
	encoding PacketEncodingInfo

	channels         int
	samplesPerPacket int
	packetDuration   time.Duration
	reportInterval   time.Duration

	ssrc      uint32
	seq       uint16
	timestamp uint32

	pending []int16
	active  map[Interface]Protocol
	media   packetQueue
	control packetQueue

	packetsSent    uint32
	octetsSent     uint32
	sinceReport    time.Duration
	queueOverflows uint64
	feedback       FeedbackStats

	now    func() time.Time
	closed bool
}

// OpenSenderEncoder открывает энкодер в контексте
//
// Возвращает:
//   - *SenderEncoder: энкодер без активированных интерфейсов
//   - error: ошибку конфигурации или закрытого контекста
func OpenSenderEncoder(ctx *Context, config SenderConfig) (*SenderEncoder, error) {
	if ctx == nil {
		return nil, fmt.Errorf("контекст не может быть nil")
	}
	if err := config.FrameEncoding.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedConfig, err)
	}
	if config.FrameEncoding.Subformat != SubformatPCMFloat32LE {
		return nil, fmt.Errorf("%w: кадры должны быть F32LE, получено %s", ErrUnsupportedConfig, config.FrameEncoding.Subformat)
	}
	if config.FecEncoding != FecEncodingDefault && config.FecEncoding != FecEncodingDisable {
		return nil, fmt.Errorf("%w: FEC не поддерживается", ErrUnsupportedConfig)
	}
	if config.ClockSource != ClockExternal {
		return nil, fmt.Errorf("%w: поддерживается только внешний такт", ErrUnsupportedConfig)
	}
	if config.PacketLength < 0 {
		return nil, fmt.Errorf("%w: отрицательная длительность пакета", ErrUnsupportedConfig)
	}

	encoding, err := ResolvePacketEncoding(config.PacketEncoding, config.FrameEncoding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedConfig, err)
	}

	if config.PacketLength == 0 {
		config.PacketLength = DefaultPacketLength
	}
	if config.CNAME == "" {
		config.CNAME = uuid.NewString()
	}

	channels := config.FrameEncoding.ChannelCount()
	rate := uint64(config.FrameEncoding.Rate)
	spp := int(rate * uint64(config.PacketLength) / uint64(time.Second))
	if spp < 1 {
		spp = 1
	}
	maxSpp := (MaxPacketSize - rtpHeaderSize) / (channels * SubformatPCMSint16BE.SampleSize())
	if maxSpp < 1 {
		return nil, fmt.Errorf("%w: %d каналов не помещаются в пакет", ErrUnsupportedConfig, channels)
	}
	if spp > maxSpp {
		logf(LogDebug, "encoder", "packet length %s exceeds packet size limit, using %d samples per packet",
			config.PacketLength, maxSpp)
		spp = maxSpp
	}

	ssrc, err := generateSSRC()
	if err != nil {
		return nil, fmt.Errorf("ошибка генерации SSRC: %w", err)
	}

	e := &SenderEncoder{
		ctx:              ctx,
		config:           config,
		encoding:         encoding,
		channels:         channels,
		samplesPerPacket: spp,
		packetDuration:   time.Duration(uint64(spp) * uint64(time.Second) / rate),
		reportInterval:   ctx.config.ReportInterval,
		ssrc:             ssrc,
		seq:              generateRandomUint16(),
		timestamp:        generateRandomUint32(),
		active:           make(map[Interface]Protocol),
		media:            packetQueue{capacity: ctx.config.MaxQueuedPackets},
		control:          packetQueue{capacity: ctx.config.MaxQueuedPackets},
		now:              time.Now,
	}

	if err := ctx.attach(e); err != nil {
		return nil, err
	}

	logf(LogInfo, "encoder", "encoder opened: ssrc=%d pt=%d rate=%d channels=%d samples_per_packet=%d",
		e.ssrc, e.encoding.PayloadType, rate, channels, spp)
	return e, nil
}

// Activate активирует интерфейс энкодера для указанного протокола
func (e *SenderEncoder) Activate(iface Interface, proto Protocol) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEncoderClosed
	}
	if _, ok := e.active[iface]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyActivated, iface)
	}

	switch iface {
	case InterfaceAudioSource:
		if proto != ProtoRTP {
			return fmt.Errorf("%w: %s поддерживает только rtp, получено %s", ErrUnsupportedConfig, iface, proto)
		}
	case InterfaceAudioControl:
		if proto != ProtoRTCP {
			return fmt.Errorf("%w: %s поддерживает только rtcp, получено %s", ErrUnsupportedConfig, iface, proto)
		}
	default:
		return fmt.Errorf("%w: интерфейс %s недоступен без FEC", ErrUnsupportedConfig, iface)
	}

	e.active[iface] = proto
	logf(LogDebug, "encoder", "interface activated: %s/%s", iface, proto)
	return nil
}

// PushFrame принимает кадр F32LE с чередованием каналов.
// Размер кадра должен быть кратен размеру одного сэмпла всех каналов.
func (e *SenderEncoder) PushFrame(frame []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEncoderClosed
	}
	if _, ok := e.active[InterfaceAudioSource]; !ok {
		return fmt.Errorf("%w: %s", ErrNotActivated, InterfaceAudioSource)
	}

	frameSize := e.channels * SubformatPCMFloat32LE.SampleSize()
	if len(frame)%frameSize != 0 {
		return fmt.Errorf("%w: %d байт не кратно %d", ErrInvalidFrame, len(frame), frameSize)
	}

	e.pending = decodeF32LE(e.pending, frame)

	chunk := e.samplesPerPacket * e.channels
	consumed := 0
	var err error
	for len(e.pending)-consumed >= chunk {
		var rtpTime uint32
		if rtpTime, err = e.emitMediaPacket(e.pending[consumed : consumed+chunk]); err != nil {
			break
		}
		consumed += chunk
		if err = e.scheduleReport(rtpTime); err != nil {
			break
		}
	}
	e.pending = append(e.pending[:0], e.pending[consumed:]...)

	return err
}

// emitMediaPacket ставит в очередь медиа пакет и возвращает его RTP timestamp
func (e *SenderEncoder) emitMediaPacket(samples []int16) (uint32, error) {
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         e.packetsSent == 0,
			PayloadType:    uint8(e.encoding.PayloadType),
			SequenceNumber: e.seq,
			Timestamp:      e.timestamp,
			SSRC:           e.ssrc,
		},
		Payload: encodeL16(samples),
	}

	data, err := packet.Marshal()
	if err != nil {
		return 0, fmt.Errorf("ошибка сериализации RTP пакета: %w", err)
	}

	rtpTime := e.timestamp
	e.seq++
	e.timestamp += uint32(e.samplesPerPacket)
	e.packetsSent++
	e.octetsSent += uint32(len(packet.Payload))

	if e.media.push(queuedPacket{data: data, duration: e.packetDuration}) {
		e.queueOverflows++
		logf(LogError, "encoder", "media queue overflow, oldest packet dropped")
	}
	logf(LogTrace, "encoder", "media packet: seq=%d ts=%d size=%d", packet.SequenceNumber, rtpTime, len(data))

	return rtpTime, nil
}

// scheduleReport ставит sender report после первого пакета и далее раз в интервал
func (e *SenderEncoder) scheduleReport(rtpTime uint32) error {
	if _, ok := e.active[InterfaceAudioControl]; !ok {
		return nil
	}

	e.sinceReport += e.packetDuration
	if e.packetsSent != 1 && e.sinceReport < e.reportInterval {
		return nil
	}
	e.sinceReport = 0

	report, err := buildSenderReport(e.ssrc, e.config.CNAME, e.now(), rtpTime, e.packetsSent, e.octetsSent)
	if err != nil {
		return err
	}
	e.enqueueControl(report)
	return nil
}

func (e *SenderEncoder) enqueueControl(data []byte) {
	if e.control.push(queuedPacket{data: data}) {
		e.queueOverflows++
		logf(LogError, "encoder", "control queue overflow, oldest packet dropped")
	}
}

// PopPacket извлекает следующий пакет интерфейса в dst.
// Пустая очередь возвращает ErrNoPacket, пакет больше dst возвращает
// ErrBufferTooSmall и остается в очереди.
func (e *SenderEncoder) PopPacket(iface Interface, dst []byte) (PacketInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return PacketInfo{}, ErrEncoderClosed
	}
	if _, ok := e.active[iface]; !ok {
		return PacketInfo{}, fmt.Errorf("%w: %s", ErrNotActivated, iface)
	}

	queue := &e.media
	if iface == InterfaceAudioControl {
		queue = &e.control
	}

	packet, ok := queue.peek()
	if !ok {
		return PacketInfo{}, ErrNoPacket
	}
	if len(dst) < len(packet.data) {
		return PacketInfo{}, fmt.Errorf("%w: нужно %d байт, доступно %d", ErrBufferTooSmall, len(packet.data), len(dst))
	}

	n := copy(dst, packet.data)
	queue.pop()
	return PacketInfo{Size: n, Duration: packet.duration}, nil
}

// PushFeedbackPacket принимает RTCP пакет от приемника.
// Данные не сохраняются после возврата.
func (e *SenderEncoder) PushFeedbackPacket(iface Interface, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEncoderClosed
	}
	if iface != InterfaceAudioControl {
		return fmt.Errorf("%w: обратная связь принимается только через %s", ErrUnsupportedConfig, InterfaceAudioControl)
	}
	if _, ok := e.active[iface]; !ok {
		return fmt.Errorf("%w: %s", ErrNotActivated, iface)
	}
	if len(data) == 0 {
		return ErrEmptyFeedback
	}

	matched, err := applyFeedback(&e.feedback, e.ssrc, data, e.now())
	if err != nil {
		logf(LogDebug, "rtcp", "feedback rejected: %v", err)
		return err
	}
	logf(LogTrace, "rtcp", "feedback processed: %d reports about ssrc=%d", matched, e.ssrc)
	return nil
}

// Goodbye ставит в очередь управляющего интерфейса RTCP BYE
func (e *SenderEncoder) Goodbye(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEncoderClosed
	}
	if _, ok := e.active[InterfaceAudioControl]; !ok {
		return fmt.Errorf("%w: %s", ErrNotActivated, InterfaceAudioControl)
	}

	data, err := buildGoodbye(e.ssrc, reason)
	if err != nil {
		return err
	}
	e.enqueueControl(data)
	return nil
}

// Encoding возвращает выбранную кодировку пакетов
func (e *SenderEncoder) Encoding() PacketEncodingInfo {
	return e.encoding
}

// PacketDuration возвращает длительность одного медиа пакета
func (e *SenderEncoder) PacketDuration() time.Duration {
	return e.packetDuration
}

// Metrics возвращает снимок счетчиков
func (e *SenderEncoder) Metrics() EncoderMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	return EncoderMetrics{
		SSRC:           e.ssrc,
		PayloadType:    e.encoding.PayloadType,
		PacketsSent:    e.packetsSent,
		OctetsSent:     e.octetsSent,
		SequenceNumber: e.seq,
		Timestamp:      e.timestamp,
		MediaQueued:    len(e.media.items),
		ControlQueued:  len(e.control.items),
		QueueOverflows: e.queueOverflows,
		Feedback:       e.feedback,
	}
}

// Close закрывает энкодер и отвязывает его от контекста. Повторный вызов безопасен.
func (e *SenderEncoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.pending = nil
	e.media.items = nil
	e.control.items = nil
	e.mu.Unlock()

	e.ctx.detach(e)
	logf(LogInfo, "encoder", "encoder closed: ssrc=%d packets=%d", e.ssrc, e.packetsSent)
	return nil
}
