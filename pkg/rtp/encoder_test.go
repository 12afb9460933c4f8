package rtp

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sineFrame генерирует кадр F32LE с чередованием каналов
func sineFrame(samples, channels int, rate, freq float64, offset int) []byte {
	frame := make([]byte, samples*channels*4)
	for i := 0; i < samples; i++ {
		v := float32(0.5 * math.Sin(2*math.Pi*freq*float64(offset+i)/rate))
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint32(frame[(i*channels+c)*4:], math.Float32bits(v))
		}
	}
	return frame
}

func stereoConfig() SenderConfig {
	return SenderConfig{
		FrameEncoding: MediaEncoding{
			Rate:      44100,
			Format:    FormatPCM,
			Subformat: SubformatPCMFloat32LE,
			Channels:  ChannelLayoutStereo,
		},
		FecEncoding: FecEncodingDisable,
		ClockSource: ClockExternal,
	}
}

func openTestEncoder(t *testing.T, config SenderConfig) (*Context, *SenderEncoder) {
	t.Helper()

	ctx, err := OpenContext(ContextConfig{})
	require.NoError(t, err)

	enc, err := OpenSenderEncoder(ctx, config)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = enc.Close()
		_ = ctx.Close()
	})
	return ctx, enc
}

func drain(t *testing.T, enc *SenderEncoder, iface Interface) ([][]byte, []time.Duration) {
	t.Helper()

	var packets [][]byte
	var durations []time.Duration
	buf := make([]byte, MaxPacketSize)
	for {
		info, err := enc.PopPacket(iface, buf)
		if errors.Is(err, ErrNoPacket) {
			return packets, durations
		}
		require.NoError(t, err)
		packets = append(packets, append([]byte(nil), buf[:info.Size]...))
		durations = append(durations, info.Duration)
	}
}

func TestResolvePacketEncoding(t *testing.T) {
	tests := []struct {
		name     string
		id       PacketEncoding
		layout   ChannelLayout
		rate     uint32
		expected PayloadType
		wantErr  bool
	}{
		{"авто стерео 44100", PacketEncodingAuto, ChannelLayoutStereo, 44100, PayloadTypeL16Stereo, false},
		{"авто моно 44100", PacketEncodingAuto, ChannelLayoutMono, 44100, PayloadTypeL16Mono, false},
		{"авто стерео 48000", PacketEncodingAuto, ChannelLayoutStereo, 48000, PayloadTypeDynamic, false},
		{"явный L16 стерео", PacketEncodingAVPL16Stereo, ChannelLayoutStereo, 44100, PayloadTypeL16Stereo, false},
		{"явный L16 моно при стерео", PacketEncodingAVPL16Mono, ChannelLayoutStereo, 44100, 0, true},
		{"незарегистрированная", PacketEncoding(77), ChannelLayoutStereo, 44100, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := MediaEncoding{Rate: tt.rate, Format: FormatPCM, Subformat: SubformatPCMFloat32LE, Channels: tt.layout}
			info, err := ResolvePacketEncoding(tt.id, frame)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, info.PayloadType)
			assert.Equal(t, "L16", info.EncodingName)
			assert.Equal(t, tt.rate, info.Encoding.Rate)
		})
	}
}

func TestOpenSenderEncoder_InvalidConfig(t *testing.T) {
	ctx, err := OpenContext(ContextConfig{})
	require.NoError(t, err)
	defer ctx.Close()

	mutate := map[string]func(c *SenderConfig){
		"нулевая частота":       func(c *SenderConfig) { c.FrameEncoding.Rate = 0 },
		"S16 кадры":             func(c *SenderConfig) { c.FrameEncoding.Subformat = SubformatPCMSint16BE },
		"FEC":                   func(c *SenderConfig) { c.FecEncoding = FecEncodingRS8M },
		"внутренний такт":       func(c *SenderConfig) { c.ClockSource = ClockInternal },
		"multitrack без дорожек": func(c *SenderConfig) { c.FrameEncoding.Channels = ChannelLayoutMultitrack },
		"отрицательная длина":   func(c *SenderConfig) { c.PacketLength = -time.Millisecond },
	}

	for name, fn := range mutate {
		t.Run(name, func(t *testing.T) {
			config := stereoConfig()
			fn(&config)
			_, err := OpenSenderEncoder(ctx, config)
			assert.ErrorIs(t, err, ErrUnsupportedConfig)
		})
	}
}

// TestSenderEncoder_PacketSequence повторяет сценарий с синусом 44100 Hz
// буферами по 441 сэмплу: номера идут подряд, шаг timestamp равен пакету.
func TestSenderEncoder_PacketSequence(t *testing.T) {
	_, enc := openTestEncoder(t, stereoConfig())
	require.NoError(t, enc.Activate(InterfaceAudioSource, ProtoRTP))

	const bufferSamples = 441
	var packets [][]byte
	var durations []time.Duration
	for i := 0; i < 20; i++ {
		require.NoError(t, enc.PushFrame(sineFrame(bufferSamples, 2, 44100, 440, i*bufferSamples)))
		p, d := drain(t, enc, InterfaceAudioSource)
		packets = append(packets, p...)
		durations = append(durations, d...)
	}

	// 20 * 441 = 8820 сэмплов, по 220 в пакете
	require.Len(t, packets, 8820/220)

	var prev rtp.Packet
	for i, data := range packets {
		var pkt rtp.Packet
		require.NoError(t, pkt.Unmarshal(data), "пакет %d должен разбираться", i)

		assert.Equal(t, uint8(PayloadTypeL16Stereo), pkt.PayloadType)
		assert.Len(t, pkt.Payload, 220*2*2)
		assert.Greater(t, durations[i], time.Duration(0))
		assert.LessOrEqual(t, durations[i], 10*time.Millisecond)

		if i == 0 {
			assert.True(t, pkt.Marker, "первый пакет помечается маркером")
		} else {
			assert.Equal(t, prev.SequenceNumber+1, pkt.SequenceNumber, "номера пакетов должны идти подряд")
			assert.Equal(t, prev.Timestamp+220, pkt.Timestamp)
			assert.Equal(t, prev.SSRC, pkt.SSRC)
		}
		prev = pkt
	}

	metrics := enc.Metrics()
	assert.Equal(t, uint32(len(packets)), metrics.PacketsSent)
	assert.Equal(t, 0, metrics.MediaQueued)
}

func TestSenderEncoder_PayloadSamples(t *testing.T) {
	config := stereoConfig()
	config.FrameEncoding.Channels = ChannelLayoutMono
	config.PacketLength = 100 * time.Microsecond // 4 сэмпла
	_, enc := openTestEncoder(t, config)
	require.NoError(t, enc.Activate(InterfaceAudioSource, ProtoRTP))

	frame := make([]byte, 4*4)
	for i, v := range []float32{0, 1, -1, 2} {
		binary.LittleEndian.PutUint32(frame[i*4:], math.Float32bits(v))
	}
	require.NoError(t, enc.PushFrame(frame))

	packets, _ := drain(t, enc, InterfaceAudioSource)
	require.Len(t, packets, 1)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(packets[0]))
	assert.Equal(t, uint8(PayloadTypeL16Mono), pkt.PayloadType)
	require.Len(t, pkt.Payload, 8)
	assert.Equal(t, int16(0), int16(binary.BigEndian.Uint16(pkt.Payload[0:])))
	assert.Equal(t, int16(math.MaxInt16), int16(binary.BigEndian.Uint16(pkt.Payload[2:])))
	assert.Equal(t, int16(-math.MaxInt16), int16(binary.BigEndian.Uint16(pkt.Payload[4:])))
	assert.Equal(t, int16(math.MaxInt16), int16(binary.BigEndian.Uint16(pkt.Payload[6:])), "значения за пределами диапазона насыщаются")
}

func TestSenderEncoder_Errors(t *testing.T) {
	_, enc := openTestEncoder(t, stereoConfig())

	t.Run("кадр до активации", func(t *testing.T) {
		err := enc.PushFrame(sineFrame(10, 2, 44100, 440, 0))
		assert.ErrorIs(t, err, ErrNotActivated)
	})

	require.NoError(t, enc.Activate(InterfaceAudioSource, ProtoRTP))

	t.Run("повторная активация", func(t *testing.T) {
		assert.ErrorIs(t, enc.Activate(InterfaceAudioSource, ProtoRTP), ErrAlreadyActivated)
	})

	t.Run("неверный протокол управления", func(t *testing.T) {
		assert.ErrorIs(t, enc.Activate(InterfaceAudioControl, ProtoRTP), ErrUnsupportedConfig)
	})

	t.Run("repair без FEC", func(t *testing.T) {
		assert.ErrorIs(t, enc.Activate(InterfaceAudioRepair, ProtoRTP), ErrUnsupportedConfig)
	})

	t.Run("обрезанный кадр", func(t *testing.T) {
		assert.ErrorIs(t, enc.PushFrame(make([]byte, 6)), ErrInvalidFrame)
	})

	t.Run("пустая очередь", func(t *testing.T) {
		_, err := enc.PopPacket(InterfaceAudioSource, make([]byte, MaxPacketSize))
		assert.ErrorIs(t, err, ErrNoPacket)
	})

	t.Run("управление не активировано", func(t *testing.T) {
		_, err := enc.PopPacket(InterfaceAudioControl, make([]byte, MaxPacketSize))
		assert.ErrorIs(t, err, ErrNotActivated)
		assert.ErrorIs(t, enc.PushFeedbackPacket(InterfaceAudioControl, []byte{1}), ErrNotActivated)
	})

	t.Run("маленький буфер", func(t *testing.T) {
		require.NoError(t, enc.PushFrame(sineFrame(220, 2, 44100, 440, 0)))
		_, err := enc.PopPacket(InterfaceAudioSource, make([]byte, 16))
		assert.ErrorIs(t, err, ErrBufferTooSmall)

		info, err := enc.PopPacket(InterfaceAudioSource, make([]byte, MaxPacketSize))
		require.NoError(t, err, "пакет должен остаться в очереди")
		assert.Equal(t, 12+220*4, info.Size)
	})

	t.Run("после закрытия", func(t *testing.T) {
		require.NoError(t, enc.Close())
		require.NoError(t, enc.Close(), "повторное закрытие безопасно")
		assert.ErrorIs(t, enc.PushFrame(nil), ErrEncoderClosed)
		_, err := enc.PopPacket(InterfaceAudioSource, make([]byte, MaxPacketSize))
		assert.ErrorIs(t, err, ErrEncoderClosed)
	})
}

func TestSenderEncoder_PacketLengthCappedByPacketSize(t *testing.T) {
	config := stereoConfig()
	config.PacketLength = 100 * time.Millisecond
	_, enc := openTestEncoder(t, config)
	require.NoError(t, enc.Activate(InterfaceAudioSource, ProtoRTP))

	require.NoError(t, enc.PushFrame(sineFrame(4410, 2, 44100, 440, 0)))
	packets, _ := drain(t, enc, InterfaceAudioSource)
	require.NotEmpty(t, packets)
	for _, p := range packets {
		assert.LessOrEqual(t, len(p), MaxPacketSize)
	}
}

func TestSenderEncoder_ControlReports(t *testing.T) {
	config := stereoConfig()
	config.CNAME = "sender@test"
	_, enc := openTestEncoder(t, config)
	require.NoError(t, enc.Activate(InterfaceAudioSource, ProtoRTP))
	require.NoError(t, enc.Activate(InterfaceAudioControl, ProtoRTCP))

	// 1.2 секунды звука: отчет после первого пакета и после секунды
	for i := 0; i < 120; i++ {
		require.NoError(t, enc.PushFrame(sineFrame(441, 2, 44100, 440, i*441)))
	}
	drain(t, enc, InterfaceAudioSource)

	reports, durations := drain(t, enc, InterfaceAudioControl)
	require.Len(t, reports, 2)
	for _, d := range durations {
		assert.Zero(t, d, "управляющие пакеты не несут длительности")
	}

	packets, err := rtcp.Unmarshal(reports[0])
	require.NoError(t, err)
	require.Len(t, packets, 2)

	sr, ok := packets[0].(*rtcp.SenderReport)
	require.True(t, ok, "первым идет sender report")
	assert.Equal(t, enc.Metrics().SSRC, sr.SSRC)
	assert.Equal(t, uint32(1), sr.PacketCount)

	sdes, ok := packets[1].(*rtcp.SourceDescription)
	require.True(t, ok)
	require.Len(t, sdes.Chunks, 1)
	assert.Equal(t, "sender@test", sdes.Chunks[0].Items[0].Text)

	require.NoError(t, enc.Goodbye("stop"))
	bye, _ := drain(t, enc, InterfaceAudioControl)
	require.Len(t, bye, 1)
	packets, err = rtcp.Unmarshal(bye[0])
	require.NoError(t, err)
	_, ok = packets[0].(*rtcp.Goodbye)
	assert.True(t, ok)
}

// Ошибка отчета после выдачи пакета не должна приводить к повторной выдаче сэмплов
func TestSenderEncoder_ReportFailureKeepsConsumedSamples(t *testing.T) {
	config := stereoConfig()
	config.CNAME = strings.Repeat("a", 300) // SDES допускает не более 255 байт
	_, enc := openTestEncoder(t, config)
	require.NoError(t, enc.Activate(InterfaceAudioSource, ProtoRTP))
	require.NoError(t, enc.Activate(InterfaceAudioControl, ProtoRTCP))

	// два пакета по 220 сэмплов, отчет после первого не собирается
	err := enc.PushFrame(sineFrame(440, 2, 44100, 440, 0))
	require.Error(t, err)

	metrics := enc.Metrics()
	assert.Equal(t, 1, metrics.MediaQueued)
	assert.Equal(t, uint32(1), metrics.PacketsSent)
	assert.Zero(t, metrics.ControlQueued)

	// остаток выдается без повтора первого пакета
	require.NoError(t, enc.PushFrame(nil))
	packets, _ := drain(t, enc, InterfaceAudioSource)
	require.Len(t, packets, 2)
	assert.Equal(t, uint32(2), enc.Metrics().PacketsSent)

	var first, second rtp.Packet
	require.NoError(t, first.Unmarshal(packets[0]))
	require.NoError(t, second.Unmarshal(packets[1]))
	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
	assert.Equal(t, first.Timestamp+220, second.Timestamp)
	assert.NotEqual(t, first.Payload, second.Payload, "второй пакет несет следующие сэмплы")
}

func TestSenderEncoder_Feedback(t *testing.T) {
	_, enc := openTestEncoder(t, stereoConfig())
	require.NoError(t, enc.Activate(InterfaceAudioSource, ProtoRTP))
	require.NoError(t, enc.Activate(InterfaceAudioControl, ProtoRTCP))

	ssrc := enc.Metrics().SSRC
	data, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.ReceiverReport{
			SSRC: 4242,
			Reports: []rtcp.ReceptionReport{
				{SSRC: ssrc, FractionLost: 12, TotalLost: 3, LastSequenceNumber: 100, Jitter: 7},
				{SSRC: ssrc + 1, FractionLost: 99},
			},
		},
		&rtcp.SourceDescription{Chunks: []rtcp.SourceDescriptionChunk{{
			Source: 4242,
			Items:  []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: "receiver"}},
		}}},
	})
	require.NoError(t, err)

	require.NoError(t, enc.PushFeedbackPacket(InterfaceAudioControl, data))

	fb := enc.Metrics().Feedback
	assert.Equal(t, uint64(1), fb.ReportsReceived)
	assert.Equal(t, uint8(12), fb.FractionLost)
	assert.Equal(t, uint32(3), fb.CumulativeLost)
	assert.Equal(t, uint32(7), fb.Jitter)
	assert.Equal(t, uint32(4242), fb.RemoteSSRC)
	assert.Equal(t, "receiver", fb.RemoteCNAME)

	assert.ErrorIs(t, enc.PushFeedbackPacket(InterfaceAudioControl, nil), ErrEmptyFeedback)
	assert.ErrorIs(t, enc.PushFeedbackPacket(InterfaceAudioSource, data), ErrUnsupportedConfig)

	assert.Error(t, enc.PushFeedbackPacket(InterfaceAudioControl, []byte{0xde, 0xad}))
	assert.Equal(t, uint64(1), enc.Metrics().Feedback.MalformedPackets)
}

func TestContext_CloseWithOpenEncoders(t *testing.T) {
	ctx, err := OpenContext(ContextConfig{})
	require.NoError(t, err)

	enc, err := OpenSenderEncoder(ctx, stereoConfig())
	require.NoError(t, err)

	assert.ErrorIs(t, ctx.Close(), ErrContextInUse)

	require.NoError(t, enc.Close())
	require.NoError(t, ctx.Close())
	require.NoError(t, ctx.Close())

	_, err = OpenSenderEncoder(ctx, stereoConfig())
	assert.ErrorIs(t, err, ErrContextClosed)
}

func TestLogHandler(t *testing.T) {
	var messages []LogMessage
	SetLogHandler(func(msg LogMessage) { messages = append(messages, msg) })
	SetLogLevel(LogDebug)
	defer func() {
		SetLogHandler(nil)
		SetLogLevel(LogError)
	}()

	_, _ = openTestEncoder(t, stereoConfig())

	require.NotEmpty(t, messages)
	for _, msg := range messages {
		assert.LessOrEqual(t, msg.Level, LogDebug, "сообщения выше уровня не передаются")
		assert.NotEmpty(t, msg.Module)
		assert.NotEmpty(t, msg.File)
		assert.Greater(t, msg.Line, 0)
	}
	assert.Equal(t, "context", messages[0].Module)
}
