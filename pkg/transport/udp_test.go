package transport

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/arzzra/rtp_sender/pkg/sender"
	"github.com/pion/rtcp"
	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPacket(t *testing.T, conn *net.UDPConn) ([]byte, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, from, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n], from
}

func marshalRTP(t *testing.T, seq uint16) []byte {
	t.Helper()
	packet := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    10,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 220,
			SSRC:           0x1234,
		},
		Payload: make([]byte, 880),
	}
	data, err := packet.Marshal()
	require.NoError(t, err)
	return data
}

func marshalRR(t *testing.T, ssrc uint32) []byte {
	t.Helper()
	data, err := rtcp.Marshal([]rtcp.Packet{&rtcp.ReceiverReport{
		SSRC: 0xBEEF,
		Reports: []rtcp.ReceptionReport{{
			SSRC:               ssrc,
			FractionLost:       12,
			TotalLost:          3,
			LastSequenceNumber: 100,
			Jitter:             7,
		}},
	}})
	require.NoError(t, err)
	return data
}

func testCaps() sender.Caps {
	return sender.Caps{Media: "audio", EncodingName: "L16", ClockRate: 44100, Channels: 2, PayloadType: 10}
}

func TestUDPSink_SendsMediaAndControl(t *testing.T) {
	rtpRecv := listenLoopback(t)
	rtcpRecv := listenLoopback(t)

	sink, err := NewUDPSink(context.Background(), Config{
		LocalAddr:      "127.0.0.1:0",
		RemoteAddr:     rtpRecv.LocalAddr().String(),
		RTCPRemoteAddr: rtcpRecv.LocalAddr().String(),
	}, discardLogger())
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.SetCaps(testCaps()))
	caps, ok := sink.Caps()
	require.True(t, ok)
	assert.Equal(t, uint8(10), caps.PayloadType)

	media := marshalRTP(t, 7)
	require.NoError(t, sink.PushMedia(&sender.OutgoingPacket{Payload: media}))

	got, from := readPacket(t, rtpRecv)
	assert.Equal(t, media, got)
	assert.Equal(t, sink.LocalAddr().String(), from.String())

	control := marshalRR(t, 1)
	require.NoError(t, sink.PushControl(&sender.OutgoingPacket{Payload: control}))

	got, from = readPacket(t, rtcpRecv)
	assert.Equal(t, control, got)
	assert.Equal(t, sink.RTCPLocalAddr().String(), from.String(), "RTCP уходит из отдельного сокета")

	stats := sink.Statistics()
	assert.Equal(t, uint64(2), stats.PacketsSent)
	assert.Equal(t, uint64(len(media)+len(control)), stats.BytesSent)
	assert.Equal(t, "udp", stats.TransportType)
}

func TestUDPSink_FeedbackLoop(t *testing.T) {
	rtpRecv := listenLoopback(t)
	rtcpRecv := listenLoopback(t)

	sink, err := NewUDPSink(context.Background(), Config{
		LocalAddr:      "127.0.0.1:0",
		RemoteAddr:     rtpRecv.LocalAddr().String(),
		RTCPRemoteAddr: rtcpRecv.LocalAddr().String(),
		ReceiveTimeout: 20 * time.Millisecond,
	}, discardLogger())
	require.NoError(t, err)
	defer sink.Close()

	received := make(chan []byte, 4)
	require.NoError(t, sink.Start(context.Background(), func(data []byte) error {
		received <- data
		return nil
	}))
	require.NoError(t, sink.Start(context.Background(), func([]byte) error { return nil }), "повторный запуск")

	target := sink.RTCPLocalAddr().(*net.UDPAddr)

	// RTP в RTCP порт не передается обработчику
	_, err = rtcpRecv.WriteToUDP(marshalRTP(t, 1), target)
	require.NoError(t, err)

	report := marshalRR(t, 0x1234)
	_, err = rtcpRecv.WriteToUDP(report, target)
	require.NoError(t, err)

	select {
	case data := <-received:
		assert.Equal(t, report, data)
	case <-time.After(2 * time.Second):
		t.Fatal("обратная связь не получена")
	}

	require.Eventually(t, func() bool {
		stats := sink.Statistics()
		return stats.PacketsReceived == 1 && stats.FeedbackRejected == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUDPSink_RTCPMux(t *testing.T) {
	remote := listenLoopback(t)

	sink, err := NewUDPSink(context.Background(), Config{
		LocalAddr:      "127.0.0.1:0",
		RemoteAddr:     remote.LocalAddr().String(),
		RTCPMux:        true,
		ReceiveTimeout: 20 * time.Millisecond,
	}, discardLogger())
	require.NoError(t, err)
	defer sink.Close()

	assert.Equal(t, sink.LocalAddr().String(), sink.RTCPLocalAddr().String())

	require.NoError(t, sink.PushMedia(&sender.OutgoingPacket{Payload: marshalRTP(t, 1)}))
	require.NoError(t, sink.PushControl(&sender.OutgoingPacket{Payload: marshalRR(t, 1)}))

	first, _ := readPacket(t, remote)
	second, _ := readPacket(t, remote)
	assert.False(t, isRTCP(first))
	assert.True(t, isRTCP(second))

	received := make(chan []byte, 1)
	require.NoError(t, sink.Start(context.Background(), func(data []byte) error {
		received <- data
		return nil
	}))

	report := marshalRR(t, 9)
	_, err = remote.WriteToUDP(report, sink.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	select {
	case data := <-received:
		assert.Equal(t, report, data)
	case <-time.After(2 * time.Second):
		t.Fatal("обратная связь не получена")
	}
}

func TestUDPSink_Errors(t *testing.T) {
	remote := listenLoopback(t)

	_, err := NewUDPSink(context.Background(), Config{LocalAddr: "127.0.0.1:0"}, discardLogger())
	assert.Error(t, err, "без удаленного адреса")

	_, err = NewUDPSink(context.Background(), Config{
		LocalAddr:  "127.0.0.1:0",
		RemoteAddr: remote.LocalAddr().String(),
		DSCP:       64,
	}, discardLogger())
	assert.Error(t, err)

	sink, err := NewUDPSink(context.Background(), Config{
		LocalAddr:  "127.0.0.1:0",
		RemoteAddr: remote.LocalAddr().String(),
		DSCP:       DSCPExpeditedForwarding,
	}, discardLogger())
	require.NoError(t, err)

	assert.Error(t, sink.SetCaps(sender.Caps{PayloadType: 10}), "без частоты")
	assert.Error(t, sink.SetCaps(sender.Caps{ClockRate: 8000, PayloadType: 200}))

	assert.Error(t, sink.PushMedia(&sender.OutgoingPacket{Payload: []byte{0x80}}))
	assert.Error(t, sink.PushMedia(&sender.OutgoingPacket{Payload: make([]byte, MaxPacketSize+1)}))
	assert.Equal(t, uint64(2), sink.Statistics().ErrorsSend)

	assert.Error(t, sink.Start(context.Background(), nil))

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close(), "повторное закрытие")

	assert.ErrorIs(t, sink.PushMedia(&sender.OutgoingPacket{Payload: marshalRTP(t, 1)}), ErrClosed)
	assert.ErrorIs(t, sink.SetCaps(testCaps()), ErrClosed)
	assert.ErrorIs(t, sink.Start(context.Background(), func([]byte) error { return nil }), ErrClosed)
}
