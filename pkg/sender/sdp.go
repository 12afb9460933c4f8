package sender

import (
	"fmt"
	"strconv"

	"github.com/arzzra/rtp_sender/pkg/rtp"
	"github.com/pion/sdp/v3"
)

// Caps параметры выходного RTP потока
type Caps struct {
	Media        string
	EncodingName string
	ClockRate    uint32
	Channels     uint32
	PayloadType  uint8
}

func capsFor(info rtp.PacketEncodingInfo, format StreamFormat) Caps {
	return Caps{
		Media:        "audio",
		EncodingName: info.EncodingName,
		ClockRate:    info.Encoding.Rate,
		Channels:     format.ChannelCount,
		PayloadType:  uint8(info.PayloadType),
	}
}

// String форматирует caps в виде application/x-rtp описания
func (c Caps) String() string {
	return fmt.Sprintf("application/x-rtp, media=%s, clock-rate=%d, encoding-name=%s, payload=%d, channels=%d",
		c.Media, c.ClockRate, c.EncodingName, c.PayloadType, c.Channels)
}

// SDPConfig параметры SDP описания исходящего потока
type SDPConfig struct {
	SessionID   uint64
	SessionName string
	Address     string // IPv4 адрес получателя
	RTPPort     int
	RTCPPort    int  // 0 = RTPPort+1
	RTCPMux     bool // RTCP в том же порту
}

// BuildSessionDescription строит SDP для потока с caps
func BuildSessionDescription(caps Caps, config SDPConfig) (*sdp.SessionDescription, error) {
	if config.RTPPort <= 0 || config.RTPPort > 65535 {
		return nil, fmt.Errorf("некорректный RTP порт: %d", config.RTPPort)
	}
	if config.Address == "" {
		return nil, fmt.Errorf("адрес обязателен")
	}
	if config.SessionName == "" {
		config.SessionName = "rtp_sender"
	}

	desc, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания базового SDP: %w", err)
	}

	desc.Origin = sdp.Origin{
		Username:       "-",
		SessionID:      config.SessionID,
		SessionVersion: config.SessionID,
		NetworkType:    "IN",
		AddressType:    "IP4",
		UnicastAddress: config.Address,
	}
	desc.SessionName = sdp.SessionName(config.SessionName)
	desc.ConnectionInformation = &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: "IP4",
		Address:     &sdp.Address{Address: config.Address},
	}
	desc.TimeDescriptions = []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}}
	// JSEP атрибуты не нужны для RTP/AVP
	desc.Attributes = nil

	audio := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  caps.Media,
			Port:   sdp.RangedPort{Value: config.RTPPort},
			Protos: []string{"RTP", "AVP"},
		},
	}
	audio = audio.WithCodec(caps.PayloadType, caps.EncodingName, caps.ClockRate, uint16(caps.Channels), "")
	audio = audio.WithPropertyAttribute("sendonly")

	switch {
	case config.RTCPMux:
		audio = audio.WithPropertyAttribute("rtcp-mux")
	case config.RTCPPort != 0 && config.RTCPPort != config.RTPPort+1:
		audio = audio.WithValueAttribute("rtcp", strconv.Itoa(config.RTCPPort))
	}

	return desc.WithMedia(audio), nil
}
