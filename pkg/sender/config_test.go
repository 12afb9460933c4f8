package sender

import (
	"errors"
	"testing"
	"time"

	"github.com/arzzra/rtp_sender/pkg/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStreamFormat(t *testing.T) {
	tests := []struct {
		name     string
		tag      string
		rate     int
		channels int
		layout   ChannelLayout
		wantErr  bool
	}{
		{"моно", "F32LE", 44100, 1, ChannelLayoutMono, false},
		{"стерео", "F32LE", 48000, 2, ChannelLayoutStereo, false},
		{"шесть каналов", "F32LE", 48000, 6, ChannelLayoutMultitrack, false},
		{"8 бит", "U8", 44100, 2, 0, true},
		{"big endian", "F32BE", 44100, 2, 0, true},
		{"нулевая частота", "F32LE", 0, 2, 0, true},
		{"без каналов", "F32LE", 44100, 0, 0, true},
		{"предел пакета", "F32LE", 48000, rtp.MaxPacketChannels, ChannelLayoutMultitrack, false},
		{"больше предела пакета", "F32LE", 48000, rtp.MaxPacketChannels + 1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			format, err := ParseStreamFormat(tt.tag, tt.rate, tt.channels)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, HasErrorCode(err, ErrorCodeUnsupportedFormat))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.layout, format.Layout)
			assert.Equal(t, uint32(tt.rate), format.SampleRate)
			assert.Equal(t, uint32(tt.channels), format.ChannelCount)
			assert.Equal(t, SampleFormatF32LE, format.Format)
		})
	}
}

func TestStreamFormat_MediaEncoding(t *testing.T) {
	format, err := ParseStreamFormat("F32LE", 48000, 6)
	require.NoError(t, err)

	enc := format.mediaEncoding()
	assert.Equal(t, rtp.ChannelLayoutMultitrack, enc.Channels)
	assert.Equal(t, uint32(6), enc.Tracks, "число дорожек равно числу каналов")
	assert.Equal(t, rtp.SubformatPCMFloat32LE, enc.Subformat)
	assert.NoError(t, enc.Validate())

	assert.Equal(t, 24, format.FrameSize())
	assert.Equal(t, 10*time.Millisecond, format.Duration(480*24))
}

func TestSessionConfig_FormatRejectionKeepsState(t *testing.T) {
	var config SessionConfig
	_, err := config.OnFormatNegotiated("F32LE", 44100, 2)
	require.NoError(t, err)
	before := config

	_, err = config.OnFormatNegotiated("S16LE", 8000, 1)
	require.Error(t, err)
	assert.Equal(t, before, config)
}

func TestSessionConfig_ControlRequests(t *testing.T) {
	var config SessionConfig
	assert.False(t, config.ControlRequested())

	require.NoError(t, config.OnControlChannelRequested(ControlInbound))
	assert.True(t, config.ControlRequested())

	err := config.OnControlChannelRequested(ControlInbound)
	var senderErr *SenderError
	require.True(t, errors.As(err, &senderErr))
	assert.Equal(t, ErrorCodeDuplicateRequest, senderErr.Code)
	assert.Equal(t, "inbound", senderErr.GetContext("direction"))

	config.OnControlChannelReleased(ControlOutbound)
	assert.True(t, config.ControlInRequested, "освобождение другого направления ничего не меняет")

	config.OnControlChannelReleased(ControlInbound)
	assert.False(t, config.ControlRequested())

	assert.Error(t, config.OnControlChannelRequested(ControlDirection(42)))
}

func TestSenderError(t *testing.T) {
	cause := errors.New("boom")
	err := newSenderError(ErrorCodeEncoderOpenFailed, "не удалось открыть энкодер", cause).with("rate", 44100)

	assert.Contains(t, err.Error(), "EncoderOpenFailed")
	assert.Contains(t, err.Error(), "boom")
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, &SenderError{Code: ErrorCodeEncoderOpenFailed})
	assert.NotErrorIs(t, err, &SenderError{Code: ErrorCodeFrameRejected})
	assert.Equal(t, 44100, err.GetContext("rate"))
	assert.Nil(t, err.GetContext("missing"))
	assert.False(t, IsChunkScoped(err))
	assert.True(t, IsChunkScoped(newSenderError(ErrorCodeOutputMapFailed, "x", nil)))
	assert.Equal(t, "Unknown(1)", SenderErrorCode(1).String())
}
