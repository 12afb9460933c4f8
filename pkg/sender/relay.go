package sender

import (
	"log/slog"

	"github.com/arzzra/rtp_sender/pkg/rtp"
)

// Relay передает входящие RTCP пакеты в управляющий интерфейс энкодера.
// Может вызываться параллельно с Pump.
type Relay struct {
	session *EncoderSession
	logger  *slog.Logger
	metrics *Metrics
}

// OnFeedbackPacket передает пакет обратной связи в энкодер.
// Потеря обратной связи допустима, поэтому ошибки только журналируются и считаются.
func (r *Relay) OnFeedbackPacket(data []byte) error {
	r.session.withEncoder(func(encoder Encoder, controlActive bool) {
		if encoder == nil || !controlActive {
			r.logger.Debug("control interface inactive, dropping feedback", slog.Int("size", len(data)))
			r.metrics.feedbackResult(feedbackInactive)
			return
		}

		if len(data) == 0 {
			r.logger.Warn("empty feedback packet")
			r.metrics.feedbackResult(feedbackEmpty)
			return
		}

		buf := make([]byte, len(data))
		copy(buf, data)

		if err := encoder.PushFeedbackPacket(rtp.InterfaceAudioControl, buf); err != nil {
			r.logger.Warn("failed to push feedback packet", slog.Int("size", len(buf)), slog.Any("error", err))
			r.metrics.feedbackResult(feedbackFailed)
			return
		}
		r.metrics.feedbackResult(feedbackForwarded)
	})
	return nil
}
