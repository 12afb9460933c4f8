package rtp

import (
	"fmt"
	"time"

	"github.com/pion/rtcp"
)

// FeedbackStats сведения о нашей передаче, полученные от приемника через RTCP
type FeedbackStats struct {
	ReportsReceived  uint64    // Сколько reception report о нашем SSRC получено
	FractionLost     uint8     // Доля потерь из последнего отчета (1/256)
	CumulativeLost   uint32    // Суммарные потери
	HighestSeqNum    uint32    // Расширенный максимальный номер
	Jitter           uint32    // Джиттер в единицах RTP clock
	RemoteSSRC       uint32    // SSRC отправителя отчета
	RemoteCNAME      string    // CNAME приемника из SDES
	ByeReceived      bool      // Приемник покинул сессию
	LastReportAt     time.Time // Время обработки последнего отчета
	MalformedPackets uint64    // Пакеты, которые не удалось разобрать
}

// NTPTimestamp конвертирует время в NTP timestamp согласно RFC 3550
func NTPTimestamp(t time.Time) uint64 {
	ntpEpoch := time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	duration := t.Sub(ntpEpoch)

	seconds := uint64(duration / time.Second)
	fraction := uint64(duration%time.Second) * (1 << 32) / uint64(time.Second)

	return (seconds << 32) | fraction
}

// buildSenderReport собирает составной RTCP пакет SR + SDES(CNAME)
func buildSenderReport(ssrc uint32, cname string, now time.Time, rtpTime, packets, octets uint32) ([]byte, error) {
	compound := []rtcp.Packet{
		&rtcp.SenderReport{
			SSRC:        ssrc,
			NTPTime:     NTPTimestamp(now),
			RTPTime:     rtpTime,
			PacketCount: packets,
			OctetCount:  octets,
		},
		&rtcp.SourceDescription{
			Chunks: []rtcp.SourceDescriptionChunk{{
				Source: ssrc,
				Items: []rtcp.SourceDescriptionItem{{
					Type: rtcp.SDESCNAME,
					Text: cname,
				}},
			}},
		},
	}

	data, err := rtcp.Marshal(compound)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации sender report: %w", err)
	}
	return data, nil
}

// buildGoodbye собирает BYE для нашего SSRC
func buildGoodbye(ssrc uint32, reason string) ([]byte, error) {
	data, err := rtcp.Marshal([]rtcp.Packet{&rtcp.Goodbye{
		Sources: []uint32{ssrc},
		Reason:  reason,
	}})
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации BYE: %w", err)
	}
	return data, nil
}

// applyFeedback разбирает составной RTCP пакет и обновляет статистику.
// Возвращает число отчетов о нашем SSRC.
func applyFeedback(stats *FeedbackStats, ssrc uint32, data []byte, now time.Time) (int, error) {
	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		stats.MalformedPackets++
		return 0, fmt.Errorf("ошибка разбора RTCP: %w", err)
	}

	matched := 0
	applyReports := func(sender uint32, reports []rtcp.ReceptionReport) {
		for _, report := range reports {
			if report.SSRC != ssrc {
				continue
			}
			stats.ReportsReceived++
			stats.FractionLost = report.FractionLost
			stats.CumulativeLost = report.TotalLost
			stats.HighestSeqNum = report.LastSequenceNumber
			stats.Jitter = report.Jitter
			stats.RemoteSSRC = sender
			stats.LastReportAt = now
			matched++
		}
	}

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			applyReports(p.SSRC, p.Reports)
		case *rtcp.SenderReport:
			applyReports(p.SSRC, p.Reports)
		case *rtcp.SourceDescription:
			for _, chunk := range p.Chunks {
				for _, item := range chunk.Items {
					if item.Type == rtcp.SDESCNAME {
						stats.RemoteCNAME = item.Text
					}
				}
			}
		case *rtcp.Goodbye:
			stats.ByeReceived = true
			logf(LogInfo, "rtcp", "goodbye received: sources=%v reason=%q", p.Sources, p.Reason)
		default:
			logf(LogTrace, "rtcp", "ignoring rtcp packet %T", packet)
		}
	}

	return matched, nil
}
