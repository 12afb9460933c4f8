package sender

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig конфигурация Prometheus метрик отправителя
type MetricsConfig struct {
	// Namespace префикс для Prometheus метрик
	Namespace string

	// Subsystem подсистема для Prometheus метрик
	Subsystem string

	// ConstLabels метки, различающие несколько отправителей в одном реестре
	ConstLabels prometheus.Labels
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "rtp",
		Subsystem: "sender",
	}
}

// Metrics счетчики отправителя.
//
// Регистрируются в переданном реестре; при nil реестре метрики создаются
// без регистрации и доступны только через testutil или Collectors.
type Metrics struct {
	chunks        *prometheus.CounterVec
	packets       *prometheus.CounterVec
	bytes         *prometheus.CounterVec
	feedback      *prometheus.CounterVec
	resyncs       *prometheus.CounterVec
	builds        *prometheus.CounterVec
	encoderActive prometheus.Gauge
}

// Значения меток
const (
	chunkPushed   = "pushed"
	chunkDropped  = "dropped"
	chunkRejected = "rejected"
	chunkFailed   = "failed"

	channelMedia   = "media"
	channelControl = "control"

	feedbackForwarded = "forwarded"
	feedbackInactive  = "inactive"
	feedbackEmpty     = "empty"
	feedbackFailed    = "failed"

	clockPTS = "pts"
	clockDTS = "dts"

	buildOK = "ok"
)

// NewMetrics создает метрики и регистрирует их в reg
func NewMetrics(reg prometheus.Registerer, config MetricsConfig) *Metrics {
	factory := promauto.With(reg)
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}
	}

	return &Metrics{
		chunks: factory.NewCounterVec(
			opts("chunks_total", "Audio chunks delivered by the host, by result"),
			[]string{"result"},
		),
		packets: factory.NewCounterVec(
			opts("packets_emitted_total", "Packets emitted downstream"),
			[]string{"channel"},
		),
		bytes: factory.NewCounterVec(
			opts("bytes_emitted_total", "Bytes emitted downstream"),
			[]string{"channel"},
		),
		feedback: factory.NewCounterVec(
			opts("feedback_packets_total", "Inbound feedback packets, by result"),
			[]string{"result"},
		),
		resyncs: factory.NewCounterVec(
			opts("timestamp_resync_total", "Output clock resynchronizations to the input timeline"),
			[]string{"clock"},
		),
		builds: factory.NewCounterVec(
			opts("encoder_builds_total", "Encoder builds, by result"),
			[]string{"result"},
		),
		encoderActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "encoder_active",
			Help:        "1 while an encoder is built and media-activated",
			ConstLabels: config.ConstLabels,
		}),
	}
}

func (m *Metrics) chunk(result string) {
	m.chunks.WithLabelValues(result).Inc()
}

func (m *Metrics) packet(channel string, size int) {
	m.packets.WithLabelValues(channel).Inc()
	m.bytes.WithLabelValues(channel).Add(float64(size))
}

func (m *Metrics) feedbackResult(result string) {
	m.feedback.WithLabelValues(result).Inc()
}

func (m *Metrics) resync(clock string) {
	m.resyncs.WithLabelValues(clock).Inc()
}

func (m *Metrics) build(err error) {
	result := buildOK
	if code, ok := GetErrorCode(err); ok {
		result = code.String()
	} else if err != nil {
		result = "error"
	}
	m.builds.WithLabelValues(result).Inc()
}

func (m *Metrics) setEncoderActive(active bool) {
	if active {
		m.encoderActive.Set(1)
	} else {
		m.encoderActive.Set(0)
	}
}
