package main

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/arzzra/rtp_sender/pkg/logbridge"
	"github.com/arzzra/rtp_sender/pkg/rtp"
	"github.com/arzzra/rtp_sender/pkg/transport"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix префикс переменных окружения: RTPSEND_REMOTE, RTPSEND_RTCP_MUX...
const envPrefix = "RTPSEND"

// Options параметры запуска
type Options struct {
	Remote     string
	Local      string
	RTCPRemote string
	RTCPMux    bool
	DSCP       int
	ReusePort  bool
	Device     string

	Transport    string // udp | dtls
	DTLSCert     string
	DTLSKey      string
	DTLSInsecure bool

	Source    string // tone | file
	Input     string // путь к файлу, "-" = stdin
	Rate      int
	Channels  int
	Frequency float64
	Duration  time.Duration
	Chunk     time.Duration

	PacketEncoding int
	PacketLength   time.Duration
	RTCP           bool

	MetricsAddr string
	PrintSDP    bool
	LogLevel    string
	LogFormat   string // text | json
}

// setDefaults значения по умолчанию
func setDefaults(v *viper.Viper) {
	v.SetDefault("local", ":0")
	v.SetDefault("rtcp-mux", false)
	v.SetDefault("dscp", transport.DSCPExpeditedForwarding)
	v.SetDefault("transport", "udp")
	v.SetDefault("source", "tone")
	v.SetDefault("input", "-")
	v.SetDefault("rate", 44100)
	v.SetDefault("channels", 2)
	v.SetDefault("frequency", 440.0)
	v.SetDefault("duration", time.Duration(0))
	v.SetDefault("chunk", 10*time.Millisecond)
	v.SetDefault("packet-encoding", int(rtp.PacketEncodingAuto))
	v.SetDefault("packet-length", time.Duration(0))
	v.SetDefault("rtcp", true)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "text")
}

// registerFlags объявляет флаги команды
func registerFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "YAML файл конфигурации")
	flags.String("remote", "", "адрес получателя RTP (host:port)")
	flags.String("local", ":0", "локальный адрес RTP сокета")
	flags.String("rtcp-remote", "", "адрес получателя RTCP, по умолчанию порт RTP + 1")
	flags.Bool("rtcp-mux", false, "RTP и RTCP в одном порту")
	flags.Int("dscp", transport.DSCPExpeditedForwarding, "DSCP маркировка пакетов")
	flags.Bool("reuse-port", false, "включить SO_REUSEPORT")
	flags.String("device", "", "привязать сокеты к сетевому интерфейсу")
	flags.String("transport", "udp", "транспорт: udp или dtls")
	flags.String("dtls-cert", "", "PEM сертификат DTLS клиента")
	flags.String("dtls-key", "", "PEM ключ DTLS клиента")
	flags.Bool("dtls-insecure", false, "не проверять сертификат сервера DTLS")
	flags.String("source", "tone", "источник звука: tone или file")
	flags.String("input", "-", "файл F32LE для source=file, - для stdin")
	flags.Int("rate", 44100, "частота дискретизации")
	flags.Int("channels", 2, "число каналов")
	flags.Float64("frequency", 440, "частота тона, Гц")
	flags.Duration("duration", 0, "длительность тона, 0 = до прерывания")
	flags.Duration("chunk", 10*time.Millisecond, "длительность порции")
	flags.Int("packet-encoding", 0, "идентификатор кодировки пакетов, 0 = автоматически")
	flags.Duration("packet-length", 0, "длительность пакета, 0 = по умолчанию")
	flags.Bool("rtcp", true, "отправлять отчеты и принимать обратную связь")
	flags.String("metrics-addr", "", "адрес HTTP сервера Prometheus метрик, например :9090")
	flags.Bool("sdp", false, "вывести SDP описание потока")
	flags.String("log-level", "info", "уровень журнала: trace, debug, info, warn, error")
	flags.String("log-format", "text", "формат журнала: text или json")
}

// newViper связывает флаги, окружение и файл конфигурации
func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("ошибка привязки флагов: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("ошибка чтения конфигурации %s: %w", path, err)
		}
	}
	return v, nil
}

// loadOptions собирает и проверяет параметры
func loadOptions(v *viper.Viper) (Options, error) {
	opts := Options{
		Remote:         v.GetString("remote"),
		Local:          v.GetString("local"),
		RTCPRemote:     v.GetString("rtcp-remote"),
		RTCPMux:        v.GetBool("rtcp-mux"),
		DSCP:           v.GetInt("dscp"),
		ReusePort:      v.GetBool("reuse-port"),
		Device:         v.GetString("device"),
		Transport:      strings.ToLower(v.GetString("transport")),
		DTLSCert:       v.GetString("dtls-cert"),
		DTLSKey:        v.GetString("dtls-key"),
		DTLSInsecure:   v.GetBool("dtls-insecure"),
		Source:         strings.ToLower(v.GetString("source")),
		Input:          v.GetString("input"),
		Rate:           v.GetInt("rate"),
		Channels:       v.GetInt("channels"),
		Frequency:      v.GetFloat64("frequency"),
		Duration:       v.GetDuration("duration"),
		Chunk:          v.GetDuration("chunk"),
		PacketEncoding: v.GetInt("packet-encoding"),
		PacketLength:   v.GetDuration("packet-length"),
		RTCP:           v.GetBool("rtcp"),
		MetricsAddr:    v.GetString("metrics-addr"),
		PrintSDP:       v.GetBool("sdp"),
		LogLevel:       v.GetString("log-level"),
		LogFormat:      strings.ToLower(v.GetString("log-format")),
	}
	return opts, opts.Validate()
}

// Validate проверяет параметры
func (o Options) Validate() error {
	if o.Remote == "" {
		return fmt.Errorf("не задан адрес получателя (--remote)")
	}
	if _, _, err := net.SplitHostPort(o.Remote); err != nil {
		return fmt.Errorf("некорректный адрес получателя %q: %w", o.Remote, err)
	}
	switch o.Transport {
	case "udp":
	case "dtls":
		if (o.DTLSCert == "") != (o.DTLSKey == "") {
			return fmt.Errorf("сертификат и ключ DTLS задаются вместе")
		}
		if o.DTLSCert == "" && !o.DTLSInsecure {
			return fmt.Errorf("для DTLS нужен сертификат или --dtls-insecure")
		}
	default:
		return fmt.Errorf("неизвестный транспорт %q", o.Transport)
	}
	switch o.Source {
	case "tone", "file":
	default:
		return fmt.Errorf("неизвестный источник %q", o.Source)
	}
	if o.Rate <= 0 || o.Channels <= 0 {
		return fmt.Errorf("частота и число каналов должны быть положительными")
	}
	if o.Chunk <= 0 {
		return fmt.Errorf("длительность порции должна быть положительной")
	}
	if o.PacketEncoding < 0 || o.PacketLength < 0 {
		return fmt.Errorf("параметры пакетов не могут быть отрицательными")
	}
	if _, err := parseLogLevel(o.LogLevel); err != nil {
		return err
	}
	if o.LogFormat != "text" && o.LogFormat != "json" {
		return fmt.Errorf("неизвестный формат журнала %q", o.LogFormat)
	}
	return nil
}

// transportConfig конфигурация сокетов
func (o Options) transportConfig() transport.Config {
	config := transport.DefaultConfig()
	config.LocalAddr = o.Local
	config.RemoteAddr = o.Remote
	config.RTCPRemoteAddr = o.RTCPRemote
	config.RTCPMux = o.RTCPMux || o.Transport == "dtls"
	config.DSCP = o.DSCP
	config.ReusePort = o.ReusePort
	config.BindToDevice = o.Device
	return config
}

// remotePorts хост и порты получателя для SDP
func (o Options) remotePorts() (host string, rtpPort, rtcpPort int, err error) {
	host, portStr, err := net.SplitHostPort(o.Remote)
	if err != nil {
		return "", 0, 0, err
	}
	if rtpPort, err = strconv.Atoi(portStr); err != nil {
		return "", 0, 0, fmt.Errorf("некорректный порт %q: %w", portStr, err)
	}
	if o.RTCPRemote != "" {
		_, rtcpStr, err := net.SplitHostPort(o.RTCPRemote)
		if err != nil {
			return "", 0, 0, err
		}
		if rtcpPort, err = strconv.Atoi(rtcpStr); err != nil {
			return "", 0, 0, fmt.Errorf("некорректный порт %q: %w", rtcpStr, err)
		}
	}
	return host, rtpPort, rtcpPort, nil
}

// parseLogLevel разбирает уровень журнала, включая trace
func parseLogLevel(s string) (slog.Level, error) {
	if strings.EqualFold(s, "trace") {
		return logbridge.LevelTrace, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("неизвестный уровень журнала %q", s)
	}
	return level, nil
}
