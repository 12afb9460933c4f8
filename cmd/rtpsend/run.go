package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/arzzra/rtp_sender/pkg/audio"
	"github.com/arzzra/rtp_sender/pkg/logbridge"
	"github.com/arzzra/rtp_sender/pkg/rtp"
	"github.com/arzzra/rtp_sender/pkg/sender"
	"github.com/arzzra/rtp_sender/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// networkSink общий интерфейс UDP и DTLS получателей
type networkSink interface {
	sender.PacketSink
	Start(ctx context.Context, handler transport.FeedbackHandler) error
	Statistics() transport.Statistics
	Close() error
}

func newLogger(opts Options, w io.Writer) *slog.Logger {
	level, _ := parseLogLevel(opts.LogLevel)
	handlerOpts := &slog.HandlerOptions{Level: level}
	if opts.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func openSink(ctx context.Context, opts Options, logger *slog.Logger) (networkSink, error) {
	if opts.Transport != "dtls" {
		return transport.NewUDPSink(ctx, opts.transportConfig(), logger)
	}

	config := transport.DefaultDTLSConfig()
	config.Config = opts.transportConfig()
	config.RTCPRemoteAddr = ""
	config.InsecureSkipVerify = opts.DTLSInsecure
	if opts.DTLSCert != "" {
		cert, err := tls.LoadX509KeyPair(opts.DTLSCert, opts.DTLSKey)
		if err != nil {
			return nil, fmt.Errorf("ошибка загрузки сертификата DTLS: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}
	return transport.NewDTLSSink(ctx, config, logger)
}

func openSource(opts Options) (audio.Source, io.Closer, error) {
	if opts.Source == "tone" {
		config := audio.DefaultToneConfig()
		config.Frequency = opts.Frequency
		config.SampleRate = opts.Rate
		config.Channels = opts.Channels
		config.ChunkDuration = opts.Chunk
		config.Duration = opts.Duration
		source, err := audio.NewToneSource(config)
		return source, io.NopCloser(nil), err
	}

	var r io.ReadCloser = os.Stdin
	if opts.Input != "-" {
		f, err := os.Open(opts.Input)
		if err != nil {
			return nil, nil, fmt.Errorf("ошибка открытия входного файла: %w", err)
		}
		r = f
	}
	source, err := audio.NewRawSource(r, opts.Rate, opts.Channels, opts.Chunk)
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	return source, r, nil
}

func startMetricsServer(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	logger.Info("metrics endpoint started", slog.String("addr", addr))
	return server
}

func printSDP(s *sender.Sender, opts Options, out io.Writer) error {
	host, rtpPort, rtcpPort, err := opts.remotePorts()
	if err != nil {
		return err
	}
	desc, err := s.SessionDescription(sender.SDPConfig{
		SessionID:   uint64(time.Now().Unix()),
		SessionName: "rtpsend",
		Address:     host,
		RTPPort:     rtpPort,
		RTCPPort:    rtcpPort,
		RTCPMux:     opts.RTCPMux || opts.Transport == "dtls",
	})
	if err != nil {
		return err
	}
	data, err := desc.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка сериализации SDP: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func run(ctx context.Context, opts Options, out io.Writer) error {
	logger := newLogger(opts, os.Stderr)
	level, _ := parseLogLevel(opts.LogLevel)
	logbridge.Install(logger, level)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := sender.NewMetrics(reg, sender.DefaultMetricsConfig())

	if opts.MetricsAddr != "" {
		server := startMetricsServer(opts.MetricsAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	sink, err := openSink(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	source, closer, err := openSource(opts)
	if err != nil {
		return err
	}
	defer closer.Close()

	s, err := sender.New(sink, sender.Config{
		PacketEncoding: rtp.PacketEncoding(opts.PacketEncoding),
		PacketLength:   opts.PacketLength,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	for _, change := range []sender.StateChange{sender.NullToReady, sender.ReadyToPaused} {
		_ = s.ChangeState(change)
	}

	if opts.RTCP {
		if err := s.RequestControlChannel(sender.ControlOutbound); err != nil {
			return err
		}
		if err := s.RequestControlChannel(sender.ControlInbound); err != nil {
			return err
		}
		if err := sink.Start(ctx, s.OnFeedbackPacket); err != nil {
			return err
		}
	}

	tag, rate, channels := source.Format()
	if err := s.OnFormatNegotiated(tag, rate, channels); err != nil {
		return err
	}
	if opts.PrintSDP {
		if err := printSDP(s, opts, out); err != nil {
			return err
		}
	}

	_ = s.ChangeState(sender.PausedToPlaying)
	err = pace(ctx, s, source, logger)

	_ = s.ChangeState(sender.PlayingToPaused)
	_ = s.ChangeState(sender.PausedToReady)
	_ = s.ChangeState(sender.ReadyToNull)

	stats := sink.Statistics()
	logger.Info("stream finished",
		slog.Uint64("packets_sent", stats.PacketsSent),
		slog.Uint64("bytes_sent", stats.BytesSent),
		slog.Uint64("feedback_received", stats.PacketsReceived),
		slog.Duration("uptime", stats.GetUptime()))
	return err
}

// pace отдает порции в темпе реального времени
func pace(ctx context.Context, s *sender.Sender, source audio.Source, logger *slog.Logger) error {
	ticker := time.NewTicker(source.ChunkDuration())
	defer ticker.Stop()

	for {
		chunk, err := source.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ошибка чтения источника: %w", err)
		}

		if _, err := s.OnAudioChunk(chunk); err != nil {
			if !sender.IsChunkScoped(err) {
				return err
			}
			logger.Warn("chunk dropped", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
