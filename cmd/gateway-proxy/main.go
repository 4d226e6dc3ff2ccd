package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	gateway "github.com/poketwo/gateway-proxy"
	mqclients "github.com/poketwo/gateway-proxy/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"
)

// MQProducerProvider bridges the proxy's producer interface onto a
// messaging client selected by name.
type MQProducerProvider struct {
	mqType      string
	channelName string
	args        map[string]any
}

func NewMQProducerProvider(mqType, channelName string, args map[string]any) *MQProducerProvider {
	return &MQProducerProvider{
		mqType:      mqType,
		channelName: channelName,
		args:        args,
	}
}

func (p *MQProducerProvider) GetProducer(ctx context.Context, applicationIdentifier, clientName string) (gateway.Producer, error) {
	client, err := mqclients.NewMQClient(p.mqType)
	if err != nil {
		return nil, fmt.Errorf("failed to create mq client: %w", err)
	}

	if err := client.Connect(ctx, clientName, p.args); err != nil {
		return nil, fmt.Errorf("failed to connect mq client: %w", err)
	}

	return &MQProducer{
		client:      client,
		channelName: p.channelName,
	}, nil
}

type MQProducer struct {
	client      mqclients.MQClient
	channelName string
}

func (p *MQProducer) Publish(ctx context.Context, shard *gateway.Shard, payload *gateway.ProducedPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	return p.client.Publish(ctx, p.channelName, data)
}

func (p *MQProducer) Close() error {
	p.client.Close()

	return nil
}

func main() {
	configPath := flag.String("config", "config.json", "path to the configuration file")
	mqType := flag.String("mqType", "jetstream", "producer transport (jetstream, kafka, redis, websocket)")
	mqChannel := flag.String("mqChannel", "gateway", "channel or topic produced events are published to")
	mqArgs := flag.String("mqArgs", `{"Address":"localhost:4222","Channel":"gateway"}`, "JSON arguments passed to the producer transport")
	prometheusAddress := flag.String("prometheusAddress", ":10000", "address the prometheus endpoint listens on")
	logLevel := flag.String("level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	_ = godotenv.Load()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}

	writer := io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   "logs/gateway-proxy.log",
		MaxSize:    25,
		MaxBackups: 5,
		MaxAge:     7,
	})

	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	var args map[string]any
	if err := json.Unmarshal([]byte(*mqArgs), &args); err != nil {
		logger.Error("Failed to parse mq arguments", "error", err)
		os.Exit(1)
	}

	go func() {
		http.ListenAndServe(":6060", nil)
	}()

	proxy := gateway.NewProxy(
		logger,

		gateway.NewConfigProviderFromPath(*configPath),

		gateway.NewProxyClient(*http.DefaultClient, url.URL{
			Scheme: "https",
			Host:   "discord.com",
		}),

		gateway.NewEventProviderWithBlacklist(gateway.NewBuiltinDispatchProvider(true)),

		NewMQProducerProvider(*mqType, *mqChannel, args),
	).WithDedupeProvider(
		gateway.NewInMemoryDedupeProvider(),
	).WithPanicHandler(func(_ *gateway.Proxy, r any) {
		slog.Error("Panic occurred", "error", r)

		stackTrace := debug.Stack()
		println(string(stackTrace))

		filename := fmt.Sprintf("logs/panic_%s.log", time.Now().Format("2006-01-02_15-04-05"))

		if err := os.MkdirAll("logs", 0o755); err != nil {
			slog.Error("Failed to create logs directory", "error", err)
		}

		if err := os.WriteFile(filename, stackTrace, 0o600); err != nil {
			slog.Error("Failed to write stack trace to file", "error", err)
		}
	}).WithPrometheusAnalytics(
		&http.Server{
			Addr:              *prometheusAddress,
			WriteTimeout:      time.Second * 10,
			ReadTimeout:       time.Second * 10,
			ReadHeaderTimeout: time.Second * 10,
			IdleTimeout:       time.Second * 10,
			ErrorLog:          slog.NewLogLogger(slog.With("service", "prometheus").Handler(), slog.LevelError),
		},
		prometheus.NewPedanticRegistry(),
		promhttp.HandlerOpts{},
	)

	ctx, cancel := context.WithCancel(context.Background())

	if err := proxy.Start(ctx); err != nil {
		logger.Error("Failed to start gateway proxy", "error", err)
		cancel()
		os.Exit(1)
	}

	go func() {
		for event := range proxy.Lifecycle() {
			slog.Debug("Lifecycle event", "shard_id", event.ShardID, "event", event)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	proxy.Stop(ctx)

	cancel()
}
