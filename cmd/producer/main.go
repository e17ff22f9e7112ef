package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pratilipi/channel-client-go/channel"
	"github.com/pratilipi/channel-client-go/lease"
	"github.com/pratilipi/channel-client-go/producer"
	"github.com/pratilipi/channel-client-go/sender"
	"github.com/pratilipi/channel-client-go/transport/grpctransport"
)

const (
	defaultEventID      = "bench-event"
	defaultStreamID     = "bench-stream"
	defaultPlatformAddr = "localhost:7443"
	defaultRedisAddr    = "localhost:6379"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ch, err := channel.New(env("EVENT_ID", defaultEventID), env("STREAM_ID", defaultStreamID))
	if err != nil {
		slog.Error("invalid channel", slog.Any("err", err))
		return
	}
	platformAddr := env("PLATFORM_ADDR", defaultPlatformAddr)
	redisAddr := env("REDIS_ADDR", defaultRedisAddr)
	senderID := env("SENDER_ID", channel.NewIdentity())
	leaseTerm := time.Duration(envInt("LEASE_TERM_SECONDS", 30)) * time.Second
	payloadBytes := envInt("PAYLOAD_BYTES", 1024)
	rate := envInt("PACKETS_PER_SECOND", 100)
	startOffset := int64(envInt("START_OFFSET", 0))

	slog.Info("producer config",
		slog.String("channel", ch.String()),
		slog.String("platform", platformAddr),
		slog.String("redis", redisAddr),
		slog.String("sender", senderID),
		slog.Duration("lease_term", leaseTerm),
		slog.Int("payload_bytes", payloadBytes),
		slog.Int("packets_per_second", rate))

	conn, err := grpc.NewClient(platformAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		slog.Error("dial platform", slog.Any("err", err))
		return
	}
	defer conn.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer redisClient.Close()

	leases, err := lease.NewManager(lease.NewRedisBackend(redisClient, "channel:lease"), lease.Config{
		Channel:  ch,
		Lessee:   senderID,
		Type:     channel.LeaseWriter,
		Duration: leaseTerm,
		Logger:   slog.Default(),
	})
	if err != nil {
		slog.Error("create lease manager", slog.Any("err", err))
		return
	}

	dialer := &sender.Dialer{
		Transport: grpctransport.New(conn),
		Options:   sender.Options{Channel: ch, Logger: slog.Default()},
		Leases:    leases,
	}
	p, err := producer.New(producer.Config{Channel: ch, Logger: slog.Default()}, producer.EngineDialer(dialer), producer.WithLeaseManager(leases))
	if err != nil {
		slog.Error("create producer", slog.Any("err", err))
		return
	}

	packets := make(chan channel.Packet)
	go generate(ctx, packets, startOffset, payloadBytes, rate)
	go logProducerMetrics(ctx, p, payloadBytes)

	if err := p.Run(ctx, packets); err != nil {
		slog.Error("producer stopped", slog.Any("err", err))
		return
	}
	slog.Info("producer stopping", slog.Any("reason", ctx.Err()), slog.Int64("sent", p.Sent()))
}

func generate(ctx context.Context, out chan<- channel.Packet, offset int64, payloadBytes, rate int) {
	defer close(out)
	if rate < 1 {
		rate = 1
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	payload := make([]byte, payloadBytes)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		select {
		case out <- channel.Packet{Offset: offset, Payload: payload}:
			offset++
		case <-ctx.Done():
			return
		}
	}
}

func logProducerMetrics(ctx context.Context, p *producer.Producer, payloadBytes int) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var lastSent int64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := p.Sent()
			delta := cur - lastSent
			lastSent = cur

			pps := float64(delta) / 5.0
			mbps := float64(delta*int64(payloadBytes)) / (1024.0 * 1024.0) / 5.0

			slog.Info("producer throughput",
				slog.Float64("packets_per_sec", pps),
				slog.Float64("mb_per_sec", mbps),
				slog.Int64("total_packets", cur),
				slog.Int64("failed_packets", p.Failed()))
		}
	}
}

func env(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func envInt(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("invalid int env; using default", slog.String("key", key), slog.String("value", val), slog.Int("default", def))
		return def
	}
	return parsed
}
