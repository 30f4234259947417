package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"guardtrack-engine/internal/config"
	"guardtrack-engine/internal/models"
	"guardtrack-engine/pkg/logger"
	"guardtrack-engine/pkg/redisx"

	"go.uber.org/zap"
)

// guardtrack-sim 向事件流发布合成遥测，用于端到端联调
// 模拟人员从围栏外向围栏中心移动，同时按周期发送健康采样和设备心跳
func main() {
	personID := flag.Int64("person", 1, "subject person id")
	deviceID := flag.String("device", "sim-device-1", "device id")
	interval := flag.Duration("interval", 2*time.Second, "publish interval")
	count := flag.Int("count", 0, "number of ticks to publish (0 = run until interrupted)")
	startLat := flag.Float64("lat", 10.01, "start latitude")
	startLng := flag.Float64("lng", 20.0, "start longitude")
	stepLat := flag.Float64("step", -0.0005, "latitude step per tick")
	panicAt := flag.Int("panic-at", 0, "tick at which to publish a panic event (0 = never)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level, "console", "guardtrack-sim")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	redisClient := redisx.NewRedisClient(&cfg.Redis)
	defer redisx.Close(redisClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := redisx.Ping(ctx, redisClient); err != nil {
		log.Fatal("Failed to ping redis",
			zap.Error(err),
		)
	}

	log.Info("Simulator started",
		zap.Int64("person_id", *personID),
		zap.String("device_id", *deviceID),
		zap.Duration("interval", *interval),
	)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	lat := *startLat
	tick := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("Simulator stopped")
			return
		case <-ticker.C:
			tick++
			now := time.Now()

			// 定位事件：每拍向围栏中心移动一步
			loc := models.LocationEvent{
				PersonID:  *personID,
				Latitude:  lat,
				Longitude: *startLng,
				Timestamp: now,
				DeviceID:  *deviceID,
			}
			if _, err := redisx.PublishJSONToStream(ctx, redisClient, cfg.Engine.Streams.Location, loc); err != nil {
				log.Error("Failed to publish location event",
					zap.Error(err),
				)
			}
			lat += *stepLat

			// 健康采样：心率在正常区间内抖动
			hr := 60 + rand.Intn(40)
			spo2 := 95 + rand.Intn(5)
			health := models.HealthEvent{
				PersonID:  *personID,
				HeartRate: &hr,
				SpO2:      &spo2,
				Timestamp: now,
				DeviceID:  *deviceID,
			}
			if _, err := redisx.PublishJSONToStream(ctx, redisClient, cfg.Engine.Streams.Health, health); err != nil {
				log.Error("Failed to publish health event",
					zap.Error(err),
				)
			}

			// 设备心跳
			battery := 100 - tick/10
			hb := models.DeviceHeartbeat{
				DeviceID:     *deviceID,
				PersonID:     *personID,
				LastSeen:     now,
				BatteryLevel: &battery,
				IsOnline:     true,
			}
			if _, err := redisx.PublishJSONToStream(ctx, redisClient, cfg.Engine.Streams.Heartbeat, hb); err != nil {
				log.Error("Failed to publish heartbeat",
					zap.Error(err),
				)
			}

			if *panicAt > 0 && tick == *panicAt {
				panicEv := models.PanicEvent{
					PersonID:  *personID,
					Latitude:  lat,
					Longitude: *startLng,
					Timestamp: now,
					DeviceID:  *deviceID,
				}
				if _, err := redisx.PublishJSONToStream(ctx, redisClient, cfg.Engine.Streams.Panic, panicEv); err != nil {
					log.Error("Failed to publish panic event",
						zap.Error(err),
					)
				}
				log.Info("Published panic event",
					zap.Int("tick", tick),
				)
			}

			log.Info("Published tick",
				zap.Int("tick", tick),
				zap.Float64("lat", loc.Latitude),
				zap.Int("heart_rate", hr),
			)

			if *count > 0 && tick >= *count {
				log.Info("Simulator finished",
					zap.Int("ticks", tick),
				)
				return
			}
		}
	}
}
