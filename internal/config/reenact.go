package config

import (
	reenactService "FacePoke/internal/api/reenact/service"
	websocketPkg "FacePoke/pkg/websocket"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultTransformServiceURL = "ws://localhost:8080/ws"

// ReenactConfig collects the environment settings of the reenact domain.
type ReenactConfig struct {
	Service   reenactService.Config
	Transform websocketPkg.Config
}

func NewReenactConfig(log *logrus.Logger) ReenactConfig {
	url := os.Getenv("TRANSFORM_SERVICE_URL")
	if url == "" {
		url = defaultTransformServiceURL
	}

	svc := reenactService.DefaultConfig()
	svc.Composite = envBool(log, "COMPOSITE_HEAD", svc.Composite)
	svc.Compositor.FeatherWidth = envFloat(log, "FEATHER_WIDTH", svc.Compositor.FeatherWidth)
	svc.Latency.Min = envMillis(log, "MIN_LATENCY_MS", svc.Latency.Min)
	svc.Latency.Average = envMillis(log, "AVERAGE_LATENCY_MS", svc.Latency.Average)
	svc.Latency.Max = envMillis(log, "MAX_LATENCY_MS", svc.Latency.Max)
	svc.CacheTTL = envDuration(log, "SESSION_CACHE_TTL", svc.CacheTTL)

	if svc.Latency.Min > svc.Latency.Max {
		log.WithFields(logrus.Fields{
			"min": svc.Latency.Min,
			"max": svc.Latency.Max,
		}).Warn("MIN_LATENCY_MS exceeds MAX_LATENCY_MS, swapping")
		svc.Latency.Min, svc.Latency.Max = svc.Latency.Max, svc.Latency.Min
	}

	return ReenactConfig{
		Service:   svc,
		Transform: websocketPkg.DefaultConfig(url),
	}
}

func envBool(log *logrus.Logger, key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.WithFields(logrus.Fields{"key": key, "value": raw}).Warn("Invalid boolean, using default")
		return fallback
	}
	return v
}

func envFloat(log *logrus.Logger, key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		log.WithFields(logrus.Fields{"key": key, "value": raw}).Warn("Invalid number, using default")
		return fallback
	}
	return v
}

func envMillis(log *logrus.Logger, key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		log.WithFields(logrus.Fields{"key": key, "value": raw}).Warn("Invalid milliseconds, using default")
		return fallback
	}
	return time.Duration(v) * time.Millisecond
}

func envDuration(log *logrus.Logger, key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		log.WithFields(logrus.Fields{"key": key, "value": raw}).Warn("Invalid duration, using default")
		return fallback
	}
	return v
}
