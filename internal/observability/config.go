package observability

import (
	"strings"
	"time"

	"github.com/smallbiznis/commerce/internal/config"
	"github.com/smallbiznis/commerce/internal/observability/logger"
	gormlogger "gorm.io/gorm/logger"
)

// Config is the resolved observability setup for one process.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string
	// LogSQL logs every statement at debug; otherwise only slow and failed ones.
	LogSQL             bool
	SlowQueryThreshold time.Duration

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
	// TraceRoutes are route prefixes sampled on every request: webhook
	// deliveries, refunds, purchases and admin actions.
	TraceRoutes []string
}

func LoadConfig(cfg config.Config) Config {
	obs := cfg.Observability

	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "commerce"
	}
	endpoint := strings.TrimSpace(obs.OtelEndpoint)
	if endpoint == "" {
		endpoint = strings.TrimSpace(cfg.OTLPEndpoint)
	}
	format := obs.LogFormat
	if format == "" {
		format = "json"
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             strings.TrimSpace(obs.LogLevel),
		LogFormat:            format,
		LogSQL:               obs.LogSQL,
		SlowQueryThreshold:   obs.SlowQueryThreshold,
		OtelEnabled:          obs.OtelEnabled,
		OtelExporterEndpoint: endpoint,
		OtelExporterProtocol: obs.OtelProtocol,
		OtelSamplingRatio:    obs.OtelSamplingRatio,
		TraceRoutes:          obs.TraceRoutes,
	}
}

func (c Config) Debug() bool {
	if strings.EqualFold(c.LogLevel, "debug") {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

// GormLogger derives the statement logger settings.
func (c Config) GormLogger() logger.GormLoggerConfig {
	out := logger.DefaultGormLoggerConfig()
	if c.SlowQueryThreshold > 0 {
		out.SlowThreshold = c.SlowQueryThreshold
	}
	if c.LogSQL {
		out.Level = gormlogger.Info
	}
	return out
}
