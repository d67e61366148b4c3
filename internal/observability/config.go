package observability

import (
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/smallbiznis/spiral/internal/config"
	"go.uber.org/fx"
)

// Component names the process role (api, worker, migrate). It is appended to
// the service name so traces and logs from each binary mode stay apart.
type Component string

const (
	ComponentAPI     Component = "api"
	ComponentWorker  Component = "worker"
	ComponentMigrate Component = "migrate"
)

// Config holds observability settings for one SPIRAL process.
type Config struct {
	ServiceName string
	Component   Component
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

type envConfig struct {
	Environment    string   `env:"DEPLOYMENT_ENV"`
	Version        string   `env:"SERVICE_VERSION"`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string   `env:"LOG_FORMAT" envDefault:"json"`
	OtelEnabled    *bool    `env:"OTEL_ENABLED"`
	Endpoint       string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Protocol       string   `env:"OTEL_EXPORTER_OTLP_PROTOCOL" envDefault:"grpc"`
	TracesProtocol string   `env:"OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"`
	SamplingRatio  *float64 `env:"OTEL_SAMPLING_RATIO"`
}

type loadParams struct {
	fx.In

	Cfg       config.Config
	Component Component `optional:"true"`
}

func LoadConfig(p loadParams) (Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return Config{}, err
	}
	return buildConfig(p.Cfg, p.Component, raw), nil
}

// buildConfig layers OTEL_* and logging variables over the app config.
// Export and full sampling are production defaults; local runs trace every
// request but only when OTEL_ENABLED asks for it.
func buildConfig(cfg config.Config, component Component, raw envConfig) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "spiral"
	}
	if component != "" {
		serviceName += "-" + string(component)
	}

	environment := strings.TrimSpace(raw.Environment)
	if environment == "" {
		environment = strings.TrimSpace(cfg.Environment)
	}
	version := strings.TrimSpace(raw.Version)
	if version == "" {
		version = strings.TrimSpace(cfg.AppVersion)
	}
	endpoint := strings.TrimSpace(raw.Endpoint)
	if endpoint == "" {
		endpoint = strings.TrimSpace(cfg.OTLPEndpoint)
	}
	protocol := strings.ToLower(strings.TrimSpace(raw.Protocol))
	if traces := strings.TrimSpace(raw.TracesProtocol); traces != "" {
		protocol = strings.ToLower(traces)
	}

	enabled := cfg.IsProduction()
	if raw.OtelEnabled != nil {
		enabled = *raw.OtelEnabled
	}
	ratio := 1.0
	if cfg.IsProduction() {
		ratio = 0.1
	}
	if raw.SamplingRatio != nil {
		ratio = *raw.SamplingRatio
	}

	return Config{
		ServiceName:          serviceName,
		Component:            component,
		Environment:          environment,
		Version:              version,
		LogLevel:             strings.ToLower(strings.TrimSpace(raw.LogLevel)),
		LogFormat:            strings.ToLower(strings.TrimSpace(raw.LogFormat)),
		OtelEnabled:          enabled,
		OtelExporterEndpoint: endpoint,
		OtelExporterProtocol: protocol,
		OtelSamplingRatio:    ratio,
	}
}

func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
