package observability

import (
	"testing"

	"github.com/smallbiznis/spiral/internal/config"
)

func TestLoadConfigDefaultsFollowEnvironment(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		enabled     bool
		ratio       float64
	}{
		{name: "development", environment: "development", enabled: false, ratio: 1},
		{name: "production", environment: "production", enabled: true, ratio: 0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(loadParams{
				Cfg:       config.Config{AppName: "spiral", Environment: tt.environment, OTLPEndpoint: "collector:4317"},
				Component: ComponentWorker,
			})
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if cfg.ServiceName != "spiral-worker" {
				t.Fatalf("expected spiral-worker, got %q", cfg.ServiceName)
			}
			if cfg.OtelEnabled != tt.enabled {
				t.Fatalf("expected otel enabled=%v", tt.enabled)
			}
			if cfg.OtelSamplingRatio != tt.ratio {
				t.Fatalf("expected ratio %v, got %v", tt.ratio, cfg.OtelSamplingRatio)
			}
			if cfg.OtelExporterEndpoint != "collector:4317" || cfg.OtelExporterProtocol != "grpc" {
				t.Fatalf("unexpected exporter %q %q", cfg.OtelExporterEndpoint, cfg.OtelExporterProtocol)
			}
		})
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_SAMPLING_RATIO", "0.5")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "HTTP")
	t.Setenv("LOG_LEVEL", " DEBUG ")
	t.Setenv("DEPLOYMENT_ENV", "staging")

	cfg, err := LoadConfig(loadParams{Cfg: config.Config{Environment: "development"}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "spiral" {
		t.Fatalf("expected bare service name, got %q", cfg.ServiceName)
	}
	if !cfg.OtelEnabled || cfg.OtelSamplingRatio != 0.5 {
		t.Fatalf("env overrides ignored: %+v", cfg)
	}
	if cfg.OtelExporterProtocol != "http" {
		t.Fatalf("expected traces protocol override, got %q", cfg.OtelExporterProtocol)
	}
	if cfg.Environment != "staging" || !cfg.Debug() {
		t.Fatalf("expected staging debug config, got %+v", cfg)
	}
}

func TestLoadConfigRejectsMalformedBool(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "sometimes")
	if _, err := LoadConfig(loadParams{Cfg: config.Config{}}); err == nil {
		t.Fatalf("expected parse error")
	}
}
