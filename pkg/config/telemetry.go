package config

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/mpapenbr/runsession/log"
	"github.com/mpapenbr/runsession/version"
)

type Telemetry struct {
	mp *sdkmetric.MeterProvider
}

func (t *Telemetry) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.mp.Shutdown(ctx); err != nil {
		log.Warn("Could not shutdown meter provider", log.ErrorField(err))
	}
}

// SetupTelemetry installs a global meter provider exporting to
// TelemetryEndpoint via OTLP/gRPC, or to stdout if the endpoint is "stdout".
func SetupTelemetry(ctx context.Context) (*Telemetry, error) {
	var (
		exp sdkmetric.Exporter
		err error
	)
	if TelemetryEndpoint == "stdout" {
		exp, err = stdoutmetric.New()
	} else {
		exp, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(TelemetryEndpoint),
			otlpmetricgrpc.WithInsecure())
	}
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", "rsm"),
		attribute.String("service.version", version.Version),
	))
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(mp)
	log.Debug("telemetry enabled", log.String("endpoint", TelemetryEndpoint))
	return &Telemetry{mp: mp}, nil
}
