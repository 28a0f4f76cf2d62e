package bus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// InitMeterProvider installs an OpenTelemetry MeterProvider as the process
// default, so every otel.Meter(...) call made by the assembly pool and
// other components records against reader instead of the no-op provider.
// A production caller typically passes a periodic reader wrapping a real
// exporter; tests can pass sdkmetric.NewManualReader() and call its
// Collect method directly.
func InitMeterProvider(reader sdkmetric.Reader) (shutdown func(context.Context) error) {
	res := resource.NewSchemaless(attribute.String("service.name", "spreadbus"))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown
}
