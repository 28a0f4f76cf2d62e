package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestInitMeterProviderInstallsAndShutsDown(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	shutdown := InitMeterProvider(reader)
	require.NoError(t, shutdown(context.Background()))
}
