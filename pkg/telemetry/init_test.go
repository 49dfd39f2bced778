package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"

	"github.com/zoff-tech/erp-bridge/pkg/config"
)

func TestInit_Success(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "erp-bridge-test",
		TracingURL:  "localhost:4318",
	}

	shutdown, err := Init(context.Background(), cfg)
	assert.NoError(t, err)
	assert.NotNil(t, shutdown)

	tp := otel.GetTracerProvider()
	assert.NotNil(t, tp)

	shutdown()
}

func TestInit_EmptyTracingURL(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "erp-bridge-test",
		TracingURL:  "",
	}

	shutdown, err := Init(context.Background(), cfg)
	assert.Error(t, err)
	assert.Nil(t, shutdown)
}

func TestInit_EmptyServiceName(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "",
		TracingURL:  "localhost:4318",
	}

	shutdown, err := Init(context.Background(), cfg)
	assert.Error(t, err)
	assert.Nil(t, shutdown)
}
