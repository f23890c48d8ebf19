package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" authorization = Bearer abc ,x-tenant=rc,,broken, =nokey")
	require.Equal(t, map[string]string{"authorization": "Bearer abc", "x-tenant": "rc"}, got)
	require.Empty(t, ParseHeaders(""))
}

func TestInitWithoutExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "redemptiond"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestSampler(t *testing.T) {
	require.Equal(t, sdktrace.ParentBased(sdktrace.AlwaysSample()).Description(), Sampler(0).Description())
	require.Contains(t, Sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
