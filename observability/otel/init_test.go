package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" authorization = Bearer abc ,broken, =nokey,x-tenant=veil,")
	require.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"x-tenant":      "veil",
	}, got)
	require.Empty(t, ParseHeaders(""))
}

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "veild", Metrics: true, Traces: true})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{Endpoint: "localhost:4318", Metrics: true})
	require.Error(t, err)
}
