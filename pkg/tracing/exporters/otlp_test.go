package exporters

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewOTLPExporter_UnsupportedProtocol(t *testing.T) {
	_, err := NewOTLPExporter(context.Background(), OTLPConfig{Endpoint: "localhost:4317", Protocol: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unsupported OTLP protocol")
}
