package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStartSpan_NoTracer(t *testing.T) {
	SetTracer(nil)
	ctx, span := StartSpan(context.Background(), "Test.NoTracer")
	defer span.End()

	assert.NotNil(t, span)
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetTraceParent(ctx))
	RecordError(span, errors.New("boom"))
}
