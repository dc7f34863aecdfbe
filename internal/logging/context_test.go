package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnsureCorrelationID(t *testing.T) {
	assert.Empty(t, GetCorrelationID(context.Background()))

	ctx := WithCorrelationID(context.Background(), "cid")
	same, id := EnsureCorrelationID(ctx)
	assert.Equal(t, "cid", id)
	assert.Equal(t, ctx, same)

	fresh, minted := EnsureCorrelationID(context.Background())
	assert.NotEmpty(t, minted)
	assert.Equal(t, minted, GetCorrelationID(fresh))
	assert.NotEqual(t, minted, GenerateCorrelationID())
}
