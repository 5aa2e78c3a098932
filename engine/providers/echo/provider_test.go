package echo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/chorus/engine"
)

func TestEcho(t *testing.T) {
	p := New("alpha", 0)
	text, err := p.Generate(context.Background(), engine.Request{Text: "hi", Role: "critic"})
	require.NoError(t, err)
	assert.Equal(t, "[alpha/critic] hi", text)

	text, err = p.Generate(context.Background(), engine.Request{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "[alpha/general] hi", text)
}

func TestEcho_RespectsCancellation(t *testing.T) {
	p := New("slow", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Generate(ctx, engine.Request{Text: "hi"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
