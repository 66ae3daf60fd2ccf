package tunnel

import (
	"bytes"
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputScansIncrementally(t *testing.T) {
	var buf bytes.Buffer
	out := newOutput(context.Background(), &buf, regexp.MustCompile(DefaultPattern))

	buf.WriteString("starting tunnel\nhttps://quick-")
	u, err := out.scan()
	require.NoError(t, err)
	assert.Empty(t, u)

	buf.WriteString("brown-fox.trycloudflare.com\nconnected\n")
	u, err = out.scan()
	require.NoError(t, err)
	assert.Equal(t, "https://quick-brown-fox.trycloudflare.com", u)
	assert.Equal(t, "connected", out.last())
}

func TestOutputStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := newOutput(ctx, bytes.NewBufferString("https://a.trycloudflare.com"), regexp.MustCompile(DefaultPattern))
	_, err := out.scan()
	assert.ErrorIs(t, err, context.Canceled)
}
