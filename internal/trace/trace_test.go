package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	const in = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	ctx, err := Parse(in)
	require.NoError(t, err)
	assert.Equal(t, byte(0), ctx.Version)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", ctx.TraceID)
	assert.Equal(t, "00f067aa0ba902b7", ctx.SpanID)
	assert.True(t, ctx.Sampled())
	assert.Equal(t, in, ctx.Format())
}

func TestParseRejectsReservedVersion(t *testing.T) {
	_, err := Parse("ff-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	assert.ErrorIs(t, err, ErrVersion)
}

func TestParseAcceptsUnknownVersion(t *testing.T) {
	ctx, err := Parse("cc-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-00")
	require.NoError(t, err)
	assert.Equal(t, byte(0xcc), ctx.Version)
	assert.False(t, ctx.Sampled())
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		"",
		"00",
		"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7",      // missing flags
		"00-4bf92f3577b34da6a3ce929d0e0e473-00f067aa0ba902b7-01",    // short trace id
		"00-4BF92F3577B34DA6A3CE929D0E0E4736-00f067aa0ba902b7-01",   // uppercase hex
		"00-00000000000000000000000000000000-00f067aa0ba902b7-01",   // zero trace id
		"00-4bf92f3577b34da6a3ce929d0e0e4736-0000000000000000-01",   // zero span id
		"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01-x", // trailing segment on v00
		"zz-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",   // non-hex version
	}
	for _, in := range cases {
		_, err := Parse(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestParseHigherVersionExtraSegments(t *testing.T) {
	// A future version may carry extra segments; they parse and are dropped.
	ctx, err := Parse("01-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01-extra")
	require.NoError(t, err)
	assert.Equal(t, byte(1), ctx.Version)
}
