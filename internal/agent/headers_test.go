package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCustomHeaders(t *testing.T) {
	headers, err := parseCustomHeaders("x-request-source=nightly\r\nAccept: application/octet-stream\n\nX-Token=a=b")
	require.NoError(t, err)

	assert.Equal(t, "nightly", headers.Get("X-Request-Source"))
	assert.Equal(t, "application/octet-stream", headers.Get("Accept"))
	assert.Equal(t, "a=b", headers.Get("X-Token"))

	headers, err = parseCustomHeaders("")
	require.NoError(t, err)
	assert.Empty(t, headers)
}

func TestParseCustomHeaders_Invalid(t *testing.T) {
	for _, raw := range []string{
		"no separator",
		"=value",
		"bad name=value",
		"Range=bytes=0-",
		"host: example.com",
		"X-Value=bad\x00value",
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := parseCustomHeaders(raw)
			assert.Error(t, err)
		})
	}
}
