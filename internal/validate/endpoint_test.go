package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostOrIP(t *testing.T) {
	for _, ok := range []string{
		"203.0.113.10",
		"2001:db8::1",
		"profiles.example.org",
		"localhost",
		"node-7",
	} {
		assert.NoError(t, HostOrIP(ok), ok)
	}

	for _, bad := range []string{
		"",
		"-leading.example.org",
		"trailing-.example.org",
		"spa ce.example.org",
		"a..b",
		strings.Repeat("x", 254),
	} {
		assert.ErrorIs(t, HostOrIP(bad), ErrInvalidHost, bad)
	}
}

func TestPort(t *testing.T) {
	assert.NoError(t, Port(1))
	assert.NoError(t, Port(16987))
	assert.NoError(t, Port(65535))

	assert.ErrorIs(t, Port(0), ErrInvalidPort)
	assert.ErrorIs(t, Port(-1), ErrInvalidPort)
	assert.ErrorIs(t, Port(65536), ErrInvalidPort)
}
