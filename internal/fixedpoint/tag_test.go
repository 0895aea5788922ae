package fixedpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagBytes32RoundTrip(t *testing.T) {
	b, ok := TagUptime.Bytes32()
	require.True(t, ok)
	assert.Equal(t, byte(0), b[31])
	assert.Equal(t, TagUptime, TagFromBytes32(b))
}

func TestTagBytes32TooLong(t *testing.T) {
	_, ok := Tag("this-tag-is-definitely-longer-than-32-bytes").Bytes32()
	assert.False(t, ok)
}

func TestTagCanonical(t *testing.T) {
	tests := []struct {
		tag  Tag
		want Tag
	}{
		{"uptime", TagUptime},
		{" Uptime ", TagUptime},
		{"SUCCESSRATE", TagSuccessRate},
		{"successRate", TagSuccessRate},
		{"Custom-Tag", "custom-tag"},
		{"  ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.tag.Canonical(), "tag %q", tt.tag)
	}
}

func TestCanonicalDecimals(t *testing.T) {
	tests := []struct {
		tag  Tag
		want uint8
	}{
		{TagUptime, 2},
		{TagSuccessRate, 2},
		{TagRevenues, 0},
		{TagStarred, 1},
		{TagReachable, 0},
		{"SUCCESSRATE", 2},
	}
	for _, tt := range tests {
		got, ok := CanonicalDecimals(tt.tag)
		require.True(t, ok, "tag %q", tt.tag)
		assert.Equal(t, tt.want, got, "tag %q", tt.tag)
	}

	_, ok := CanonicalDecimals("custom")
	assert.False(t, ok)
}

func TestFormat(t *testing.T) {
	tests := []struct {
		tag  Tag
		v    float64
		want string
	}{
		{TagUptime, 99.5, "99.50%"},
		{TagTradingYield, -3.25, "-3.25%"},
		{TagRevenues, 1250, "$1,250"},
		{TagRevenues, 1234567.4, "$1,234,567"},
		{TagRevenues, -999, "-$999"},
		{TagStarred, 4.5, "4.5★"},
		{TagReachable, 1, "Verified"},
		{TagOwnerVerified, 0, "Unverified"},
		{TagResponseTime, 120, "120ms"},
		{TagBlocktimeFreshness, 12, "12 blocks"},
		{"unknown", 3.14, "3.14"},
	}
	for _, tt := range tests {
		t.Run(string(tt.tag), func(t *testing.T) {
			assert.Equal(t, tt.want, Format(tt.tag, tt.v))
		})
	}
}
