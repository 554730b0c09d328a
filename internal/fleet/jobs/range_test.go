package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandRange(t *testing.T) {
	gateway, hosts, err := ExpandRange("203.0.113.0/29")
	require.NoError(t, err)

	assert.Equal(t, "203.0.113.1", gateway)
	assert.Equal(t, []string{
		"203.0.113.2",
		"203.0.113.3",
		"203.0.113.4",
		"203.0.113.5",
		"203.0.113.6",
	}, hosts)
}

func TestExpandRangeUnmaskedInput(t *testing.T) {
	// A host-form CIDR is normalized to its network before expansion.
	gateway, hosts, err := ExpandRange("203.0.113.5/29")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.1", gateway)
	assert.Len(t, hosts, 5)
	assert.Equal(t, "203.0.113.2", hosts[0])
}

func TestNormalizeRange(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"already canonical", "203.0.113.0/29", "203.0.113.0/29"},
		{"host bits cleared", "203.0.113.5/29", "203.0.113.0/29"},
		{"single host", "198.51.100.7/32", "198.51.100.7/32"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeRange(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExpandRangeSlash32(t *testing.T) {
	gateway, hosts, err := ExpandRange("198.51.100.7/32")
	require.NoError(t, err)
	assert.Empty(t, gateway)
	assert.Equal(t, []string{"198.51.100.7"}, hosts)
}

func TestExpandRangeSlash31(t *testing.T) {
	gateway, hosts, err := ExpandRange("198.51.100.6/31")
	require.NoError(t, err)
	assert.Empty(t, gateway)
	assert.Equal(t, []string{"198.51.100.6", "198.51.100.7"}, hosts)
}

func TestExpandRangeRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not a cidr", "not-a-range"},
		{"bare address", "203.0.113.1"},
		{"ipv6", "2001:db8::/64"},
		{"too broad", "10.0.0.0/8"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ExpandRange(tc.input)
			assert.Error(t, err)
		})
	}
}
