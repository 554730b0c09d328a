package proxycfg

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egressfleet/egressfleet/internal/fleet/models"
)

func TestWriteRewritesWholesale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.cfg")
	w := NewFileWriter(path)

	err := w.Write(context.Background(), []models.AddressRecord{
		{IP: "203.0.113.2"},
		{IP: "203.0.113.3"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# managed by egressfleet, do not edit\nproxy -n -a -e203.0.113.2\nproxy -n -a -e203.0.113.3\n", string(data))

	// A second write replaces, never appends.
	err = w.Write(context.Background(), []models.AddressRecord{{IP: "198.51.100.7"}})
	require.NoError(t, err)

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# managed by egressfleet, do not edit\nproxy -n -a -e198.51.100.7\n", string(data))
}

func TestWriteEmptySet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.cfg")
	w := NewFileWriter(path)

	require.NoError(t, w.Write(context.Background(), nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# managed by egressfleet, do not edit\n", string(data))
}

func TestConcurrentWritesNeverInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.cfg")
	w := NewFileWriter(path)

	sets := [][]models.AddressRecord{
		{{IP: "203.0.113.2"}, {IP: "203.0.113.3"}},
		{{IP: "198.51.100.7"}},
		{{IP: "192.0.2.1"}, {IP: "192.0.2.2"}, {IP: "192.0.2.3"}},
	}

	var wg sync.WaitGroup
	for _, set := range sets {
		wg.Add(1)
		go func(recs []models.AddressRecord) {
			defer wg.Done()
			assert.NoError(t, w.Write(context.Background(), recs))
		}(set)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// The final file must be exactly one of the three complete sets.
	want := map[int]bool{2: true, 1: true, 3: true}
	lines := 0
	for _, c := range data {
		if c == '\n' {
			lines++
		}
	}
	assert.True(t, want[lines-1], "config holds a partial write: %q", string(data))
}
