package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamer-doppler/doppler/manifest"
)

func testStores(t *testing.T) map[string]Store {
	disk, err := Open(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"disk": disk,
		"mem":  NewMem(),
	}
}

func TestShardRoundTrip(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Open("m1"))
			data := []byte("the quick brown fox jumps over the lazy dog")
			sum, err := sumHex(manifest.HashSHA256, data)
			require.NoError(t, err)

			require.NoError(t, s.WriteShard("m1", 0, data, manifest.HashSHA256, sum))
			require.True(t, s.ShardExists("m1", 0))

			out, err := s.LoadShard("m1", 0, true, manifest.HashSHA256, sum)
			require.NoError(t, err)
			require.Equal(t, data, out)
		})
	}
}

func TestShardHashMismatchOnWriteRejected(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Open("m1"))
			err := s.WriteShard("m1", 0, []byte("data"), manifest.HashSHA256, "deadbeef")
			require.Error(t, err)
			require.False(t, s.ShardExists("m1", 0))
		})
	}
}

// TestIntegrityRepair covers spec.md §8 property #4: mutating one byte
// of a stored shard must cause the next verified read to fail and
// delete the corrupt shard, so a caller's re-download-then-verify loop
// converges to a passing hash.
func TestIntegrityRepair(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Open("m1"))
			good := []byte("0123456789abcdef")
			sum, err := sumHex(manifest.HashSHA256, good)
			require.NoError(t, err)
			require.NoError(t, s.WriteShard("m1", 0, good, manifest.HashSHA256, sum))

			corrupt := append([]byte(nil), good...)
			corrupt[0] ^= 0xFF
			// Bypass hash check on write to simulate on-disk bitrot
			// rather than a rejected write.
			require.NoError(t, s.WriteShard("m1", 0, corrupt, manifest.HashSHA256, ""))

			_, err = s.LoadShard("m1", 0, true, manifest.HashSHA256, sum)
			require.Error(t, err)
			require.False(t, s.ShardExists("m1", 0), "corrupt shard should be deleted after failed verify")

			require.NoError(t, s.WriteShard("m1", 0, good, manifest.HashSHA256, sum))
			out, err := s.LoadShard("m1", 0, true, manifest.HashSHA256, sum)
			require.NoError(t, err)
			require.Equal(t, good, out)
		})
	}
}

func TestManifestRoundTrip(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte(`{"version":1}`)
			require.NoError(t, s.SaveManifest("m1", data))
			out, ok, err := s.LoadManifest("m1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, data, out)

			_, ok, err = s.LoadManifest("missing")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestDeleteModelRemovesShardsAndManifest(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Open("m1"))
			require.NoError(t, s.WriteShard("m1", 0, []byte("x"), manifest.HashSHA256, ""))
			require.NoError(t, s.SaveManifest("m1", []byte("{}")))

			require.NoError(t, s.DeleteModel("m1"))
			require.False(t, s.ShardExists("m1", 0))
			_, ok, err := s.LoadManifest("m1")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestListModels(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Open("alpha"))
			require.NoError(t, s.Open("beta"))
			ids, err := s.ListModels()
			require.NoError(t, err)
			require.Contains(t, ids, "alpha")
			require.Contains(t, ids, "beta")
		})
	}
}

func TestStorageReport(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Open("m1"))
			require.NoError(t, s.WriteShard("m1", 0, []byte("some bytes"), manifest.HashSHA256, ""))
			report, err := s.StorageReport()
			require.NoError(t, err)
			require.GreaterOrEqual(t, report.UsedBytes, int64(len("some bytes")))
		})
	}
}
