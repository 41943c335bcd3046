package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamer-doppler/doppler/dopplererr"
	"github.com/dreamer-doppler/doppler/manifest"
	"github.com/dreamer-doppler/doppler/store"
)

func sha256Hex(t *testing.T, data []byte) string {
	t.Helper()
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func buildTestServer(t *testing.T, shards [][]byte) (*httptest.Server, *manifest.Manifest) {
	t.Helper()
	m := &manifest.Manifest{
		Version:       1,
		ModelID:       "tiny-test",
		Quantization:  manifest.QuantF32,
		HashAlgorithm: manifest.HashSHA256,
		Tensors:       map[string]manifest.TensorDescriptor{},
		ArchitectureParams: manifest.ArchitectureParams{
			NumLayers: 1, NumHeads: 1, HeadDim: 4,
		},
	}
	var offset int64
	for i, data := range shards {
		m.Shards = append(m.Shards, manifest.ShardDescriptor{
			Index: i, Filename: fmt.Sprintf("shard_%05d.bin", i),
			Size: int64(len(data)), Hash: sha256Hex(t, data), Offset: offset,
		})
		offset += manifest.ShardSize
		m.TotalSize += int64(len(data))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		body, err := jsonMarshal(m)
		require.NoError(t, err)
		w.Write(body)
	})
	for i, data := range shards {
		data := data
		mux.HandleFunc(fmt.Sprintf("/shard_%05d.bin", i), func(w http.ResponseWriter, r *http.Request) {
			w.Write(data)
		})
	}
	return httptest.NewServer(mux), m
}

func TestDownloadFetchesAllShards(t *testing.T) {
	shards := [][]byte{[]byte("shard-zero-contents"), []byte("shard-one-contents")}
	srv, _ := buildTestServer(t, shards)
	defer srv.Close()

	st := store.NewMem()
	cp, err := store.OpenCheckpoint(t.TempDir())
	require.NoError(t, err)
	defer cp.Close()

	d := New(st, cp, 2)
	m, err := d.FetchManifest(ctx(t), "tiny-test", srv.URL)
	require.NoError(t, err)

	var progresses []Progress
	err = d.Download(ctx(t), "tiny-test", srv.URL, m, func(p Progress) {
		progresses = append(progresses, p)
	})
	require.NoError(t, err)
	require.NotEmpty(t, progresses)
	require.Equal(t, StatusComplete, progresses[len(progresses)-1].Status)

	for i, data := range shards {
		out, err := st.LoadShard("tiny-test", i, true, manifest.HashSHA256, sha256Hex(t, data))
		require.NoError(t, err)
		require.Equal(t, data, out)
	}
}

func TestDownloadResumesAfterPartialCompletion(t *testing.T) {
	shards := [][]byte{[]byte("aaaaaaaaaaaaaaaaaaaa"), []byte("bbbbbbbbbbbbbbbbbbbb")}
	srv, _ := buildTestServer(t, shards)
	defer srv.Close()

	st := store.NewMem()
	cp, err := store.OpenCheckpoint(t.TempDir())
	require.NoError(t, err)
	defer cp.Close()

	// Pre-seed shard 0 as already downloaded, as if a prior run completed it.
	require.NoError(t, st.Open("tiny-test"))
	require.NoError(t, st.WriteShard("tiny-test", 0, shards[0], manifest.HashSHA256, sha256Hex(t, shards[0])))
	require.NoError(t, cp.Start("tiny-test", "prior-session", nowForTest()))
	require.NoError(t, cp.MarkShardComplete("tiny-test", 0))

	d := New(st, cp, 2)
	m, err := d.FetchManifest(ctx(t), "tiny-test", srv.URL)
	require.NoError(t, err)

	require.NoError(t, d.Download(ctx(t), "tiny-test", srv.URL, m, nil))

	out, err := st.LoadShard("tiny-test", 1, true, manifest.HashSHA256, sha256Hex(t, shards[1]))
	require.NoError(t, err)
	require.Equal(t, shards[1], out)
}

// TestDownloadFailsImmediatelyOnNotFound checks spec.md §4.3 item 6 /
// §7: a 4xx status other than 429 is fatal on the first attempt, not
// retried maxRetries times with backoff like a transient failure.
func TestDownloadFailsImmediatelyOnNotFound(t *testing.T) {
	shards := [][]byte{[]byte("shard-zero-contents")}
	srv, m := buildTestServer(t, shards)
	defer srv.Close()

	var hits int
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		body, err := jsonMarshal(m)
		require.NoError(t, err)
		w.Write(body)
	})
	mux.HandleFunc("/shard_00000.bin", func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNotFound)
	})
	notFoundSrv := httptest.NewServer(mux)
	defer notFoundSrv.Close()

	st := store.NewMem()
	cp, err := store.OpenCheckpoint(t.TempDir())
	require.NoError(t, err)
	defer cp.Close()

	d := New(st, cp, 1)
	mani, err := d.FetchManifest(ctx(t), "tiny-test", notFoundSrv.URL)
	require.NoError(t, err)

	err = d.Download(ctx(t), "tiny-test", notFoundSrv.URL, mani, nil)
	require.Error(t, err)
	require.True(t, dopplererr.Is(err, dopplererr.KindNetwork))
	require.Equal(t, 1, hits, "a non-retriable 4xx must not be retried")
}
