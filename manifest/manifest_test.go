package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validManifestJSON() string {
	return `{
		"version": 1,
		"modelId": "tiny-dense",
		"modelType": "text",
		"architecture": "llama",
		"quantization": "F16",
		"architectureParams": {"numLayers": 2, "hiddenSize": 16, "numHeads": 2, "numKVHeads": 2, "headDim": 8, "vocabSize": 32},
		"shards": [
			{"index": 0, "filename": "shard_00000.bin", "size": 1024, "hash": "abc", "offset": 0},
			{"index": 1, "filename": "shard_00001.bin", "size": 512, "hash": "def", "offset": 67108864}
		],
		"tensors": {
			"token_embd.weight": {"shard": 0, "offset": 0, "size": 1024, "shape": [32, 16], "dtype": "F16"},
			"output.weight": {"spans": [{"shardIndex": 1, "offset": 0, "size": 256}, {"shardIndex": 1, "offset": 256, "size": 256}], "size": 512, "shape": [32, 16], "dtype": "F16"}
		},
		"totalSize": 1536,
		"hashAlgorithm": "sha256"
	}`
}

func TestParseValid(t *testing.T) {
	m, err := Parse([]byte(validManifestJSON()))
	require.NoError(t, err)
	require.Equal(t, "tiny-dense", m.ModelID)
	require.Len(t, m.Shards, 2)
	require.True(t, m.Tensors["output.weight"].Multishard())
}

func TestParseRejectsBadShardOffset(t *testing.T) {
	bad := `{"version":1,"modelId":"x","quantization":"F16","hashAlgorithm":"sha256",
		"shards":[{"index":0,"filename":"shard_00000.bin","size":10,"hash":"x","offset":5}],
		"tensors":{},"totalSize":10,"architectureParams":{"numLayers":1,"numHeads":1,"headDim":1}}`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
}

func TestParseRejectsTensorOutOfRangeShard(t *testing.T) {
	bad := `{"version":1,"modelId":"x","quantization":"F16","hashAlgorithm":"sha256",
		"shards":[{"index":0,"filename":"shard_00000.bin","size":10,"hash":"x","offset":0}],
		"tensors":{"w":{"shard":3,"offset":0,"size":4,"shape":[4],"dtype":"F16"}},
		"totalSize":10,"architectureParams":{"numLayers":1,"numHeads":1,"headDim":1}}`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
}

func TestParseRejectsUnknownHashAlgorithm(t *testing.T) {
	bad := `{"version":1,"modelId":"x","quantization":"F16","hashAlgorithm":"md5",
		"shards":[],"tensors":{},"totalSize":0,"architectureParams":{"numLayers":1,"numHeads":1,"headDim":1}}`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
}

func TestShardAndManifestURL(t *testing.T) {
	require.Equal(t, "https://example.com/models/m1/manifest.json", ManifestURL("https://example.com/models/m1/"))
	require.Equal(t, "https://example.com/models/m1/shard_00007.bin", ShardURL("https://example.com/models/m1", 7))
}

func TestTensorSpanCoverage(t *testing.T) {
	m, err := Parse([]byte(validManifestJSON()))
	require.NoError(t, err)
	for name, tensor := range m.Tensors {
		if !tensor.Multishard() {
			continue
		}
		var sum int64
		for _, sp := range tensor.Spans {
			sum += sp.Size
			require.LessOrEqual(t, sp.Offset+sp.Size, m.Shards[sp.ShardIndex].Size, "tensor %s span exceeds shard", name)
		}
		require.Equal(t, tensor.Size, sum)
	}
}
