// Package store implements the persistent local shard store described
// in spec.md §4.2: a per-model directory of shard blobs plus a
// manifest and optional tokenizer bundle, with integrity verification
// on read. Grounded on the teacher's content-addressable blob cache
// (server/internal/cache/blob), adapted from a single content-addressed
// blob pool to a per-model directory of index-addressed shards because
// shards are accessed by (modelId, index), not by digest.
package store

import (
	"crypto/sha256"
	"hash"

	"golang.org/x/crypto/blake2b"

	"github.com/dreamer-doppler/doppler/dopplererr"
	"github.com/dreamer-doppler/doppler/manifest"
)

// StorageReport summarizes space usage for the store's root directory.
type StorageReport struct {
	UsedBytes      int64
	AvailableBytes int64
}

// Store is the capability surface the downloader and weight loader
// need from a persistent local store. A filesystem-backed
// implementation (Disk) and a memory-backed one (Mem, for tests) both
// satisfy it.
type Store interface {
	// Open ensures a per-model directory/namespace exists.
	Open(modelID string) error

	WriteShard(modelID string, index int, data []byte, hashAlg manifest.HashAlgorithm, expectedHash string) error
	LoadShard(modelID string, index int, verify bool, hashAlg manifest.HashAlgorithm, expectedHash string) ([]byte, error)
	ShardExists(modelID string, index int) bool
	DeleteShard(modelID string, index int) error
	DeleteModel(modelID string) error

	SaveManifest(modelID string, data []byte) error
	LoadManifest(modelID string) ([]byte, bool, error)
	SaveTokenizer(modelID string, data []byte) error
	LoadTokenizer(modelID string) ([]byte, bool, error)

	ListModels() ([]string, error)
	StorageReport() (StorageReport, error)
}

// hasher returns a fresh hash.Hash for the given algorithm, one of the
// closed set manifest.HashAlgorithm validates against.
func hasher(alg manifest.HashAlgorithm) (hash.Hash, error) {
	switch alg {
	case manifest.HashSHA256:
		return sha256.New(), nil
	case manifest.HashBLAKE2B:
		return blake2b.New256(nil)
	default:
		return nil, dopplererr.New(dopplererr.KindConfig, "unsupported hash algorithm").With("alg", string(alg))
	}
}

func sumHex(alg manifest.HashAlgorithm, data []byte) (string, error) {
	h, err := hasher(alg)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return hexEncode(h.Sum(nil)), nil
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0xF]
	}
	return string(out)
}
