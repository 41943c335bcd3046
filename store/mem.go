package store

import (
	"sort"
	"sync"

	"github.com/dreamer-doppler/doppler/dopplererr"
	"github.com/dreamer-doppler/doppler/manifest"
)

// Mem is an in-memory Store used by tests and by environments without
// durable local storage (spec.md §4.2 allows "memory for tests").
type Mem struct {
	mu        sync.Mutex
	shards    map[string]map[int][]byte
	manifests map[string][]byte
	tokenizer map[string][]byte
}

func NewMem() *Mem {
	return &Mem{
		shards:    make(map[string]map[int][]byte),
		manifests: make(map[string][]byte),
		tokenizer: make(map[string][]byte),
	}
}

func (m *Mem) Open(modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shards[modelID]; !ok {
		m.shards[modelID] = make(map[int][]byte)
	}
	return nil
}

func (m *Mem) WriteShard(modelID string, index int, data []byte, hashAlg manifest.HashAlgorithm, expectedHash string) error {
	if expectedHash != "" {
		sum, err := sumHex(hashAlg, data)
		if err != nil {
			return err
		}
		if sum != expectedHash {
			return dopplererr.New(dopplererr.KindIntegrity, "shard hash mismatch on write").With("index", index)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shards[modelID]; !ok {
		m.shards[modelID] = make(map[int][]byte)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.shards[modelID][index] = cp
	return nil
}

func (m *Mem) LoadShard(modelID string, index int, verify bool, hashAlg manifest.HashAlgorithm, expectedHash string) ([]byte, error) {
	m.mu.Lock()
	data, ok := m.shards[modelID][index]
	m.mu.Unlock()
	if !ok {
		return nil, dopplererr.New(dopplererr.KindIO, "shard missing").With("index", index)
	}

	if verify && expectedHash != "" {
		sum, err := sumHex(hashAlg, data)
		if err != nil {
			return nil, err
		}
		if sum != expectedHash {
			m.DeleteShard(modelID, index)
			return nil, dopplererr.New(dopplererr.KindIntegrity, "shard hash mismatch on read").With("index", index)
		}
	}
	return data, nil
}

func (m *Mem) ShardExists(modelID string, index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.shards[modelID][index]
	return ok
}

func (m *Mem) DeleteShard(modelID string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.shards[modelID], index)
	return nil
}

func (m *Mem) DeleteModel(modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.shards, modelID)
	delete(m.manifests, modelID)
	delete(m.tokenizer, modelID)
	return nil
}

func (m *Mem) SaveManifest(modelID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.manifests[modelID] = cp
	return nil
}

func (m *Mem) LoadManifest(modelID string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.manifests[modelID]
	return data, ok, nil
}

func (m *Mem) SaveTokenizer(modelID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.tokenizer[modelID] = cp
	return nil
}

func (m *Mem) LoadTokenizer(modelID string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.tokenizer[modelID]
	return data, ok, nil
}

func (m *Mem) ListModels() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.shards))
	for id := range m.shards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Mem) StorageReport() (StorageReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var used int64
	for _, shards := range m.shards {
		for _, data := range shards {
			used += int64(len(data))
		}
	}
	return StorageReport{UsedBytes: used, AvailableBytes: 1 << 40}, nil
}

var _ Store = (*Mem)(nil)
