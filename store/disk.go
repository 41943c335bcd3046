package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/dreamer-doppler/doppler/dopplererr"
	"github.com/dreamer-doppler/doppler/manifest"
)

// Disk is a filesystem-backed Store rooted at a directory; each model
// gets its own subdirectory, matching spec.md §6.1's on-disk layout.
type Disk struct {
	root string
}

// Open creates a Disk store rooted at dir, creating it if necessary.
func Open(dir string) (*Disk, error) {
	if dir == "" {
		return nil, dopplererr.New(dopplererr.KindConfig, "empty store directory")
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, dopplererr.Wrap(dopplererr.KindIO, "creating store root", err)
	}
	return &Disk{root: dir}, nil
}

func (d *Disk) modelDir(modelID string) string {
	return filepath.Join(d.root, modelID)
}

func (d *Disk) shardPath(modelID string, index int) string {
	return filepath.Join(d.modelDir(modelID), fmt.Sprintf("shard_%05d.bin", index))
}

func (d *Disk) manifestPath(modelID string) string {
	return filepath.Join(d.modelDir(modelID), "manifest.json")
}

func (d *Disk) tokenizerPath(modelID string) string {
	return filepath.Join(d.modelDir(modelID), "tokenizer.json")
}

func (d *Disk) Open(modelID string) error {
	if err := os.MkdirAll(d.modelDir(modelID), 0o777); err != nil {
		return dopplererr.Wrap(dopplererr.KindIO, "creating model directory", err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the same directory then
// renames it into place, the same pattern the teacher's blob cache uses
// to guarantee a reader never observes a partial write.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return dopplererr.Wrap(dopplererr.KindIO, "creating temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return dopplererr.Wrap(dopplererr.KindIO, "writing temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return dopplererr.Wrap(dopplererr.KindIO, "closing temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return dopplererr.Wrap(dopplererr.KindIO, "renaming temp file into place", err)
	}
	return nil
}

func (d *Disk) WriteShard(modelID string, index int, data []byte, hashAlg manifest.HashAlgorithm, expectedHash string) error {
	if err := d.Open(modelID); err != nil {
		return err
	}

	if expectedHash != "" {
		sum, err := sumHex(hashAlg, data)
		if err != nil {
			return err
		}
		if sum != expectedHash {
			return dopplererr.New(dopplererr.KindIntegrity, "shard hash mismatch on write").
				With("modelId", modelID).With("index", index)
		}
	}

	return writeFileAtomic(d.shardPath(modelID, index), data)
}

func (d *Disk) LoadShard(modelID string, index int, verify bool, hashAlg manifest.HashAlgorithm, expectedHash string) ([]byte, error) {
	data, err := os.ReadFile(d.shardPath(modelID, index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dopplererr.Wrap(dopplererr.KindIO, "shard missing", err).With("index", index)
		}
		return nil, dopplererr.Wrap(dopplererr.KindIO, "reading shard", err)
	}

	if verify && expectedHash != "" {
		sum, err := sumHex(hashAlg, data)
		if err != nil {
			return nil, err
		}
		if sum != expectedHash {
			// A mismatch here is fatal for this shard: it is deleted
			// here so the caller can re-download it (spec.md §4.2).
			d.DeleteShard(modelID, index)
			return nil, dopplererr.New(dopplererr.KindIntegrity, "shard hash mismatch on read").
				With("modelId", modelID).With("index", index)
		}
	}

	return data, nil
}

func (d *Disk) ShardExists(modelID string, index int) bool {
	_, err := os.Stat(d.shardPath(modelID, index))
	return err == nil
}

func (d *Disk) DeleteShard(modelID string, index int) error {
	err := os.Remove(d.shardPath(modelID, index))
	if err != nil && !os.IsNotExist(err) {
		return dopplererr.Wrap(dopplererr.KindIO, "deleting shard", err)
	}
	return nil
}

func (d *Disk) DeleteModel(modelID string) error {
	if err := os.RemoveAll(d.modelDir(modelID)); err != nil {
		return dopplererr.Wrap(dopplererr.KindIO, "deleting model directory", err)
	}
	return nil
}

func (d *Disk) SaveManifest(modelID string, data []byte) error {
	if err := d.Open(modelID); err != nil {
		return err
	}
	return writeFileAtomic(d.manifestPath(modelID), data)
}

func (d *Disk) LoadManifest(modelID string) ([]byte, bool, error) {
	data, err := os.ReadFile(d.manifestPath(modelID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, dopplererr.Wrap(dopplererr.KindIO, "reading manifest", err)
	}
	return data, true, nil
}

func (d *Disk) SaveTokenizer(modelID string, data []byte) error {
	if err := d.Open(modelID); err != nil {
		return err
	}
	return writeFileAtomic(d.tokenizerPath(modelID), data)
}

func (d *Disk) LoadTokenizer(modelID string) ([]byte, bool, error) {
	data, err := os.ReadFile(d.tokenizerPath(modelID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, dopplererr.Wrap(dopplererr.KindIO, "reading tokenizer", err)
	}
	return data, true, nil
}

func (d *Disk) ListModels() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dopplererr.Wrap(dopplererr.KindIO, "listing store root", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *Disk) StorageReport() (StorageReport, error) {
	var used int64
	err := filepath.Walk(d.root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			used += info.Size()
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return StorageReport{}, dopplererr.Wrap(dopplererr.KindIO, "walking store root", err)
	}

	var stat unix.Statfs_t
	var avail int64
	if err := unix.Statfs(d.root, &stat); err == nil {
		avail = int64(stat.Bavail) * int64(stat.Bsize)
	}

	return StorageReport{UsedBytes: used, AvailableBytes: avail}, nil
}

var _ Store = (*Disk)(nil)

// copyReaderTo streams r into a new file at path. Nothing in the module
// calls it; WriteShard writes shards from memory via writeFileAtomic.
func copyReaderTo(path string, r io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, dopplererr.Wrap(dopplererr.KindIO, "creating shard file", err)
	}
	defer f.Close()
	return io.Copy(f, r)
}
