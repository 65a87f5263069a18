package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/flashtriego/lsmtrie/bloom"
	"github.com/flashtriego/lsmtrie/containermap"
	"github.com/flashtriego/lsmtrie/internal/rawio"
	"github.com/flashtriego/lsmtrie/table"
)

// fsStore implements trie.Store and trie.Loader over real ContainerMaps
// and an on-disk meta directory. It is the only place trie-adjacent code
// touches a filesystem path.
type fsStore struct {
	metaDir  string
	backends []*containermap.Map
	bcMap    *containermap.Map
	levelMap [NrLevels]*containermap.Map
	nextMTID *atomic.Uint64
}

func newFSStore(cfg *Config, metaDir string, nextMTID *atomic.Uint64) (*fsStore, error) {
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create meta dir %q: %w", metaDir, err)
	}
	backends, err := cfg.openBackends(metaDir)
	if err != nil {
		return nil, err
	}
	s := &fsStore{metaDir: metaDir, backends: backends, nextMTID: nextMTID}
	s.bcMap = backends[cfg.BCID]
	for i := 0; i < NrLevels; i++ {
		s.levelMap[i] = backends[cfg.DataID[i]]
	}
	return s, nil
}

// metaPath is the shared naming scheme for MetaTable and BloomContainer
// meta files: mtids are drawn from one shared counter, so the two never
// collide under the same path function.
func metaPath(metaDir string, mtid uint64) string {
	sub := fmt.Sprintf("%02x", mtid%256)
	name := fmt.Sprintf("%016x", mtid)
	return filepath.Join(metaDir, sub, name)
}

func writeMetaFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Alloc takes one unit from the level's map. A full map is reported as an
// error at once: no retry is made and no Release is waited for.
func (s *fsStore) Alloc(level uint) (uint64, rawio.Backing, error) {
	if level >= NrLevels {
		return 0, nil, fmt.Errorf("engine: level %d out of range", level)
	}
	m := s.levelMap[level]
	off := m.Alloc()
	if m.Invalid(off) {
		return 0, nil, fmt.Errorf("engine: level %d container map full", level)
	}
	return off, m.Backing(), nil
}

func (s *fsStore) Release(level uint, offset uint64) error {
	if level >= NrLevels {
		return fmt.Errorf("engine: level %d out of range", level)
	}
	return s.levelMap[level].Release(offset)
}

// AllocBC takes one unit from the BloomContainer map, reporting a full map
// as an error at once, like Alloc.
func (s *fsStore) AllocBC() (uint64, rawio.Backing, error) {
	off := s.bcMap.Alloc()
	if s.bcMap.Invalid(off) {
		return 0, nil, fmt.Errorf("engine: bloomcontainer map full")
	}
	return off, s.bcMap.Backing(), nil
}

func (s *fsStore) ReleaseBC(offset uint64) error {
	return s.bcMap.Release(offset)
}

func (s *fsStore) NextMTID() uint64 {
	return s.nextMTID.Add(1)
}

func (s *fsStore) SaveMeta(mtid uint64, data []byte) error {
	return writeMetaFile(metaPath(s.metaDir, mtid), data)
}

func (s *fsStore) SaveBCMeta(mtid uint64, data []byte) error {
	return writeMetaFile(metaPath(s.metaDir, mtid), data)
}

// DeleteMeta removes a released MetaTable's or replaced BloomContainer's
// meta file. A file already gone is not an error: a crash between release
// and delete leaves at worst an unreferenced file.
func (s *fsStore) DeleteMeta(mtid uint64) error {
	err := os.Remove(metaPath(s.metaDir, mtid))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *fsStore) LoadMetaTable(mtid uint64, level uint) (*table.MetaTable, error) {
	if level >= NrLevels {
		return nil, fmt.Errorf("engine: level %d out of range", level)
	}
	data, err := os.ReadFile(metaPath(s.metaDir, mtid))
	if err != nil {
		return nil, fmt.Errorf("engine: read meta %x: %w", mtid, err)
	}
	return table.Load(mtid, bytes.NewReader(data), s.levelMap[level].Backing())
}

func (s *fsStore) LoadBloomContainer(mtid uint64) (*bloom.Container, error) {
	data, err := os.ReadFile(metaPath(s.metaDir, mtid))
	if err != nil {
		return nil, fmt.Errorf("engine: read bc meta %x: %w", mtid, err)
	}
	return bloom.LoadContainerMeta(bytes.NewReader(data), s.bcMap.Backing(), mtid)
}

func (s *fsStore) Close() error {
	var first error
	for _, m := range s.backends {
		if err := m.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *fsStore) dumpContainerMaps() error {
	for i, m := range s.backends {
		if err := m.Dump(backendMetaPath(s.metaDir, i)); err != nil {
			return fmt.Errorf("engine: dump backend %d: %w", i, err)
		}
	}
	return nil
}
