// Package engine assembles the storage engine's components (ContainerMap,
// Table, MetaTable, the VirtualContainer trie, the rwlock) into the public
// DB: active-table pipeline, compaction pool, meta-checkpoint thread.
package engine

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/flashtriego/lsmtrie/containermap"
)

// NrLevels is the number of trie-depth levels that get their own
// ContainerMap-backed placement decision (trie levels 0..4).
const NrLevels = 5

// backendSpec is one "<path>\n<hint-in-GiB>" pair from the configuration
// file.
type backendSpec struct {
	path    string
	hintGiB int
}

// Config is the parsed ContainerMap configuration file: up to 6 backends,
// plus which backend serves BloomContainers and which serves each trie
// level's data.
type Config struct {
	Backends []backendSpec
	BCID     int
	DataID   [NrLevels]int
}

// LoadConfig parses the backend configuration file:
//
//	<path>
//	<hint-in-GiB>
//	... up to 6 backends ...
//	$
//	<bc_id>
//	<data_id>            # 5 lines, one per trie level 0..4
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("engine: open config %q: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	var cfg Config
	for {
		if !sc.Scan() {
			return nil, fmt.Errorf("engine: config %q: unexpected EOF before '$'", path)
		}
		line := strings.TrimSpace(sc.Text())
		if line == "$" {
			break
		}
		if len(cfg.Backends) >= 6 {
			return nil, fmt.Errorf("engine: config %q: more than 6 backends", path)
		}
		if !sc.Scan() {
			return nil, fmt.Errorf("engine: config %q: backend %q missing hint line", path, line)
		}
		hint, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
		if err != nil {
			return nil, fmt.Errorf("engine: config %q: bad hint for backend %q: %w", path, line, err)
		}
		cfg.Backends = append(cfg.Backends, backendSpec{path: line, hintGiB: hint})
	}
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("engine: config %q: no backends declared", path)
	}

	if cfg.BCID, err = scanInt(sc); err != nil {
		return nil, fmt.Errorf("engine: config %q: bc_id: %w", path, err)
	}
	for i := 0; i < NrLevels; i++ {
		if cfg.DataID[i], err = scanInt(sc); err != nil {
			return nil, fmt.Errorf("engine: config %q: data_id[%d]: %w", path, i, err)
		}
	}
	for _, id := range append([]int{cfg.BCID}, cfg.DataID[:]...) {
		if id < 0 || id >= len(cfg.Backends) {
			return nil, fmt.Errorf("engine: config %q: backend id %d out of range", path, id)
		}
	}
	return &cfg, sc.Err()
}

func scanInt(sc *bufio.Scanner) (int, error) {
	if !sc.Scan() {
		return 0, fmt.Errorf("unexpected EOF")
	}
	return strconv.Atoi(strings.TrimSpace(sc.Text()))
}

// openBackends opens or creates one containermap.Map per declared backend,
// trying Load(metaDir/backend-N.cmap, path) first and falling through to
// Create on a missing meta file, matching containermap.Load's documented
// fallback contract.
func (c *Config) openBackends(metaDir string) ([]*containermap.Map, error) {
	maps := make([]*containermap.Map, len(c.Backends))
	for i, b := range c.Backends {
		metaPath := backendMetaPath(metaDir, i)
		m, err := containermap.Load(metaPath, b.path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("engine: load backend %d (%q): %w", i, b.path, err)
			}
			m, err = containermap.Create(b.path, int64(b.hintGiB)<<30)
			if err != nil {
				return nil, fmt.Errorf("engine: open backend %d (%q): %w", i, b.path, err)
			}
		}
		maps[i] = m
	}
	return maps, nil
}

func backendMetaPath(metaDir string, id int) string {
	return fmt.Sprintf("%s/backend-%d.cmap", metaDir, id)
}
