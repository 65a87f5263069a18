package engine

import (
	"bytes"

	"github.com/flashtriego/lsmtrie/internal/rawio"
	"github.com/flashtriego/lsmtrie/table"
)

func encodeTableMeta(offset uint64, sealed *table.Sealed) ([]byte, error) {
	var buf bytes.Buffer
	if err := table.DumpMeta(&buf, offset, uint64(sealed.Volume), sealed.MetaIndex, sealed.BloomTable); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func loadMetaTableBytes(mtid uint64, data []byte, backing rawio.Backing) (*table.MetaTable, error) {
	return table.Load(mtid, bytes.NewReader(data), backing)
}
