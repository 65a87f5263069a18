// Package stat carries the lightweight I/O counters kept per-MetaTable
// and per-DB. They are exercised by every pread/pwrite and surfaced to
// logging, not exported as a metrics system.
package stat

import "sync/atomic"

// IOStat holds atomically-updated read/write counters for one MetaTable or
// BloomContainer.
type IOStat struct {
	NrRead     atomic.Uint64
	BytesRead  atomic.Uint64
	NrWrite    atomic.Uint64
	BytesWrite atomic.Uint64
	NrFetchBC  atomic.Uint64
}

func (s *IOStat) RecordRead(n int) {
	s.NrRead.Add(1)
	s.BytesRead.Add(uint64(n))
}

func (s *IOStat) RecordWrite(n int) {
	s.NrWrite.Add(1)
	s.BytesWrite.Add(uint64(n))
}

// IOSnapshot is a point-in-time, copyable view of IOStat's counters.
type IOSnapshot struct {
	NrRead, BytesRead   uint64
	NrWrite, BytesWrite uint64
}

// Snapshot reads every counter into a plain copyable struct.
func (s *IOStat) Snapshot() IOSnapshot {
	return IOSnapshot{
		NrRead:     s.NrRead.Load(),
		BytesRead:  s.BytesRead.Load(),
		NrWrite:    s.NrWrite.Load(),
		BytesWrite: s.BytesWrite.Load(),
	}
}

// DBStat holds the engine-wide counters: lookups and misses, inserts and
// insert retries, compactions and dumped active tables. The bloom-accuracy
// counters (NrTrueNegative, NrFalsePositive, NrTruePositive) are not
// updated by the engine and stay zero.
type DBStat struct {
	NrGet           atomic.Uint64
	NrGetMiss       atomic.Uint64
	NrTrueNegative  atomic.Uint64
	NrFalsePositive atomic.Uint64
	NrTruePositive  atomic.Uint64
	NrSet           atomic.Uint64
	NrSetRetry      atomic.Uint64
	NrCompaction    atomic.Uint64
	NrActiveDumped  atomic.Uint64
}

// DBSnapshot is a point-in-time, copyable view of DBStat's counters,
// suitable for logging or a status endpoint.
type DBSnapshot struct {
	NrGet, NrGetMiss                uint64
	NrTrueNegative, NrFalsePositive uint64
	NrTruePositive                  uint64
	NrSet, NrSetRetry               uint64
	NrCompaction, NrActiveDumped    uint64
}

// Snapshot reads every counter into a plain copyable struct.
func (s *DBStat) Snapshot() DBSnapshot {
	return DBSnapshot{
		NrGet:           s.NrGet.Load(),
		NrGetMiss:       s.NrGetMiss.Load(),
		NrTrueNegative:  s.NrTrueNegative.Load(),
		NrFalsePositive: s.NrFalsePositive.Load(),
		NrTruePositive:  s.NrTruePositive.Load(),
		NrSet:           s.NrSet.Load(),
		NrSetRetry:      s.NrSetRetry.Load(),
		NrCompaction:    s.NrCompaction.Load(),
		NrActiveDumped:  s.NrActiveDumped.Load(),
	}
}
