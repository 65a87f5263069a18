// Package rwlock implements a ticket-based, two-room reader/writer lock:
// it guarantees strict FIFO ordering among writers and bounds writer
// starvation to one pending reader cohort, properties sync.RWMutex does
// not promise under read-heavy traffic.
//
// Two alternating "rooms" (rl[0], rl[1]) hold concurrent readers; a
// writer closes the room its ticket parity selects, drains it, does its
// work, then reopens the other room for the next cohort of readers.
package rwlock

import "sync"

type room struct {
	nrReaders  uint64
	open       bool
	condReader *sync.Cond
}

// RWLock is the two-room ticket lock. Zero value is not usable; use New.
type RWLock struct {
	mu sync.Mutex

	nextTicket   uint64
	readerTicket uint64
	writerTicket uint64

	condWriter *sync.Cond
	rl         [2]room
}

// New returns an initialized lock with room 0 open to readers.
func New() *RWLock {
	l := &RWLock{}
	l.condWriter = sync.NewCond(&l.mu)
	l.rl[0].condReader = sync.NewCond(&l.mu)
	l.rl[1].condReader = sync.NewCond(&l.mu)
	l.rl[0].open = true
	l.rl[1].open = false
	return l
}

// RLock buys a reader ticket, lines up in the room it selects (ticket&1),
// and waits for that room to be open. Returns the ticket, which must be
// passed to RUnlock.
func (l *RWLock) RLock() uint64 {
	l.mu.Lock()
	ticket := l.readerTicket
	rl := &l.rl[ticket&1]
	rl.nrReaders++
	for !rl.open {
		rl.condReader.Wait()
	}
	l.mu.Unlock()
	return ticket
}

// RUnlock leaves the room ticket entered. The last reader to leave a room
// wakes any writer waiting for it to drain.
func (l *RWLock) RUnlock(ticket uint64) {
	l.mu.Lock()
	rl := &l.rl[ticket&1]
	rl.nrReaders--
	if rl.nrReaders == 0 {
		l.condWriter.Broadcast()
	}
	l.mu.Unlock()
}

// Lock buys a writer ticket and waits its turn (strict FIFO among
// writers), then flips the room readers queue into, closes the room the
// ticket parity selects, and waits for it to drain before returning.
// Returns the ticket, which must be passed to Unlock.
func (l *RWLock) Lock() uint64 {
	l.mu.Lock()
	ticket := l.nextTicket
	l.nextTicket++
	for ticket != l.writerTicket {
		l.condWriter.Wait()
	}
	l.readerTicket++
	rl := &l.rl[ticket&1]
	for rl.nrReaders > 0 {
		l.condWriter.Wait()
	}
	rl.open = false
	l.mu.Unlock()
	return ticket
}

// Unlock reopens the other room for the next reader cohort and advances
// to the next writer ticket.
func (l *RWLock) Unlock(ticket uint64) {
	l.mu.Lock()
	rlNext := &l.rl[(ticket+1)&1]
	rlNext.open = true
	if rlNext.nrReaders > 0 {
		rlNext.condReader.Broadcast()
	}
	l.writerTicket++
	l.condWriter.Broadcast()
	l.mu.Unlock()
}
