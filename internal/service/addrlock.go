package service

import (
	"hash/fnv"
	"sync"

	"github.com/pjdhoorn/mercury-go/internal/ratchet"
)

const addrLockStripes = 64

// AddrLocks serializes session mutation per remote address. The sender
// and receiver share one instance so a decrypt and an encrypt for the
// same address never interleave their load-mutate-store cycles.
// Striped to bound memory for long-running clients.
type AddrLocks struct {
	stripes [addrLockStripes]sync.Mutex
}

// NewAddrLocks returns an empty lock set.
func NewAddrLocks() *AddrLocks {
	return &AddrLocks{}
}

// Lock locks the stripe for addr and returns the unlock function.
func (l *AddrLocks) Lock(addr ratchet.Address) func() {
	h := fnv.New32a()
	h.Write([]byte(addr.String()))
	m := &l.stripes[h.Sum32()%addrLockStripes]
	m.Lock()
	return m.Unlock
}
