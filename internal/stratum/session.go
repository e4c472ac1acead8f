package stratum

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"
)

// Counters tracks a miner's lifetime share outcomes. AcceptedValid and
// AcceptedStaleAck are kept separate: solo-mode stale shares are ACKed true
// to pacify replaying miners, but that must not inflate the "did real work"
// counter used for hashrate accounting.
type Counters struct {
	Submitted        uint64
	AcceptedValid    uint64
	AcceptedStaleAck uint64
	Rejected         uint64
	LocalOnly        uint64 // shares meeting network target, submitted to the node
}

// pendingShare records which miner-originated request a forwarded upstream
// share corresponds to, so the upstream's eventual response can be relayed
// back with the miner's original request id (pool mode only).
type pendingShare struct {
	MinerRequestID interface{}
}

// Miner is one downstream Stratum connection's session state, created on
// accept and discarded on disconnect.
type Miner struct {
	ID         uint32
	Worker     string
	Authorized bool

	// ExtraNonce2Size is pool.extranonce2_size - 1 in pool mode (floor 1),
	// or the configured solo-mode size.
	ExtraNonce2Size int

	Vardiff *VardiffState

	ConnectedAt time.Time
	RemoteIP    string

	// SessionID is the Goldshell-style resume identifier handed back on
	// mining.subscribe in solo mode.
	SessionID string

	conn   net.Conn
	reader *bufio.Reader
	writeMu sync.Mutex

	countersMu sync.Mutex
	counters   Counters

	pendingMu sync.Mutex
	pending   map[uint64]pendingShare
}

// ExtraNonce1Suffix is the single byte partitioning this miner's nonce
// space: miner.ID & 0xFF. Ids collide mod 256 past 256 concurrent miners;
// acceptable for the scale this proxy targets.
func (m *Miner) ExtraNonce1Suffix() byte {
	return byte(m.ID & 0xFF)
}

// RewriteExtraNonce2 builds the full extranonce2 sent upstream in pool
// mode: the miner's partition byte followed by the miner-supplied value.
func (m *Miner) RewriteExtraNonce2(minerExtraNonce2Hex string) string {
	return fmt.Sprintf("%02x%s", m.ExtraNonce1Suffix(), minerExtraNonce2Hex)
}

func (m *Miner) write(msg interface{}) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return WriteMessage(m.conn, msg)
}

// CountersSnapshot returns a snapshot of the miner's share counters.
func (m *Miner) CountersSnapshot() Counters {
	m.countersMu.Lock()
	defer m.countersMu.Unlock()
	return m.counters
}

func (m *Miner) incSubmitted() {
	m.countersMu.Lock()
	m.counters.Submitted++
	m.countersMu.Unlock()
}

// RecordAcceptedValid counts a share that was actually validated and met
// the miner's target (solo mode) or was forwarded upstream (pool mode).
func (m *Miner) RecordAcceptedValid() {
	m.countersMu.Lock()
	m.counters.AcceptedValid++
	m.countersMu.Unlock()
}

// RecordAcceptedStaleAck counts a solo-mode share ACKed true without
// validation because it referenced a job that is no longer current.
func (m *Miner) RecordAcceptedStaleAck() {
	m.countersMu.Lock()
	m.counters.AcceptedStaleAck++
	m.countersMu.Unlock()
}

// RecordRejected counts a share that failed validation (low difficulty).
func (m *Miner) RecordRejected() {
	m.countersMu.Lock()
	m.counters.Rejected++
	m.countersMu.Unlock()
}

// RecordLocalOnly counts a share that met the network target and was
// submitted to the node as a candidate block.
func (m *Miner) RecordLocalOnly() {
	m.countersMu.Lock()
	m.counters.LocalOnly++
	m.countersMu.Unlock()
}

// storePending records an outstanding upstream-forwarded share so the
// eventual upstream response can be routed back to the originating request.
func (m *Miner) storePending(upstreamID uint64, minerReqID interface{}) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if m.pending == nil {
		m.pending = make(map[uint64]pendingShare)
	}
	m.pending[upstreamID] = pendingShare{MinerRequestID: minerReqID}
}

// takePending removes and returns the pending entry for upstreamID, if any.
func (m *Miner) takePending(upstreamID uint64) (pendingShare, bool) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	p, ok := m.pending[upstreamID]
	if ok {
		delete(m.pending, upstreamID)
	}
	return p, ok
}
