// Package replication implements the leader-side replica registry and
// propagation fan-out (this file) and the follower replication client
// (replica.go). The leader side of the PSYNC handshake is handled by the
// handler package, which registers the connection here afterwards.
package replication

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"redis/internal/protocol"
)

// ReplicaInfo is one connected replica's endpoint, buffered writer, and
// last-known acknowledged byte offset.
type ReplicaInfo struct {
	Addr      string
	Conn      net.Conn
	writer    *bufio.Writer
	ackOffset uint64
}

// Registry is the leader-side set of connected replicas plus the
// cumulative master_offset counter. All propagation ordering and WAIT
// accounting flows through a single mutex + condition variable, per
// spec.md §4.4/§5: holding the registry lock across encode + fan-out +
// offset update gives every write a single total order.
type Registry struct {
	log *zap.Logger

	mu           sync.Mutex
	cond         *sync.Cond
	replicas     []*ReplicaInfo
	masterOffset uint64
	replID       string
}

func NewRegistry(log *zap.Logger) *Registry {
	r := &Registry{log: log, replID: generateReplID()}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func generateReplID() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%040d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", b)
}

// ReplicationID returns the leader's 40-char hex replication ID,
// constant for the process lifetime.
func (r *Registry) ReplicationID() string {
	return r.replID
}

// AddReplica registers conn as a replica and returns its handle. Called
// once PSYNC has been replied to and the empty-RDB frame flushed.
func (r *Registry) AddReplica(conn net.Conn) *ReplicaInfo {
	ri := &ReplicaInfo{
		Addr:   conn.RemoteAddr().String(),
		Conn:   conn,
		writer: bufio.NewWriter(conn),
	}

	r.mu.Lock()
	r.replicas = append(r.replicas, ri)
	r.mu.Unlock()

	r.log.Info("replica registered", zap.String("addr", ri.Addr))
	return ri
}

// RemoveReplica drops ri from the set. Safe to call more than once.
func (r *Registry) RemoveReplica(ri *ReplicaInfo) {
	r.mu.Lock()
	for i, existing := range r.replicas {
		if existing == ri {
			r.replicas = append(r.replicas[:i], r.replicas[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	r.log.Info("replica removed", zap.String("addr", ri.Addr))
}

// ReplicaCount returns the number of currently registered replicas.
func (r *Registry) ReplicaCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replicas)
}

// MasterOffset returns the current cumulative propagated byte count.
func (r *Registry) MasterOffset() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.masterOffset
}

// Propagate encodes a write command and fans it out to every registered
// replica. The whole encode+fan-out+offset-update sequence runs under
// the registry lock so propagation order is total across all client
// connections, and the offset update is only ever visible after every
// replica has either received the bytes or been dropped. Concurrent
// per-replica writes within one call use errgroup so a slow replica
// doesn't stall delivery to the others, while the call as a whole is
// still a synchronous barrier before the next command is accepted.
func (r *Registry) Propagate(parts []string) {
	encoded := protocol.EncodeCommand(parts)

	r.mu.Lock()
	defer r.mu.Unlock()

	var g errgroup.Group
	var dead []*ReplicaInfo
	var deadMu sync.Mutex

	for _, ri := range r.replicas {
		ri := ri
		g.Go(func() error {
			if _, err := ri.writer.Write(encoded); err != nil {
				deadMu.Lock()
				dead = append(dead, ri)
				deadMu.Unlock()
				return nil
			}
			if err := ri.writer.Flush(); err != nil {
				deadMu.Lock()
				dead = append(dead, ri)
				deadMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	for _, ri := range dead {
		for i, existing := range r.replicas {
			if existing == ri {
				r.replicas = append(r.replicas[:i], r.replicas[i+1:]...)
				break
			}
		}
		r.log.Warn("dropping replica after write failure", zap.String("addr", ri.Addr))
	}

	r.masterOffset += uint64(len(encoded))
}

// BroadcastGetAck sends REPLCONF GETACK * to every replica once,
// outside the write-propagation accounting (it is control traffic, not
// a client write, so it never advances master_offset).
func (r *Registry) BroadcastGetAck() {
	encoded := protocol.EncodeCommand([]string{"REPLCONF", "GETACK", "*"})

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ri := range r.replicas {
		if _, err := ri.writer.Write(encoded); err != nil {
			continue
		}
		ri.writer.Flush()
	}
}

// ProcessAck updates ri's acknowledged offset (monotonically) and wakes
// any WAIT callers blocked on the registry condition variable.
func (r *Registry) ProcessAck(ri *ReplicaInfo, offset uint64) {
	r.mu.Lock()
	if offset > ri.ackOffset {
		ri.ackOffset = offset
	}
	r.mu.Unlock()
	r.cond.Broadcast()
}

func (r *Registry) ackedCountLocked(target uint64) int {
	n := 0
	for _, ri := range r.replicas {
		if ri.ackOffset >= target {
			n++
		}
	}
	return n
}

// Wait implements WAIT numreplicas timeout_ms. The target offset is
// fixed at call entry and never advances during the wait, per spec.md's
// explicit open-question resolution.
func (r *Registry) Wait(ctx context.Context, numReplicas int, timeout time.Duration) int {
	r.mu.Lock()
	target := r.masterOffset
	replicaCount := len(r.replicas)
	r.mu.Unlock()

	if target == 0 || numReplicas == 0 {
		return replicaCount
	}

	r.BroadcastGetAck()

	deadline := time.Now().Add(timeout)
	var timedOut bool
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			timedOut = true
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		})
		defer timer.Stop()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		acked := r.ackedCountLocked(target)
		if acked >= numReplicas {
			return acked
		}
		if timeout > 0 && (timedOut || !time.Now().Before(deadline)) {
			return acked
		}
		if timeout <= 0 && ctx.Err() != nil {
			return acked
		}
		r.cond.Wait()
	}
}
