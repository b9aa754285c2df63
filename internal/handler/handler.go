// Package handler implements the per-connection RESP command loop: the
// Client/Replica connection state machine, transaction buffering, and
// the command dispatch table.
package handler

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"redis/internal/protocol"
	"redis/internal/rdb"
	"redis/internal/replication"
	"redis/internal/storage"
)

// idleTimeout bounds how long a connection may sit with nothing sent
// before it is dropped, so a dead client doesn't pin a goroutine
// forever (SPEC_FULL.md's supplemented idle-connection handling).
const idleTimeout = 5 * time.Minute

// CommandFunc implements one command. It returns the reply to send, and
// true if it already wrote its own reply directly onto w (used by
// PSYNC, whose reply is not a single RESP value).
type CommandFunc func(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool)

// ConnectionState is the per-connection state: which connection, and
// whatever transaction it has open. A connection that has completed the
// PSYNC handshake transitions one-way into a registered replica and is
// never handed another client command.
type ConnectionState struct {
	ID        int64
	Conn      net.Conn
	Tx        *Transaction
	IsReplica bool
}

// CommandHandler owns the keyspace, the replication registry, and the
// command dispatch table shared by every connection.
type CommandHandler struct {
	log        *zap.Logger
	keyspace   *storage.Keyspace
	registry   *replication.Registry
	rdbDir     string
	rdbFile    string
	replicaOf  string // "host port" if this server is a follower, else ""
	masterHost string
	masterPort string

	role     atomic.Bool // true once promoted by a configured --replicaof
	commands map[string]CommandFunc

	connIDCounter atomic.Int64
	startedAt     time.Time
}

// NewCommandHandler wires a dispatcher around ks and registry. replicaOf
// is the "host port" this server replicates from, or "" if it is a
// leader.
func NewCommandHandler(log *zap.Logger, ks *storage.Keyspace, registry *replication.Registry, rdbDir, rdbFile, replicaOf string) *CommandHandler {
	h := &CommandHandler{
		log:       log,
		keyspace:  ks,
		registry:  registry,
		rdbDir:    rdbDir,
		rdbFile:   rdbFile,
		replicaOf: replicaOf,
		startedAt: time.Now(),
	}
	if host, port, ok := strings.Cut(replicaOf, " "); ok {
		h.masterHost, h.masterPort = host, port
	}
	h.role.Store(replicaOf != "")
	h.registerCommands()
	return h
}

func (h *CommandHandler) registerCommands() {
	h.commands = map[string]CommandFunc{
		"PING":    cmdPing,
		"ECHO":    cmdEcho,
		"SET":     cmdSet,
		"GET":     cmdGet,
		"INCR":    cmdIncr,
		"TYPE":    cmdType,
		"KEYS":    cmdKeys,
		"DBSIZE":  cmdDBSize,
		"CONFIG":  cmdConfig,
		"INFO":    cmdInfo,
		"REPLCONF": cmdReplConf,
		"PSYNC":   cmdPSync,
		"WAIT":    cmdWait,
		"XADD":    cmdXAdd,
		"XRANGE":  cmdXRange,
		"XREAD":   cmdXRead,
		"MULTI":   cmdMulti,
		"EXEC":    cmdExec,
		"DISCARD": cmdDiscard,
	}
}

// isReplicaRole reports whether this server is currently a follower
// (so write commands must be rejected from ordinary clients).
func (h *CommandHandler) isReplicaRole() bool {
	return h.role.Load()
}

var writeCommands = map[string]bool{
	"SET": true, "INCR": true, "XADD": true,
}

// Handle runs the connection's command loop until the client
// disconnects, an unrecoverable protocol error occurs, or the
// connection is promoted to a replica — at which point it hands off to
// the ACK-reading loop for the remainder of the connection's life.
func (h *CommandHandler) Handle(conn net.Conn) {
	defer conn.Close()

	state := &ConnectionState{
		ID:   h.connIDCounter.Add(1),
		Conn: conn,
		Tx:   NewTransaction(),
	}

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		cmd, _, err := protocol.ParseCommand(reader)
		if err != nil {
			if err != io.EOF {
				h.log.Debug("connection read error", zap.Error(err), zap.Int64("conn_id", state.ID))
			}
			return
		}
		conn.SetReadDeadline(time.Time{})

		if len(cmd.Args) == 0 {
			continue
		}

		name := strings.ToUpper(cmd.Args[0])
		reply, wroteOwnReply := h.dispatch(state, name, cmd.Args[1:], writer)

		if !wroteOwnReply {
			writer.Write(reply.Encode())
		}
		if err := writer.Flush(); err != nil {
			return
		}

		if state.IsReplica {
			h.runAckLoop(state, reader)
			return
		}
	}
}

func (h *CommandHandler) dispatch(c *ConnectionState, name string, args []string, w *bufio.Writer) (protocol.Value, bool) {
	if c.Tx.State == TxStarted && name != "EXEC" && name != "DISCARD" && name != "MULTI" {
		if _, known := h.commands[name]; !known {
			return protocol.ErrVal("ERR unknown command '" + name + "'"), false
		}
		c.Tx.Enqueue(name, args)
		return protocol.Simple("QUEUED"), false
	}

	if h.isReplicaRole() && writeCommands[name] {
		return protocol.ErrVal("READONLY You can't write against a read only replica"), false
	}

	fn, ok := h.commands[name]
	if !ok {
		return protocol.ErrVal("ERR unknown command '" + name + "'"), false
	}

	reply, special := fn(h, c, args, w)

	if !special && h.registry != nil && writeCommands[name] && !h.isReplicaRole() && reply.Kind != protocol.KindError {
		h.registry.Propagate(append([]string{name}, args...))
	}

	return reply, special
}

// runAckLoop takes over a connection after PSYNC: it only ever expects
// REPLCONF ACK <offset> frames back from the replica, applying each to
// the registry. It never writes a reply (ACK is one-way).
func (h *CommandHandler) runAckLoop(c *ConnectionState, reader *bufio.Reader) {
	ri := h.registry.AddReplica(c.Conn)
	defer h.registry.RemoveReplica(ri)

	for {
		cmd, _, err := protocol.ParseCommand(reader)
		if err != nil {
			return
		}
		if len(cmd.Args) < 3 {
			continue
		}
		if strings.EqualFold(cmd.Args[0], "REPLCONF") && strings.EqualFold(cmd.Args[1], "ACK") {
			if offset, err := parseUint(cmd.Args[2]); err == nil {
				h.registry.ProcessAck(ri, offset)
			}
		}
	}
}

// ApplyReplicated runs one command received from the leader's
// propagation stream directly against the keyspace. It bypasses both
// the read-only check and re-propagation: a follower never has
// replicas of its own to fan a command back out to.
func (h *CommandHandler) ApplyReplicated(parts []string) {
	if len(parts) == 0 {
		return
	}
	name := strings.ToUpper(parts[0])
	fn, ok := h.commands[name]
	if !ok {
		return
	}
	state := &ConnectionState{Tx: NewTransaction()}
	fn(h, state, parts[1:], nil)
}

// LoadRDB seeds the string keyspace from disk at startup.
func (h *CommandHandler) LoadRDB() {
	if h.rdbDir == "" || h.rdbFile == "" {
		return
	}
	r := rdb.NewReader(h.log)
	if err := r.LoadFile(h.rdbDir, h.rdbFile, h.keyspace.Strings); err != nil {
		h.log.Warn("failed to load RDB file", zap.Error(err))
	}
}
