package handler

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"redis/internal/protocol"
	"redis/internal/rdb"
	"redis/internal/storage"
)

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

func errArgs(cmd string) protocol.Value {
	return protocol.ErrVal(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd)))
}

func cmdPing(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool) {
	if len(args) > 1 {
		return errArgs("PING"), false
	}
	if len(args) == 1 {
		return protocol.Bulk(args[0]), false
	}
	return protocol.Simple("PONG"), false
}

func cmdEcho(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool) {
	if len(args) != 1 {
		return errArgs("ECHO"), false
	}
	return protocol.Bulk(args[0]), false
}

func cmdSet(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool) {
	if len(args) < 2 {
		return errArgs("SET"), false
	}
	key, value := args[0], args[1]

	if h.keyspace.Streams.Exists(key) {
		return protocol.ErrVal(storage.ErrWrongType.Error()), false
	}

	if len(args) == 2 {
		h.keyspace.Strings.Set(key, value)
		return protocol.Simple("OK"), false
	}

	if len(args) == 4 && strings.EqualFold(args[2], "PX") {
		ms, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil || ms <= 0 {
			return protocol.ErrVal("ERR PX value is not an integer or out of range"), false
		}
		h.keyspace.Strings.SetPX(key, value, time.Now().Add(time.Duration(ms)*time.Millisecond))
		return protocol.Simple("OK"), false
	}

	return protocol.ErrVal("ERR syntax error"), false
}

func cmdGet(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool) {
	if len(args) != 1 {
		return errArgs("GET"), false
	}
	key := args[0]
	if h.keyspace.Streams.Exists(key) {
		return protocol.ErrVal(storage.ErrWrongType.Error()), false
	}
	v, ok := h.keyspace.Strings.Get(key)
	if !ok {
		return protocol.NullBulk(), false
	}
	return protocol.Bulk(v), false
}

func cmdIncr(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool) {
	if len(args) != 1 {
		return errArgs("INCR"), false
	}
	key := args[0]
	if h.keyspace.Streams.Exists(key) {
		return protocol.ErrVal(storage.ErrWrongType.Error()), false
	}
	n, err := h.keyspace.Strings.Incr(key)
	if err != nil {
		return protocol.ErrVal("ERR " + err.Error()), false
	}
	return protocol.IntVal(n), false
}

func cmdType(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool) {
	if len(args) != 1 {
		return errArgs("TYPE"), false
	}
	return protocol.Simple(h.keyspace.Type(args[0])), false
}

func cmdKeys(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool) {
	if len(args) != 1 {
		return errArgs("KEYS"), false
	}
	if args[0] != "*" {
		return protocol.ErrVal("ERR KEYS only supports the '*' pattern"), false
	}
	keys := append(h.keyspace.Strings.Keys(), h.keyspace.Streams.Keys()...)
	children := make([]protocol.Value, len(keys))
	for i, k := range keys {
		children[i] = protocol.Bulk(k)
	}
	return protocol.Array(children...), false
}

func cmdDBSize(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool) {
	return protocol.IntVal(int64(h.keyspace.Size())), false
}

func cmdConfig(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool) {
	if len(args) != 2 || !strings.EqualFold(args[0], "GET") {
		return protocol.ErrVal("ERR unsupported CONFIG subcommand"), false
	}
	var value string
	switch strings.ToLower(args[1]) {
	case "dir":
		value = h.rdbDir
	case "dbfilename":
		value = h.rdbFile
	default:
		return protocol.Array(), false
	}
	return protocol.Array(protocol.Bulk(args[1]), protocol.Bulk(value)), false
}

func cmdInfo(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool) {
	role := "master"
	if h.isReplicaRole() {
		role = "slave"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Replication\r\n")
	fmt.Fprintf(&sb, "role:%s\r\n", role)
	if h.isReplicaRole() {
		fmt.Fprintf(&sb, "master_host:%s\r\n", h.masterHost)
		fmt.Fprintf(&sb, "master_port:%s\r\n", h.masterPort)
	}
	fmt.Fprintf(&sb, "connected_slaves:%d\r\n", h.registry.ReplicaCount())
	fmt.Fprintf(&sb, "master_replid:%s\r\n", h.registry.ReplicationID())
	fmt.Fprintf(&sb, "master_repl_offset:%d\r\n", h.registry.MasterOffset())
	return protocol.Bulk(sb.String()), false
}

func cmdReplConf(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool) {
	if len(args) == 0 {
		return errArgs("REPLCONF"), false
	}
	switch strings.ToLower(args[0]) {
	case "listening-port", "capa":
		return protocol.Simple("OK"), false
	default:
		return protocol.Simple("OK"), false
	}
}

// cmdPSync writes the FULLRESYNC line and the empty-RDB wire frame
// directly, then promotes the connection to a replica. This server
// never attempts partial resync, per spec.md's explicit design choice.
func cmdPSync(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool) {
	line := fmt.Sprintf("+FULLRESYNC %s 0\r\n", h.registry.ReplicationID())
	w.WriteString(line)
	fmt.Fprintf(w, "$%d\r\n", len(rdb.EmptyRDB))
	w.Write(rdb.EmptyRDB)
	c.IsReplica = true
	return protocol.Value{}, true
}

func cmdWait(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool) {
	if len(args) != 2 {
		return errArgs("WAIT"), false
	}
	numReplicas, err1 := strconv.Atoi(args[0])
	timeoutMs, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil || numReplicas < 0 || timeoutMs < 0 {
		return protocol.ErrVal("ERR value is not an integer or out of range"), false
	}
	acked := h.registry.Wait(context.Background(), numReplicas, time.Duration(timeoutMs)*time.Millisecond)
	return protocol.IntVal(int64(acked)), false
}

func cmdXAdd(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool) {
	if len(args) < 4 || len(args)%2 != 0 {
		return errArgs("XADD"), false
	}
	key, idSpec := args[0], args[1]
	fields := args[2:]

	if h.keyspace.Strings.Exists(key) {
		return protocol.ErrVal(storage.ErrWrongType.Error()), false
	}

	nowMs := uint64(time.Now().UnixMilli())
	id, err := h.keyspace.Streams.ResolveAndAppend(key, idSpec, nowMs, fields)
	if err != nil {
		return protocol.ErrVal("ERR " + err.Error()), false
	}
	return protocol.Bulk(id.String()), false
}

func cmdXRange(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool) {
	if len(args) != 3 {
		return errArgs("XRANGE"), false
	}
	key := args[0]
	start, err := parseRangeID(args[1], true)
	if err != nil {
		return protocol.ErrVal("ERR " + err.Error()), false
	}
	end, err := parseRangeID(args[2], false)
	if err != nil {
		return protocol.ErrVal("ERR " + err.Error()), false
	}

	entries := h.keyspace.Streams.Range(key, start, end)
	return encodeStreamEntries(entries), false
}

func cmdXRead(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool) {
	var block *time.Duration
	i := 0
	if i < len(args) && strings.EqualFold(args[i], "BLOCK") {
		if i+1 >= len(args) {
			return errArgs("XREAD"), false
		}
		ms, err := strconv.Atoi(args[i+1])
		if err != nil || ms < 0 {
			return protocol.ErrVal("ERR invalid BLOCK timeout"), false
		}
		d := time.Duration(ms) * time.Millisecond
		block = &d
		i += 2
	}
	if i >= len(args) || !strings.EqualFold(args[i], "STREAMS") {
		return protocol.ErrVal("ERR syntax error"), false
	}
	rest := args[i+1:]
	if len(rest) == 0 || len(rest)%2 != 0 {
		return protocol.ErrVal("ERR Unbalanced XREAD list of streams"), false
	}
	n := len(rest) / 2
	keys := rest[:n]
	idSpecs := rest[n:]

	ids := make([]storage.StreamID, n)
	for k, spec := range idSpecs {
		if spec == "$" {
			last, ok := h.keyspace.Streams.LastID(keys[k])
			if !ok {
				last = storage.StreamID{}
			}
			ids[k] = last
			continue
		}
		id, err := parseExactID(spec)
		if err != nil {
			return protocol.ErrVal("ERR " + err.Error()), false
		}
		ids[k] = id
	}

	results := h.keyspace.Streams.ReadBlocking(keys, ids, block)
	if results == nil {
		return protocol.NullArray(), false
	}

	children := make([]protocol.Value, 0, len(keys))
	for _, k := range keys {
		entries, ok := results[k]
		if !ok {
			continue
		}
		children = append(children, protocol.Array(protocol.Bulk(k), encodeStreamEntries(entries)))
	}
	return protocol.Array(children...), false
}

func encodeStreamEntries(entries []storage.StreamEntry) protocol.Value {
	children := make([]protocol.Value, len(entries))
	for i, e := range entries {
		fieldChildren := make([]protocol.Value, len(e.Fields))
		for j, f := range e.Fields {
			fieldChildren[j] = protocol.Bulk(f)
		}
		children[i] = protocol.Array(protocol.Bulk(e.ID.String()), protocol.Array(fieldChildren...))
	}
	return protocol.Array(children...)
}

func cmdMulti(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool) {
	if c.Tx.State == TxStarted {
		return protocol.ErrVal("ERR MULTI calls can not be nested"), false
	}
	c.Tx.State = TxStarted
	c.Tx.Queue = nil
	return protocol.Simple("OK"), false
}

func cmdDiscard(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool) {
	if c.Tx.State != TxStarted {
		return protocol.ErrVal("ERR DISCARD without MULTI"), false
	}
	c.Tx.Reset()
	return protocol.Simple("OK"), false
}

func cmdExec(h *CommandHandler, c *ConnectionState, args []string, w *bufio.Writer) (protocol.Value, bool) {
	if c.Tx.State != TxStarted {
		return protocol.ErrVal("ERR EXEC without MULTI"), false
	}
	queued := c.Tx.Queue
	c.Tx.Reset()

	results := make([]protocol.Value, len(queued))
	for i, q := range queued {
		reply, _ := h.dispatch(c, q.Name, q.Args, w)
		results[i] = reply
	}
	return protocol.Array(results...), false
}
