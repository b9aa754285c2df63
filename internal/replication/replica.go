package replication

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"redis/internal/protocol"
)

// FollowerClient is the follower side of leader/follower replication: it
// performs the handshake once, ingests the RDB snapshot, then applies
// the propagated command stream while tracking processed_offset.
type FollowerClient struct {
	log          *zap.Logger
	host         string
	port         int
	listenPort   int
	conn         net.Conn
	reader       *bufio.Reader
	writer       *bufio.Writer
	masterReplID string
	offset       uint64

	// Apply runs one propagated command against local state. It must not
	// itself write a reply — replicas never answer the propagation
	// stream except for REPLCONF GETACK, handled internally.
	Apply func(parts []string)

	// LoadRDB consumes exactly n bytes of RDB payload from r.
	LoadRDB func(r io.Reader, n int) error
}

func NewFollowerClient(log *zap.Logger, host string, port, listenPort int) *FollowerClient {
	return &FollowerClient{log: log, host: host, port: port, listenPort: listenPort}
}

// Offset returns the cumulative number of propagated bytes applied so far.
func (f *FollowerClient) Offset() uint64 {
	return f.offset
}

// MasterReplID returns the replication ID learned from FULLRESYNC.
func (f *FollowerClient) MasterReplID() string {
	return f.masterReplID
}

// Run connects to the leader, performs the handshake, and then ingests
// the replication stream forever (until the connection fails). Callers
// typically invoke this in its own goroutine and reconnect on error.
func (f *FollowerClient) Run() error {
	addr := net.JoinHostPort(f.host, strconv.Itoa(f.port))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial master: %w", err)
	}
	f.conn = conn
	f.reader = bufio.NewReader(conn)
	f.writer = bufio.NewWriter(conn)

	if err := f.handshake(); err != nil {
		conn.Close()
		return err
	}

	f.log.Info("replica handshake complete",
		zap.String("master_replid", f.masterReplID),
		zap.Uint64("offset", f.offset))

	return f.ingestLoop()
}

func (f *FollowerClient) send(parts []string) error {
	if _, err := f.writer.Write(protocol.EncodeCommand(parts)); err != nil {
		return err
	}
	return f.writer.Flush()
}

func (f *FollowerClient) readLine() (string, error) {
	line, err := f.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (f *FollowerClient) handshake() error {
	if err := f.send([]string{"PING"}); err != nil {
		return fmt.Errorf("send PING: %w", err)
	}
	if resp, err := f.readLine(); err != nil || !strings.Contains(resp, "PONG") {
		return fmt.Errorf("PING handshake failed: resp=%q err=%v", resp, err)
	}

	if err := f.send([]string{"REPLCONF", "listening-port", strconv.Itoa(f.listenPort)}); err != nil {
		return fmt.Errorf("send REPLCONF listening-port: %w", err)
	}
	if resp, err := f.readLine(); err != nil || !strings.Contains(resp, "OK") {
		return fmt.Errorf("REPLCONF listening-port failed: resp=%q err=%v", resp, err)
	}

	if err := f.send([]string{"REPLCONF", "capa", "psync2"}); err != nil {
		return fmt.Errorf("send REPLCONF capa: %w", err)
	}
	if resp, err := f.readLine(); err != nil || !strings.Contains(resp, "OK") {
		return fmt.Errorf("REPLCONF capa failed: resp=%q err=%v", resp, err)
	}

	if err := f.send([]string{"PSYNC", "?", "-1"}); err != nil {
		return fmt.Errorf("send PSYNC: %w", err)
	}
	resp, err := f.readLine()
	if err != nil {
		return fmt.Errorf("PSYNC response: %w", err)
	}
	if !strings.HasPrefix(resp, "+FULLRESYNC") {
		return fmt.Errorf("unexpected PSYNC response: %q", resp)
	}
	fields := strings.Fields(resp)
	if len(fields) != 3 {
		return fmt.Errorf("malformed FULLRESYNC line: %q", resp)
	}
	f.masterReplID = fields[1]
	f.offset = 0

	return f.readRDBFrame()
}

// readRDBFrame reads the fixed `$<len>\r\n<bytes>` wire frame (no
// trailing CRLF, per spec.md's always-FULLRESYNC design) and hands the
// payload to LoadRDB if set.
func (f *FollowerClient) readRDBFrame() error {
	header, err := f.readLine()
	if err != nil {
		return fmt.Errorf("read RDB header: %w", err)
	}
	if !strings.HasPrefix(header, "$") {
		return fmt.Errorf("expected RDB bulk header, got %q", header)
	}
	n, err := strconv.Atoi(header[1:])
	if err != nil || n < 0 {
		return fmt.Errorf("malformed RDB length %q", header)
	}

	if f.LoadRDB != nil {
		return f.LoadRDB(f.reader, n)
	}
	_, err = io.CopyN(io.Discard, f.reader, int64(n))
	return err
}

// ingestLoop applies propagated commands and tracks processed_offset.
// REPLCONF GETACK * is answered with REPLCONF ACK <offset> computed
// from bytes processed strictly before the GETACK frame itself, then
// the GETACK frame's own bytes are folded into the running offset; any
// other command is applied locally with no reply.
func (f *FollowerClient) ingestLoop() error {
	for {
		f.conn.SetReadDeadline(time.Now().Add(65 * time.Second))

		cmd, n, err := protocol.ParseCommand(f.reader)
		if err != nil {
			return fmt.Errorf("replication stream read: %w", err)
		}
		if len(cmd.Args) == 0 {
			continue
		}

		if strings.EqualFold(cmd.Args[0], "REPLCONF") && len(cmd.Args) >= 2 && strings.EqualFold(cmd.Args[1], "GETACK") {
			if err := f.send([]string{"REPLCONF", "ACK", strconv.FormatUint(f.offset, 10)}); err != nil {
				return fmt.Errorf("send REPLCONF ACK: %w", err)
			}
			f.offset += uint64(n)
			continue
		}

		if f.Apply != nil {
			f.Apply(cmd.Args)
		}
		f.offset += uint64(n)
	}
}
