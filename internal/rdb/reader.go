package rdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"redis/internal/storage"
)

// Reader loads an on-disk RDB snapshot into a string keyspace. Only
// string values are understood; any other value type, or an opcode
// outside the subset this server understands, aborts the load
// gracefully: Load logs the unknown byte and returns nil, leaving the
// keyspace as whatever was loaded before it. Other read failures are
// returned as errors, which the caller logs before starting with an
// empty/partial keyspace rather than refusing to start.
type Reader struct {
	log *zap.Logger
}

func NewReader(log *zap.Logger) *Reader {
	return &Reader{log: log}
}

// LoadFile opens dir/dbfilename and applies every string key it finds
// to dst. A missing file is not an error — a fresh server has none.
func (r *Reader) LoadFile(dir, dbfilename string, dst *storage.StringStore) error {
	path := dir + string(os.PathSeparator) + dbfilename
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open RDB file: %w", err)
	}
	defer f.Close()

	return r.Load(bufio.NewReader(f), dst)
}

// Load parses the RDB stream from src and applies every string key it
// finds to dst.
func (r *Reader) Load(src *bufio.Reader, dst *storage.StringStore) error {
	magic := make([]byte, 9)
	if _, err := io.ReadFull(src, magic); err != nil {
		return fmt.Errorf("read RDB header: %w", err)
	}
	if string(magic[:5]) != magicString {
		return fmt.Errorf("not an RDB file: bad magic %q", magic[:5])
	}

	var pendingExpiry *time.Time

	for {
		op, err := src.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read opcode: %w", err)
		}

		switch op {
		case opEOF:
			return nil

		case opSelectDB:
			if _, err := readLength(src); err != nil {
				return fmt.Errorf("read db selector: %w", err)
			}

		case opResizeDB:
			if _, err := readLength(src); err != nil {
				return fmt.Errorf("read hash table size hint: %w", err)
			}
			if _, err := readLength(src); err != nil {
				return fmt.Errorf("read expire table size hint: %w", err)
			}

		case opAux:
			if _, err := readString(src); err != nil {
				return fmt.Errorf("read aux key: %w", err)
			}
			if _, err := readString(src); err != nil {
				return fmt.Errorf("read aux value: %w", err)
			}

		case opExpireTimeMs:
			var ms uint64
			if err := binary.Read(src, binary.LittleEndian, &ms); err != nil {
				return fmt.Errorf("read ms expiry: %w", err)
			}
			t := time.UnixMilli(int64(ms))
			pendingExpiry = &t

		case opExpireTime:
			var sec uint32
			if err := binary.Read(src, binary.LittleEndian, &sec); err != nil {
				return fmt.Errorf("read sec expiry: %w", err)
			}
			t := time.Unix(int64(sec), 0)
			pendingExpiry = &t

		case typeString:
			key, err := readString(src)
			if err != nil {
				return fmt.Errorf("read string key: %w", err)
			}
			val, err := readString(src)
			if err != nil {
				return fmt.Errorf("read string value: %w", err)
			}
			if pendingExpiry != nil {
				dst.SetPX(key, val, *pendingExpiry)
			} else {
				dst.Set(key, val)
			}
			pendingExpiry = nil

		default:
			r.log.Warn("RDB load: unknown opcode, aborting", zap.Uint8("opcode", op))
			return nil
		}
	}
}

// readLength decodes the two-bit length-prefix scheme: 00 -> 6-bit
// length in the low 6 bits of the first byte, 01 -> 14-bit length
// across two bytes, 10 -> 32-bit length in the next 4 bytes
// big-endian, 11 -> special integer encoding (handled by readString,
// which needs to know which of int8/16/32 applies).
func readLength(r *bufio.Reader) (int, error) {
	n, _, err := readLengthOrSpecial(r)
	return n, err
}

func readLengthOrSpecial(r *bufio.Reader) (length int, special int, err error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, 0, err
	}

	switch first >> 6 {
	case lenMask6Bit:
		return int(first & 0x3F), -1, nil

	case lenMask14Bit:
		next, err := r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		return int(first&0x3F)<<8 | int(next), -1, nil

	case lenMask32Bit:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, 0, err
		}
		return int(binary.BigEndian.Uint32(buf)), -1, nil

	case lenMaskSpecial:
		return 0, int(first & 0x3F), nil
	}

	return 0, 0, fmt.Errorf("unreachable length prefix")
}

// readString decodes a length-prefixed string, including the special
// 11-prefixed integer encodings (8/16/32-bit signed ints stored as
// their decimal string form).
func readString(r *bufio.Reader) (string, error) {
	length, special, err := readLengthOrSpecial(r)
	if err != nil {
		return "", err
	}

	if special >= 0 {
		switch special {
		case encInt8:
			b, err := r.ReadByte()
			if err != nil {
				return "", err
			}
			return strconv.FormatInt(int64(int8(b)), 10), nil
		case encInt16:
			buf := make([]byte, 2)
			if _, err := io.ReadFull(r, buf); err != nil {
				return "", err
			}
			return strconv.FormatInt(int64(int16(binary.LittleEndian.Uint16(buf))), 10), nil
		case encInt32:
			buf := make([]byte, 4)
			if _, err := io.ReadFull(r, buf); err != nil {
				return "", err
			}
			return strconv.FormatInt(int64(int32(binary.LittleEndian.Uint32(buf))), 10), nil
		default:
			return "", fmt.Errorf("unsupported special string encoding %d", special)
		}
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
