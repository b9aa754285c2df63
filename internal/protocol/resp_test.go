package protocol

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommandBasic(t *testing.T) {
	raw := "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	cmd, n, err := ParseCommand(r)
	require.NoError(t, err)
	assert.Equal(t, []string{"SET", "foo", "bar"}, cmd.Args)
	assert.Equal(t, len(raw), n)
}

func TestParseCommandEmbeddedCRLF(t *testing.T) {
	payload := "line1\r\nline2\nline3"
	raw := "*2\r\n$3\r\nSET\r\n$" + strconv.Itoa(len(payload)) + "\r\n" + payload + "\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	cmd, n, err := ParseCommand(r)
	require.NoError(t, err)
	require.Len(t, cmd.Args, 2)
	assert.Equal(t, payload, cmd.Args[1])
	assert.Equal(t, len(raw), n)
}

func TestParseCommandConsumesOnlyOneFrame(t *testing.T) {
	raw := "*1\r\n$4\r\nPING\r\n*1\r\n$4\r\nPING\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	_, n1, err := ParseCommand(r)
	require.NoError(t, err)

	_, n2, err := ParseCommand(r)
	require.NoError(t, err)

	assert.Equal(t, len(raw), n1+n2)
}

func TestParseCommandMalformed(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("*2\r\n$3\r\nfoo\r\n"))
	_, _, err := ParseCommand(r)
	assert.Error(t, err)
}

func TestEncodeRoundTrip(t *testing.T) {
	cases := []Value{
		Simple("OK"),
		ErrVal("ERR boom"),
		IntVal(42),
		IntVal(-7),
		Bulk("hello\r\nworld"),
		NullBulk(),
		NullArray(),
		Array(Bulk("a"), Bulk("b")),
		Array(Array(Bulk("1-1"), Array(Bulk("field"), Bulk("value")))),
	}

	for _, v := range cases {
		encoded := v.Encode()
		decoded, err := decodeValue(bufio.NewReader(bytes.NewReader(encoded)))
		require.NoError(t, err)
		assert.Equal(t, v, decoded)
	}
}

// decodeValue is a small test-only decoder used to validate Encode's
// round-trip property against the Value tree it was built from.
func decodeValue(r *bufio.Reader) (Value, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return Value{}, err
	}
	line = strings.TrimRight(line, "\r\n")
	switch line[0] {
	case '+':
		return Simple(line[1:]), nil
	case '-':
		return ErrVal(line[1:]), nil
	case ':':
		i, err := strconv.ParseInt(line[1:], 10, 64)
		return IntVal(i), err
	case '$':
		if line[1:] == "-1" {
			return NullBulk(), nil
		}
		n, err := strconv.Atoi(line[1:])
		if err != nil {
			return Value{}, err
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Value{}, err
		}
		return Bulk(string(buf[:n])), nil
	case '*':
		if line[1:] == "-1" {
			return NullArray(), nil
		}
		n, err := strconv.Atoi(line[1:])
		if err != nil {
			return Value{}, err
		}
		children := make([]Value, n)
		for i := 0; i < n; i++ {
			c, err := decodeValue(r)
			if err != nil {
				return Value{}, err
			}
			children[i] = c
		}
		return Array(children...), nil
	}
	return Value{}, errUnknownPrefix
}

var errUnknownPrefix = bytes.ErrTooLarge
