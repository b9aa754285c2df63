package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"redis/internal/protocol"
	"redis/internal/replication"
	"redis/internal/storage"
)

func newTestHandler() *CommandHandler {
	ks := storage.NewKeyspace()
	registry := replication.NewRegistry(zap.NewNop())
	return NewCommandHandler(zap.NewNop(), ks, registry, "", "", "")
}

func newTestState() *ConnectionState {
	return &ConnectionState{Tx: NewTransaction()}
}

func TestSetGet(t *testing.T) {
	h := newTestHandler()
	c := newTestState()

	reply, _ := h.dispatch(c, "SET", []string{"foo", "bar"}, nil)
	assert.Equal(t, "OK", reply.Str)

	reply, _ = h.dispatch(c, "GET", []string{"foo"}, nil)
	assert.Equal(t, "bar", reply.Str)
}

func TestSetPXExpiry(t *testing.T) {
	h := newTestHandler()
	c := newTestState()

	_, _ = h.dispatch(c, "SET", []string{"k", "v", "PX", "20"}, nil)
	reply, _ := h.dispatch(c, "GET", []string{"k"}, nil)
	assert.Equal(t, "v", reply.Str)

	time.Sleep(40 * time.Millisecond)
	reply, _ = h.dispatch(c, "GET", []string{"k"}, nil)
	assert.Equal(t, protocol.KindNullBulk, reply.Kind)
}

func TestIncrNonInteger(t *testing.T) {
	h := newTestHandler()
	c := newTestState()

	_, _ = h.dispatch(c, "SET", []string{"k", "abc"}, nil)
	reply, _ := h.dispatch(c, "INCR", []string{"k"}, nil)
	assert.Equal(t, protocol.KindError, reply.Kind)
}

func TestTypeAcrossKeyspaces(t *testing.T) {
	h := newTestHandler()
	c := newTestState()

	_, _ = h.dispatch(c, "SET", []string{"s", "v"}, nil)
	_, _ = h.dispatch(c, "XADD", []string{"stream1", "*", "a", "1"}, nil)

	reply, _ := h.dispatch(c, "TYPE", []string{"s"}, nil)
	assert.Equal(t, "string", reply.Str)

	reply, _ = h.dispatch(c, "TYPE", []string{"stream1"}, nil)
	assert.Equal(t, "stream", reply.Str)

	reply, _ = h.dispatch(c, "TYPE", []string{"missing"}, nil)
	assert.Equal(t, "none", reply.Str)
}

func TestWrongTypeRejected(t *testing.T) {
	h := newTestHandler()
	c := newTestState()

	_, _ = h.dispatch(c, "SET", []string{"k", "v"}, nil)
	reply, _ := h.dispatch(c, "XADD", []string{"k", "*", "a", "1"}, nil)
	assert.Equal(t, protocol.KindError, reply.Kind)
}

func TestXAddXRangeOrdering(t *testing.T) {
	h := newTestHandler()
	c := newTestState()

	id1, _ := h.dispatch(c, "XADD", []string{"s", "1-1", "a", "1"}, nil)
	id2, _ := h.dispatch(c, "XADD", []string{"s", "1-2", "b", "2"}, nil)
	require.Equal(t, "1-1", id1.Str)
	require.Equal(t, "1-2", id2.Str)

	reply, _ := h.dispatch(c, "XRANGE", []string{"s", "-", "+"}, nil)
	require.Len(t, reply.Children, 2)
}

func TestMultiExecQueuesAndRuns(t *testing.T) {
	h := newTestHandler()
	c := newTestState()

	reply, _ := h.dispatch(c, "MULTI", nil, nil)
	assert.Equal(t, "OK", reply.Str)

	reply, _ = h.dispatch(c, "SET", []string{"a", "1"}, nil)
	assert.Equal(t, "QUEUED", reply.Str)

	reply, _ = h.dispatch(c, "INCR", []string{"a"}, nil)
	assert.Equal(t, "QUEUED", reply.Str)

	reply, _ = h.dispatch(c, "EXEC", nil, nil)
	require.Len(t, reply.Children, 2)
	assert.EqualValues(t, 2, reply.Children[1].Int)

	getReply, _ := h.dispatch(c, "GET", []string{"a"}, nil)
	assert.Equal(t, "2", getReply.Str)
}

func TestDiscardDropsQueue(t *testing.T) {
	h := newTestHandler()
	c := newTestState()

	_, _ = h.dispatch(c, "MULTI", nil, nil)
	_, _ = h.dispatch(c, "SET", []string{"a", "1"}, nil)
	reply, _ := h.dispatch(c, "DISCARD", nil, nil)
	assert.Equal(t, "OK", reply.Str)

	reply, _ = h.dispatch(c, "GET", []string{"a"}, nil)
	assert.Equal(t, protocol.KindNullBulk, reply.Kind)
}

func TestDBSize(t *testing.T) {
	h := newTestHandler()
	c := newTestState()

	_, _ = h.dispatch(c, "SET", []string{"a", "1"}, nil)
	_, _ = h.dispatch(c, "XADD", []string{"s", "*", "f", "v"}, nil)

	reply, _ := h.dispatch(c, "DBSIZE", nil, nil)
	assert.EqualValues(t, 2, reply.Int)
}
