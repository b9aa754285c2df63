package storage

// Keyspace groups the string store and the stream store, and answers
// the cross-store queries (TYPE, DBSIZE) that need to consult both. It
// does not itself keep a key name out of both stores; the commands that
// write a key check the other store first.
type Keyspace struct {
	Strings *StringStore
	Streams *StreamStore
}

func NewKeyspace() *Keyspace {
	return &Keyspace{
		Strings: NewStringStore(),
		Streams: NewStreamStore(),
	}
}

// Type reports "stream", then "string", else "none" — stream store is
// consulted first per spec.md §3.
func (k *Keyspace) Type(key string) string {
	if k.Streams.Exists(key) {
		return "stream"
	}
	if k.Strings.Exists(key) {
		return "string"
	}
	return "none"
}

// Size returns the combined key count across both stores, used by the
// DBSIZE introspection command.
func (k *Keyspace) Size() int {
	return len(k.Strings.Keys()) + len(k.Streams.Keys())
}
