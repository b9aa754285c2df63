package handler

// TransactionState is the state of a single connection's transaction.
type TransactionState int

const (
	TxNone    TransactionState = iota // no MULTI in progress
	TxStarted                         // MULTI called, commands being queued
)

// QueuedCommand is one command buffered between MULTI and EXEC/DISCARD.
type QueuedCommand struct {
	Name string
	Args []string
}

// Transaction holds one connection's transaction-buffering state. Each
// connection owns exactly one, since commands only ever execute inline
// on the connection's own goroutine.
type Transaction struct {
	State TransactionState
	Queue []QueuedCommand
}

func NewTransaction() *Transaction {
	return &Transaction{State: TxNone}
}

func (t *Transaction) Enqueue(name string, args []string) {
	t.Queue = append(t.Queue, QueuedCommand{Name: name, Args: args})
}

func (t *Transaction) Reset() {
	t.State = TxNone
	t.Queue = t.Queue[:0]
}
