package lifecycle

import "sync"

// paymentLocks serializes writers of a single payment: the poll loop, the
// callback handler and manual status checks can all race on the same record.
// Entries are kept for the process lifetime; the table grows with the number
// of distinct payments, which is bounded by the payment volume itself.
type paymentLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPaymentLocks() *paymentLocks {
	return &paymentLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the mutex for the given payment id and returns the unlock.
func (t *paymentLocks) acquire(id string) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}
