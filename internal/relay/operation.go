package relay

import "sync"

// Operation is a handle to a background call started by the Controller.
// Hosts that cannot wait poll the Controller instead; tests and native
// callers may wait on Done.
type Operation struct {
	name string
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	err   error
	match *MatchSession
}

func newOperation(name string) *Operation {
	return &Operation{name: name, done: make(chan struct{})}
}

// Name returns the operation name used in logs.
func (o *Operation) Name() string { return o.name }

// Done is closed when the operation completes.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Err returns the operation's failure, or nil. Valid after Done is closed.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Match returns the joined match snapshot for join operations.
//
// Postcondition: Returns (snapshot, true) after a successful join, or (zero, false).
func (o *Operation) Match() (MatchSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.match == nil {
		return MatchSession{}, false
	}
	return o.match.clone(), true
}

func (o *Operation) finish(match *MatchSession, err error) {
	o.once.Do(func() {
		o.mu.Lock()
		o.err = err
		o.match = match
		o.mu.Unlock()
		close(o.done)
	})
}
