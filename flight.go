package urlcache

import "context"

// flight is the shared result cell of one issuance. done is closed exactly
// once, after e and err are set; waiters read them only after <-done.
type flight struct {
	done chan struct{}
	e    Entry
	err  error
}

func newFlight() *flight { return &flight{done: make(chan struct{})} }

func (f *flight) wait(ctx context.Context) (Entry, error) {
	select {
	case <-f.done:
		return f.e, f.err
	default:
	}
	select {
	case <-f.done:
		return f.e, f.err
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

// acquire returns the flight registered for key, creating it when absent.
// leader is true for the caller that created it and must launch it; the
// leader's slot in c.work is already taken.
func (c *cache) acquire(key string) (f *flight, leader bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, false, ErrClosed
	}
	if f, ok := c.flights[key]; ok {
		return f, false, nil
	}
	f = newFlight()
	c.flights[key] = f
	c.work.Add(1)
	return f, true, nil
}

// settle publishes the result to f's waiters and unregisters f, unless an
// Invalidate already detached it or a newer flight took its slot.
func (c *cache) settle(key string, f *flight, e Entry, err error) {
	c.mu.Lock()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	c.mu.Unlock()

	f.e, f.err = e, err
	close(f.done)
}

func (c *cache) detach(key string) {
	c.mu.Lock()
	delete(c.flights, key)
	c.mu.Unlock()
}
