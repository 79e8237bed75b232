package session

import "sync"

// Gate is the client-side identity holder. It implements the sync core's
// SessionGate contract: the current identity plus change notifications on
// sign-in and sign-out.
type Gate struct {
	mu        sync.Mutex
	expertID  int64
	token     string
	present   bool
	listeners map[int]func()
	nextToken int
}

// NewGate returns a signed-out gate.
func NewGate() *Gate {
	return &Gate{listeners: make(map[int]func())}
}

// SignIn installs an identity and fires change listeners.
func (g *Gate) SignIn(expertID int64, token string) {
	g.mu.Lock()
	g.expertID = expertID
	g.token = token
	g.present = true
	g.mu.Unlock()
	g.fire()
}

// SignOut clears the identity and fires change listeners.
func (g *Gate) SignOut() {
	g.mu.Lock()
	g.expertID = 0
	g.token = ""
	g.present = false
	g.mu.Unlock()
	g.fire()
}

// CurrentIdentity returns the signed-in expert id, if any.
func (g *Gate) CurrentIdentity() (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.expertID, g.present
}

// Token returns the sealed token presented on mutating transport calls.
func (g *Gate) Token() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.token
}

// OnChange registers a listener invoked after every sign-in or sign-out.
func (g *Gate) OnChange(fn func()) (cancel func()) {
	g.mu.Lock()
	token := g.nextToken
	g.nextToken++
	g.listeners[token] = fn
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.listeners, token)
	}
}

func (g *Gate) fire() {
	g.mu.Lock()
	fns := make([]func(), 0, len(g.listeners))
	for _, fn := range g.listeners {
		fns = append(fns, fn)
	}
	g.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
