package session

// State is the lifecycle position of a session.
type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StateActive
	// StateDisconnected ends a session. A new StartSession begins another
	// one with a fresh participant id.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// leadingNotificationGuard swallows the first notification of every auth
// watch. Identity providers deliver their current state when a watch opens,
// before any sign-in has completed, so only later notifications can mean a
// real sign-in.
type leadingNotificationGuard struct {
	seen bool
}

// Admit reports whether a notification may be acted on. It returns false
// exactly once after each Reset.
func (g *leadingNotificationGuard) Admit() bool {
	if !g.seen {
		g.seen = true
		return false
	}
	return true
}

// Reset arms the guard for a new watch.
func (g *leadingNotificationGuard) Reset() {
	g.seen = false
}
