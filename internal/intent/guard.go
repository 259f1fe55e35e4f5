package intent

import (
	"sync"
	"time"

	"github.com/vthunder/quasar-intents/internal/logging"
)

const (
	// CommandLoopThreshold is the burst size at which command dispatch is refused
	CommandLoopThreshold = 4
	// CommandLoopWindow is the gap under which two dispatches count as one burst
	CommandLoopWindow = 3 * time.Second
)

// LoopGuard breaks feedback loops where a dispatched command re-triggers the
// intent that sent it. One guard is shared by every dispatch of a registry.
type LoopGuard struct {
	mu        sync.Mutex
	last      time.Time
	count     int // rapid repeats after the first command of a burst
	window    time.Duration
	threshold int
	now       func() time.Time
}

// NewLoopGuard creates a guard with the default window and threshold
func NewLoopGuard() *LoopGuard {
	return &LoopGuard{
		window:    CommandLoopWindow,
		threshold: CommandLoopThreshold,
		now:       time.Now,
	}
}

// Allow records a command attempt and reports whether it may be dispatched.
// The attempt is recorded even when refused, so a loop stays broken until the
// commands stop arriving within the window.
func (g *LoopGuard) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	allowed := true
	if !g.last.IsZero() && now.Sub(g.last) < g.window {
		g.count++
		// the burst includes the command that started it
		if g.count+1 >= g.threshold {
			logging.Error("intent", "Commands are being sent to the speaker too often. "+
				"The executed command probably matches one of the activation phrases")
			allowed = false
		}
	} else {
		g.count = 0
	}

	g.last = now
	return allowed
}
