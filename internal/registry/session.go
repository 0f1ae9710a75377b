package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/matst80/notary/internal/iochannel"
	"github.com/matst80/notary/internal/reveal"
)

// SessionIDPrefix marks notary session ids.
const SessionIDPrefix = "nts-"

// State is the verifier-side session state. States only move forward.
type State string

const (
	StateRegistered State = "registered"
	StateConnected  State = "connected"
	StateProving    State = "proving"
	StateRevealing  State = "revealing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

var stateRank = map[State]int{
	StateRegistered: 0,
	StateConnected:  1,
	StateProving:    2,
	StateRevealing:  3,
	StateCompleted:  4,
	StateFailed:     4,
}

// Finished reports whether s is terminal.
func (s State) Finished() bool { return s == StateCompleted || s == StateFailed }

// Metadata is what a client registers. Limits are fixed for the session's life.
type Metadata struct {
	MaxSentData int               `json:"maxSentData"`
	MaxRecvData int               `json:"maxRecvData"`
	SessionData map[string]string `json:"sessionData,omitempty"`
}

// Session is the stored form of a session. Live handles stay in the
// registry of the instance that accepted the registration.
type Session struct {
	ID string `json:"id"`
	Metadata
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Error     string    `json:"error,omitempty"`
}

func newSessionID() string {
	return SessionIDPrefix + strings.ToLower(ulid.Make().String())
}

// live holds the local handles of a session: the verifier channel and the
// hand-off points between the control socket and the verifier task.
type live struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	rec Session
	ch  *iochannel.Channel

	revealCh chan reveal.Config

	once    sync.Once
	done    chan struct{}
	results []reveal.Result
	err     error
}

func newLive(parent context.Context, rec Session) *live {
	ctx, cancel := context.WithCancel(parent)
	return &live{
		ctx:      ctx,
		cancel:   cancel,
		rec:      rec,
		revealCh: make(chan reveal.Config, 1),
		done:     make(chan struct{}),
	}
}

func (l *live) snapshot() Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec
}

func (l *live) state() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec.State
}

// advance moves the session to st when st is later than the current state.
func (l *live) advance(st State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rec.State.Finished() || stateRank[st] <= stateRank[l.rec.State] {
		return false
	}
	l.rec.State = st
	l.rec.UpdatedAt = time.Now()
	return true
}

// finish records the outcome once and releases everything waiting on it.
// account runs before any waiter is released.
func (l *live) finish(results []reveal.Result, err error, account func()) bool {
	first := false
	l.once.Do(func() {
		first = true
		l.mu.Lock()
		if err != nil {
			l.rec.State = StateFailed
			l.rec.Error = err.Error()
		} else {
			l.rec.State = StateCompleted
		}
		l.rec.UpdatedAt = time.Now()
		ch := l.ch
		l.mu.Unlock()
		l.results, l.err = results, err
		if account != nil {
			account()
		}
		close(l.done)
		l.cancel()
		if ch != nil {
			_ = ch.Close()
		}
	})
	return first
}
