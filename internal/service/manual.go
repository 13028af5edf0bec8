package service

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrManualBusy rejects a send-now while the same user has one in flight.
	ErrManualBusy = errors.New("manual send already in progress")
	// ErrManualCooldown rejects a send-now inside the user's cooldown window.
	ErrManualCooldown = errors.New("manual send cooldown active")
)

// ManualGate tracks in-flight manual sends and their cooldown per user.
type ManualGate struct {
	mu        sync.Mutex
	cooldown  time.Duration
	users     map[int64]*manualState
	nextSweep time.Time
}

type manualState struct {
	inFlight bool
	limiter  *rate.Limiter
}

func NewManualGate(cooldown time.Duration) *ManualGate {
	return &ManualGate{cooldown: cooldown, users: make(map[int64]*manualState)}
}

// Acquire marks userID as in flight. The returned func clears the marker; the
// cooldown keeps running after release.
func (g *ManualGate) Acquire(userID int64, now time.Time) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweep(now)
	st, ok := g.users[userID]
	if !ok {
		st = &manualState{limiter: rate.NewLimiter(rate.Every(g.cooldown), 1)}
		g.users[userID] = st
	}
	if st.inFlight {
		return nil, ErrManualBusy
	}
	if !st.limiter.AllowN(now, 1) {
		return nil, ErrManualCooldown
	}
	st.inFlight = true

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			st.inFlight = false
			g.mu.Unlock()
		})
	}, nil
}

// sweep drops idle users whose cooldown has fully elapsed. It runs at most
// once per cooldown period.
func (g *ManualGate) sweep(now time.Time) {
	if now.Before(g.nextSweep) {
		return
	}
	for id, st := range g.users {
		if !st.inFlight && st.limiter.TokensAt(now) >= 1 {
			delete(g.users, id)
		}
	}
	g.nextSweep = now.Add(g.cooldown)
}

// Len reports how many users the gate currently tracks.
func (g *ManualGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.users)
}
