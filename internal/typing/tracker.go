// Package typing tracks who is currently typing in each channel. An
// indicator lives until its expiry timer fires or the user explicitly stops.
package typing

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/fluxy/internal/debounce"
)

// DefaultExpiry is how long an indicator survives without a refresh.
const DefaultExpiry = 3 * time.Second

const keyPrefix = "typing/"

// Indicator is one user typing in one channel.
type Indicator struct {
	ChannelID string
	UserID    string
	Username  string
	At        time.Time
}

// Tracker holds the active indicators. Every indicator has its own timer, so
// one user's refresh never delays another user's expiry.
type Tracker struct {
	sched    *debounce.Scheduler
	expiry   time.Duration
	onChange func(channelID string)

	mu     sync.Mutex
	active map[string]map[string]Indicator // channelID -> userID -> indicator
}

// NewTracker creates a tracker. onChange, when set, is called after the
// indicator set of a channel changes, including on expiry.
func NewTracker(sched *debounce.Scheduler, expiry time.Duration, onChange func(channelID string)) *Tracker {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Tracker{
		sched:    sched,
		expiry:   expiry,
		onChange: onChange,
		active:   make(map[string]map[string]Indicator),
	}
}

// Touch creates or refreshes an indicator and restarts its expiry timer.
func (t *Tracker) Touch(channelID, userID, username string) {
	if channelID == "" || userID == "" {
		return
	}
	t.mu.Lock()
	users, ok := t.active[channelID]
	if !ok {
		users = make(map[string]Indicator)
		t.active[channelID] = users
	}
	_, existed := users[userID]
	users[userID] = Indicator{
		ChannelID: channelID,
		UserID:    userID,
		Username:  username,
		At:        t.sched.Clock().Now(),
	}
	t.mu.Unlock()

	t.sched.Arm(timerKey(channelID, userID), t.expiry, func() {
		if t.remove(channelID, userID) {
			t.notify(channelID)
		}
	})
	if !existed {
		t.notify(channelID)
	}
}

// Stop removes an indicator immediately and cancels its timer.
func (t *Tracker) Stop(channelID, userID string) {
	t.sched.Cancel(timerKey(channelID, userID))
	if t.remove(channelID, userID) {
		t.notify(channelID)
	}
}

// Active returns the channel's indicators sorted by username.
func (t *Tracker) Active(channelID string) []Indicator {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Indicator, 0, len(t.active[channelID]))
	for _, ind := range t.active[channelID] {
		out = append(out, ind)
	}
	slices.SortFunc(out, func(a, b Indicator) int {
		if c := strings.Compare(a.Username, b.Username); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	return out
}

// ClearChannel drops every indicator in the channel and cancels their timers.
func (t *Tracker) ClearChannel(channelID string) {
	t.sched.CancelPrefix(channelPrefix(channelID))
	t.mu.Lock()
	delete(t.active, channelID)
	t.mu.Unlock()
}

func (t *Tracker) remove(channelID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.active[channelID]
	if !ok {
		return false
	}
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.active, channelID)
	}
	return true
}

func (t *Tracker) notify(channelID string) {
	if t.onChange != nil {
		t.onChange(channelID)
	}
}

// channelPrefix terminates the channel ID so that clearing "a" never touches
// timers of "ab".
func channelPrefix(channelID string) string {
	return keyPrefix + channelID + "\x00"
}

func timerKey(channelID, userID string) string {
	return channelPrefix(channelID) + userID
}
