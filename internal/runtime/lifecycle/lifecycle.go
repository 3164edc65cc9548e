// Package lifecycle holds the process readiness state.
//
// One Lifecycle is created by the app and injected into every component
// that needs to know whether scheduling is initialized. Transitions are
// mirrored to systemd (READY=1, STATUS=...) when running under a unit.
package lifecycle

import (
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "remindd/pkg/logx"
)

type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateFailed   State = "failed"
	StateStopping State = "stopping"
)

// StopReason is recorded in logs when the process shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// Notifier receives systemd-style state strings. daemon.SdNotify is the
// production implementation.
type Notifier func(state string) (bool, error)

func systemdNotify(state string) (bool, error) { return daemon.SdNotify(false, state) }

// Snapshot is the health view of the lifecycle.
type Snapshot struct {
	State     State     `json:"state"`
	Ready     bool      `json:"ready"`
	Reason    string    `json:"reason,omitempty"`
	Since     time.Time `json:"since"`
	StartedAt time.Time `json:"started_at"`
}

type Lifecycle struct {
	mu        sync.RWMutex
	state     State
	reason    string
	since     time.Time
	startedAt time.Time

	notify Notifier
	log    logx.Logger
	now    func() time.Time
}

type Option func(*Lifecycle)

func WithNotifier(n Notifier) Option { return func(l *Lifecycle) { l.notify = n } }

func WithLogger(log logx.Logger) Option { return func(l *Lifecycle) { l.log = log } }

func New(opts ...Option) *Lifecycle {
	l := &Lifecycle{state: StateStarting, notify: systemdNotify, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	l.startedAt = l.now()
	l.since = l.startedAt
	return l
}

// Ready reports whether scheduling is initialized.
func (l *Lifecycle) Ready() bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == StateReady
}

func (l *Lifecycle) MarkReady() {
	l.set(StateReady, "")
	l.sdNotify(daemon.SdNotifyReady, "STATUS=scheduling active")
}

// MarkFailed records a fatal initialization error. The process keeps
// running so health endpoints can report it.
func (l *Lifecycle) MarkFailed(err error) {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	l.set(StateFailed, reason)
	// READY=1 so systemd does not restart-loop a unit that is serving health
	l.sdNotify(daemon.SdNotifyReady, "STATUS=scheduling disabled: "+reason)
}

func (l *Lifecycle) MarkStopping(reason StopReason) {
	l.set(StateStopping, string(reason))
	l.sdNotify(daemon.SdNotifyStopping, "STATUS=stopping")
}

func (l *Lifecycle) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{
		State:     l.state,
		Ready:     l.state == StateReady,
		Reason:    l.reason,
		Since:     l.since,
		StartedAt: l.startedAt,
	}
}

func (l *Lifecycle) set(s State, reason string) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.reason = reason
	l.since = l.now()
	l.mu.Unlock()
	if prev != s {
		l.log.Info("lifecycle state changed",
			logx.String("from", string(prev)),
			logx.String("to", string(s)),
			logx.String("reason", reason),
		)
	}
}

func (l *Lifecycle) sdNotify(states ...string) {
	if l.notify == nil {
		return
	}
	for _, st := range states {
		if _, err := l.notify(st); err != nil {
			l.log.Debug("sd_notify failed", logx.String("state", st), logx.Err(err))
		}
	}
}
