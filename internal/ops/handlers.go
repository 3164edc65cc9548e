package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/google/uuid"

	"remindd/internal/calendar"
	"remindd/internal/dispatch"
	"remindd/internal/preference"
	"remindd/internal/retention"
	"remindd/internal/runtime/lifecycle"
	rtsup "remindd/internal/runtime/supervisor"
	"remindd/internal/storage"
	"remindd/internal/task/scheduler"
	"remindd/internal/watch"
	logx "remindd/pkg/logx"
)

const resyncTimeout = 30 * time.Second

type Watcher interface {
	Resync(ctx context.Context, ownerID string) error
	Snapshot() watch.Snapshot
}

type PreferenceReader interface {
	Read(ownerID string) (preference.Preference, error)
}

// Deps are the components the handlers report on. Any of them may be nil.
type Deps struct {
	Lifecycle   *lifecycle.Lifecycle
	Store       storage.Store
	Preferences PreferenceReader
	Watch       Watcher
	Dispatch    *dispatch.Poller
	Scheduler   *scheduler.Service
	Retention   *retention.Sweeper
	Supervisor  *rtsup.Supervisor
	Now         func() time.Time

	// DefaultTitle is the push title used when a preference sets none.
	DefaultTitle string
}

// Handler exposes the routes for tests and embedding.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	tok := s.cfg.Token
	pp := s.cfg.Pprof
	s.mu.Unlock()
	return s.handler(tok, pp)
}

func (s *Service) handler(token string, withPprof bool) http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /readyz", s.readyz)
	mux.HandleFunc("GET /v1/status", auth(s.status))
	mux.HandleFunc("POST /v1/owners/{owner}/resync", auth(s.resync))
	mux.HandleFunc("GET /v1/owners/{owner}/occurrences", auth(s.occurrences))
	mux.HandleFunc("GET /v1/owners/{owner}/calendar.ics", auth(s.calendar))

	if withPprof {
		mux.HandleFunc("/debug/pprof/", auth(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", auth(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", auth(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", auth(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", auth(hpprof.Trace))
	}
	return s.withRequestID(mux)
}

func (s *Service) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("ops request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.String("request_id", id),
			logx.Duration("took", time.Since(start)))
	})
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "unauthorized")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

type health struct {
	Ready  bool            `json:"ready"`
	State  lifecycle.State `json:"state,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

func (s *Service) health() health {
	lc := s.currentDeps().Lifecycle
	if lc == nil {
		return health{Reason: "starting"}
	}
	snap := lc.Snapshot()
	return health{Ready: snap.Ready, State: snap.State, Reason: snap.Reason}
}

func (s *Service) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.health())
}

func (s *Service) readyz(w http.ResponseWriter, _ *http.Request) {
	h := s.health()
	code := http.StatusOK
	if !h.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

type statusBody struct {
	Lifecycle  *lifecycle.Snapshot `json:"lifecycle,omitempty"`
	Store      *storage.Stats      `json:"store,omitempty"`
	StoreError string              `json:"store_error,omitempty"`
	Dispatch   *dispatch.Snapshot  `json:"dispatch,omitempty"`
	Watch      *watch.Snapshot     `json:"watch,omitempty"`
	Scheduler  *scheduler.Snapshot `json:"scheduler,omitempty"`
	Retention  *retention.Result   `json:"retention,omitempty"`
	Supervisor *rtsup.Snapshot     `json:"supervisor,omitempty"`
}

func (s *Service) status(w http.ResponseWriter, r *http.Request) {
	d := s.currentDeps()
	var body statusBody
	if d.Lifecycle != nil {
		v := d.Lifecycle.Snapshot()
		body.Lifecycle = &v
	}
	if d.Store != nil {
		st, err := d.Store.Stats(r.Context())
		if err != nil {
			body.StoreError = err.Error()
		} else {
			body.Store = &st
		}
	}
	if d.Dispatch != nil {
		v := d.Dispatch.Snapshot()
		body.Dispatch = &v
	}
	if d.Watch != nil {
		v := d.Watch.Snapshot()
		body.Watch = &v
	}
	if d.Scheduler != nil {
		v := d.Scheduler.Snapshot()
		body.Scheduler = &v
	}
	if d.Retention != nil {
		v := d.Retention.Last()
		body.Retention = &v
	}
	if d.Supervisor != nil {
		v := d.Supervisor.Snapshot()
		body.Supervisor = &v
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Service) resync(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	if preference.ValidOwnerID(owner) != nil {
		writeError(w, http.StatusBadRequest, "invalid owner id")
		return
	}
	d := s.currentDeps()
	if d.Watch == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduling disabled")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), resyncTimeout)
	defer cancel()
	if err := d.Watch.Resync(ctx, owner); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, watch.ErrStopped) {
			code = http.StatusServiceUnavailable
		}
		s.log.Warn("manual resync failed", logx.Owner(owner), logx.Err(err))
		writeError(w, code, err.Error())
		return
	}
	s.log.Info("manual resync", logx.Owner(owner))
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner, "resynced": true})
}

func (s *Service) occurrences(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	if preference.ValidOwnerID(owner) != nil {
		writeError(w, http.StatusBadRequest, "invalid owner id")
		return
	}
	st := s.currentDeps().Store
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	list, err := st.ListOwner(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []storage.Occurrence{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner, "occurrences": list})
}

func (s *Service) calendar(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	d := s.currentDeps()
	if d.Preferences == nil {
		writeError(w, http.StatusServiceUnavailable, "preferences unavailable")
		return
	}
	p, err := d.Preferences.Read(owner)
	switch {
	case errors.Is(err, preference.ErrInvalidOwner):
		writeError(w, http.StatusBadRequest, "invalid owner id")
		return
	case errors.Is(err, preference.ErrNotFound):
		writeError(w, http.StatusNotFound, "no preferences for owner")
		return
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	title := d.DefaultTitle
	if title == "" {
		title = watch.DefaultTitle
	}
	cal, err := calendar.Build(p, now(), title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+owner+`.ics"`)
	_, _ = w.Write([]byte(cal.Serialize()))
}
