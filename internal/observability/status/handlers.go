package status

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"studyagent/internal/agent"
	"studyagent/internal/eventbus"
	"studyagent/internal/notify"
	rtsup "studyagent/internal/runtime/supervisor"
	"studyagent/internal/task/engine"
	"studyagent/internal/task/scheduler"
)

const pprofPrefix = "/debug/pprof/"

// Sources feed the endpoints. Nil members are reported as absent.
type Sources struct {
	Agent         func() agent.Status
	Engine        func() engine.Snapshot
	Scheduler     func() scheduler.Snapshot
	Notifications func() []notify.HistoryItem
	Events        *eventbus.Recorder
	Goroutines    func() rtsup.Counters
	Started       time.Time
}

type statusResponse struct {
	Agent      *agent.Status   `json:"agent,omitempty"`
	Goroutines *rtsup.Counters `json:"goroutines,omitempty"`
	Uptime     string          `json:"uptime,omitempty"`
}

type tasksResponse struct {
	Engine        *engine.Snapshot     `json:"engine,omitempty"`
	Scheduler     *scheduler.Snapshot  `json:"scheduler,omitempty"`
	Notifications []notify.HistoryItem `json:"notifications,omitempty"`
}

// Handler builds the mux for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	srcs := s.srcs
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	mux.HandleFunc("/status", wrap(func(w http.ResponseWriter, r *http.Request) {
		var resp statusResponse
		if srcs.Agent != nil {
			st := srcs.Agent()
			resp.Agent = &st
		}
		if srcs.Goroutines != nil {
			c := srcs.Goroutines()
			resp.Goroutines = &c
		}
		if !srcs.Started.IsZero() {
			resp.Uptime = time.Since(srcs.Started).Truncate(time.Second).String()
		}
		writeJSON(w, resp)
	}))

	mux.HandleFunc("/tasks", wrap(func(w http.ResponseWriter, r *http.Request) {
		var resp tasksResponse
		if srcs.Engine != nil {
			snap := srcs.Engine()
			resp.Engine = &snap
		}
		if srcs.Scheduler != nil {
			snap := srcs.Scheduler()
			resp.Scheduler = &snap
		}
		if srcs.Notifications != nil {
			resp.Notifications = srcs.Notifications()
		}
		writeJSON(w, resp)
	}))

	mux.HandleFunc("/events", wrap(func(w http.ResponseWriter, r *http.Request) {
		if srcs.Events == nil {
			writeJSON(w, []eventbus.Event{})
			return
		}
		n, _ := strconv.Atoi(r.URL.Query().Get("n"))
		events := srcs.Events.Recent(n)
		if typ := strings.TrimSpace(r.URL.Query().Get("type")); typ != "" {
			filtered := events[:0]
			for _, e := range events {
				if strings.HasPrefix(e.Type, typ) {
					filtered = append(filtered, e)
				}
			}
			events = filtered
		}
		writeJSON(w, events)
	}))

	if cfg.Pprof {
		base := strings.TrimSuffix(pprofPrefix, "/")
		mux.HandleFunc(pprofPrefix, wrap(hpprof.Index))
		mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
		mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
	}
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either "Authorization: Bearer <token>" or ?token=<token>.
		if got := r.URL.Query().Get("token"); got != "" {
			if tokenEqual(got, tok) {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && tokenEqual(strings.TrimSpace(strings.TrimPrefix(ah, p)), tok) {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
