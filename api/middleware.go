package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"ysod-timeline/core/auth"
	"ysod-timeline/core/incidents"
)

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if s.logger != nil {
					s.logger.Errorf("PANIC %s %s: %v\n%s", r.Method, r.URL.Path, rec, string(debug.Stack()))
				}
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limit := s.maxBodyBytes(); limit > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyBytes() int64 {
	if s.cfg == nil || s.cfg.HTTP.MaxBodyBytes <= 0 {
		return 1 << 20
	}
	return s.cfg.HTTP.MaxBodyBytes
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if s.logger != nil {
			s.logger.Printf("REQ %s %s", r.Method, r.URL.Path)
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.logger != nil {
			actor := r.Header.Get(auth.ActorHeader)
			if actor == "" {
				actor = "-"
			}
			s.logger.Printf("RESP %s %s actor=%s status=%d dur=%s bytes=%d", r.Method, r.URL.Path, actor, rec.status, time.Since(start), rec.size)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

// withActor resolves the X-Actor-ID header against the user directory.
func (s *Server) withActor(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.actors.Resolve(r)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrNoActor):
				if s.logger != nil {
					s.logger.Printf("AUTH fail (missing actor) %s %s", r.Method, r.URL.Path)
				}
				writeJSON(w, http.StatusUnauthorized, errorBody("timeline.unauthorized", "actor header required"))
			case errors.Is(err, auth.ErrUnknownActor):
				if s.logger != nil {
					s.logger.Printf("AUTH fail (unknown actor) %s %s actor=%s", r.Method, r.URL.Path, r.Header.Get(auth.ActorHeader))
				}
				writeJSON(w, http.StatusForbidden, errorBody("timeline.forbidden", "unknown or inactive actor"))
			default:
				if s.logger != nil {
					s.logger.Errorf("AUTH resolve %s %s: %v", r.Method, r.URL.Path, err)
				}
				writeJSON(w, http.StatusInternalServerError, errorBody("internal", "internal server error"))
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), actor)))
	}
}

func (s *Server) requirePermission(act string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			actor := auth.ActorFromContext(r.Context())
			if actor == nil {
				if s.logger != nil {
					s.logger.Printf("PERM fail (no actor) %s %s need=%s", r.Method, r.URL.Path, act)
				}
				writeJSON(w, http.StatusUnauthorized, errorBody("timeline.unauthorized", "actor header required"))
				return
			}
			if !s.authz.HasAction(actor.Role, act) {
				incidents.Log(s.audits, r.Context(), actor.ID, incidents.AuditActionForRequest(r), r.URL.Path, "denied", "need="+act)
				if s.logger != nil {
					s.logger.Printf("PERM fail %s %s actor=%s role=%s need=%s", r.Method, r.URL.Path, actor.ID, actor.Role, act)
				}
				writeJSON(w, http.StatusForbidden, errorBody("timeline.forbidden", "forbidden"))
				return
			}
			next.ServeHTTP(w, r)
		}
	}
}

func errorBody(code, message string) map[string]any {
	return map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
