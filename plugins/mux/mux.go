// Package mux starts a root span for every request routed by a gorilla/mux
// router. Spans are named after the matched route template.
package mux

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/hookz/manifest"
)

// Module is the import path routers are loaded under.
const Module = "github.com/gorilla/mux"

type state struct {
	api     atomic.Pointer[hookz.API]
	enabled atomic.Bool
}

var routers sync.Map // *mux.Router -> *state

// Specs returns the patch for gorilla/mux 1.x.
func Specs() []hookz.PatchSpec {
	return []hookz.PatchSpec{{
		Versions: "1.x",
		Patch: func(module any, api *hookz.API) error {
			router, ok := module.(*mux.Router)
			if !ok || router == nil {
				return errors.Newf("mux: expected *mux.Router, got %T", module)
			}
			st, loaded := routers.LoadOrStore(router, &state{})
			s := st.(*state)
			s.api.Store(api)
			s.enabled.Store(true)
			if !loaded {
				router.Use(middleware(s))
			}
			return nil
		},
		Unpatch: func(module any) {
			if st, ok := routers.Load(module); ok {
				st.(*state).enabled.Store(false)
			}
		},
	}}
}

// Register installs the mux patch on tracer.
func Register(tracer *hookz.Tracer) error {
	return tracer.Register(Module, Specs()...)
}

// Load patches router using the version of gorilla/mux linked into the program.
func Load(tracer *hookz.Tracer, router *mux.Router) bool {
	return tracer.Load(Module, router, manifest.SiteOf(mux.NewRouter))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func middleware(s *state) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			api := s.api.Load()
			if !s.enabled.Load() || api == nil {
				next.ServeHTTP(w, req)
				return
			}

			name := req.URL.Path
			if route := mux.CurrentRoute(req); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					name = tpl
				}
			}
			opts := hookz.RootSpanOptions{
				Name:       name,
				URL:        req.URL.Path,
				SkipFrames: 3,
				GetHeader:  req.Header.Get,
				SetHeader:  w.Header().Set,
			}
			api.RunInRootSpan(req.Context(), opts, func(ctx context.Context, root *hookz.Span) {
				if root == nil {
					next.ServeHTTP(w, req)
					return
				}
				defer root.EndSpan()

				keys := api.Labels()
				root.AddLabel(keys.HTTPMethod, req.Method)
				root.AddLabel(keys.HTTPURL, req.URL.String())
				root.AddLabel(keys.HTTPSourceIP, sourceIP(req))

				rec := &statusRecorder{ResponseWriter: w}
				next.ServeHTTP(rec, req.WithContext(ctx))
				root.AddLabel(keys.HTTPStatusCode, strconv.Itoa(rec.Status()))
			})
		})
	}
}

func sourceIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
