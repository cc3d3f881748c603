// Package gin starts a root span for every request served by a gin engine.
//
// gin copies the middleware chain into each route when the route is
// registered, so an engine must be loaded right after gin.New, before any
// route is added. Loading an engine that already has routes fails and leaves
// it unpatched.
//
//	tracer := hookz.New()
//	_ = hookzgin.Register(tracer)
//
//	engine := gin.New()
//	hookzgin.Load(tracer, engine)
package gin

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/hookz/manifest"
)

// Module is the import path engines are loaded under.
const Module = "github.com/gin-gonic/gin"

// state tracks the middleware installed on one engine. gin cannot remove
// middleware, so unpatching only switches it off.
type state struct {
	api     atomic.Pointer[hookz.API]
	enabled atomic.Bool
}

var engines sync.Map // *gin.Engine -> *state

// Specs returns the patch for gin 1.x.
func Specs() []hookz.PatchSpec {
	return []hookz.PatchSpec{{
		Versions: "1.x",
		Patch: func(module any, api *hookz.API) error {
			engine, ok := module.(*gin.Engine)
			if !ok || engine == nil {
				return errors.Newf("gin: expected *gin.Engine, got %T", module)
			}
			if _, seen := engines.Load(engine); !seen {
				if n := len(engine.Routes()); n > 0 {
					return errors.Newf("gin: engine already has %d routes; load it right after gin.New", n)
				}
			}
			st, loaded := engines.LoadOrStore(engine, &state{})
			s := st.(*state)
			s.api.Store(api)
			s.enabled.Store(true)
			if !loaded {
				engine.Use(middleware(s))
			}
			return nil
		},
		Unpatch: func(module any) {
			if st, ok := engines.Load(module); ok {
				st.(*state).enabled.Store(false)
			}
		},
	}}
}

// Register installs the gin patch on tracer.
func Register(tracer *hookz.Tracer) error {
	return tracer.Register(Module, Specs()...)
}

// Load patches engine using the version of gin linked into the program.
// Call it before registering routes: routes added earlier are not traced,
// so Load refuses an engine that already has routes and returns false.
func Load(tracer *hookz.Tracer, engine *gin.Engine) bool {
	return tracer.Load(Module, engine, manifest.SiteOf(gin.New))
}

func middleware(s *state) gin.HandlerFunc {
	return func(c *gin.Context) {
		api := s.api.Load()
		if !s.enabled.Load() || api == nil {
			c.Next()
			return
		}

		req := c.Request
		opts := hookz.RootSpanOptions{
			Name:       req.URL.Path,
			URL:        req.URL.Path,
			SkipFrames: 3,
			GetHeader:  req.Header.Get,
			SetHeader:  c.Header,
		}
		api.RunInRootSpan(req.Context(), opts, func(ctx context.Context, root *hookz.Span) {
			if root == nil {
				c.Next()
				return
			}
			defer root.EndSpan()

			keys := api.Labels()
			root.AddLabel(keys.HTTPMethod, req.Method)
			root.AddLabel(keys.HTTPURL, req.URL.String())
			root.AddLabel(keys.HTTPSourceIP, c.ClientIP())

			c.Request = req.WithContext(ctx)
			c.Next()

			root.AddLabel(keys.HTTPStatusCode, strconv.Itoa(c.Writer.Status()))
			if err := c.Errors.Last(); err != nil {
				root.AddLabel(keys.Error, err.Error())
			}
		})
	}
}
