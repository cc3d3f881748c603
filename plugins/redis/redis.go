// Package redis traces redis client libraries built on shim dispatch tables.
//
// A library opts in by routing its package-level constructor and its
// per-client methods through two shim.Tables and implementing Library. The
// plugin then creates a child span for every command sent inside a trace
// and keeps connection event listeners in the trace that registered them.
//
// Three library generations are supported, mirroring how the command and
// stream paths moved between releases:
//
//	2.6.x       InternalSendCommand, CreateClient
//	>2.3.x <2.6 SendCommand, CreateStream, CreateClient
//	<=2.3.x     SendCommand, InstallStreamListeners, CreateClient
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/hookz/cls"
	"github.com/zoobzio/hookz/shim"
)

// Module is the name libraries are registered and loaded under.
const Module = "redis"

// Method names looked up on the library's dispatch tables.
const (
	MethodCreateClient           = "CreateClient"
	MethodSendCommand            = "SendCommand"
	MethodInternalSendCommand    = "InternalSendCommand"
	MethodCreateStream           = "CreateStream"
	MethodInstallStreamListeners = "InstallStreamListeners"
)

// Reply receives the outcome of a command.
type Reply func(ctx context.Context, result any, err error)

// Command is one command on its way to the server.
type Command struct {
	Callback Reply
	Name     string
	Args     []string
}

// Conn is a client connection created by the library.
type Conn interface {
	// Events is the client's own event emitter.
	Events() cls.Emitter
	SetEvents(e cls.Emitter)
	// Stream is the emitter of the underlying network stream. Nil until
	// the stream is created.
	Stream() cls.Emitter
	SetStream(e cls.Emitter)
}

// Library is a redis client package instrumented through dispatch tables.
type Library interface {
	// Exports holds package-level functions.
	Exports() *shim.Table
	// Client holds methods shared by every Conn.
	Client() *shim.Table
}

// Function shapes the library registers on its tables.
type (
	CreateClientFunc           = func(ctx context.Context, addr string) (Conn, error)
	SendCommandFunc            = func(ctx context.Context, conn Conn, cmd *Command) error
	CreateStreamFunc           = func(ctx context.Context, conn Conn) error
	InstallStreamListenersFunc = func(ctx context.Context, conn Conn) error
)

// Specs returns the version-ranged patches for redis libraries, newest first.
func Specs() []hookz.PatchSpec {
	return []hookz.PatchSpec{
		{
			Versions: "2.6.x",
			Patch: func(module any, api *hookz.API) error {
				lib, err := library(module)
				if err != nil {
					return err
				}
				if err := hookz.Wrap(api, lib.Client(), MethodInternalSendCommand, sendCommandWrap(api)); err != nil {
					return err
				}
				return hookz.Wrap(api, lib.Exports(), MethodCreateClient, createClientWrap(api))
			},
		},
		{
			Versions: ">2.3.x <2.6",
			Patch: func(module any, api *hookz.API) error {
				lib, err := library(module)
				if err != nil {
					return err
				}
				if err := hookz.Wrap(api, lib.Client(), MethodSendCommand, sendCommandWrap(api)); err != nil {
					return err
				}
				if err := hookz.Wrap(api, lib.Client(), MethodCreateStream, createStreamWrap(api)); err != nil {
					return err
				}
				return hookz.Wrap(api, lib.Exports(), MethodCreateClient, createClientWrap(api))
			},
		},
		{
			Versions: "<=2.3.x",
			Patch: func(module any, api *hookz.API) error {
				lib, err := library(module)
				if err != nil {
					return err
				}
				if err := hookz.Wrap(api, lib.Client(), MethodSendCommand, sendCommandWrap(api)); err != nil {
					return err
				}
				if err := hookz.Wrap(api, lib.Client(), MethodInstallStreamListeners, streamListenersWrap(api)); err != nil {
					return err
				}
				return hookz.Wrap(api, lib.Exports(), MethodCreateClient, createClientWrap(api))
			},
		},
	}
}

// Register installs the redis patches on tracer.
func Register(tracer *hookz.Tracer) error {
	return tracer.Register(Module, Specs()...)
}

func library(module any) (Library, error) {
	lib, ok := module.(Library)
	if !ok {
		return nil, errors.Newf("redis: %T does not expose dispatch tables", module)
	}
	return lib, nil
}

func createClientWrap(api *hookz.API) func(CreateClientFunc) CreateClientFunc {
	return func(next CreateClientFunc) CreateClientFunc {
		return func(ctx context.Context, addr string) (Conn, error) {
			conn, err := next(ctx, addr)
			if err == nil && conn != nil && conn.Events() != nil {
				conn.SetEvents(api.WrapEmitter(nil, conn.Events()))
			}
			return conn, err
		}
	}
}

// createStreamWrap binds listeners on streams created by CreateStream.
func createStreamWrap(api *hookz.API) func(CreateStreamFunc) CreateStreamFunc {
	return func(next CreateStreamFunc) CreateStreamFunc {
		return func(ctx context.Context, conn Conn) error {
			err := next(ctx, conn)
			if conn != nil && conn.Stream() != nil {
				conn.SetStream(api.WrapEmitter(nil, conn.Stream()))
			}
			return err
		}
	}
}

// streamListenersWrap binds the stream before the client attaches its
// listeners to it.
func streamListenersWrap(api *hookz.API) func(InstallStreamListenersFunc) InstallStreamListenersFunc {
	return func(next InstallStreamListenersFunc) InstallStreamListenersFunc {
		return func(ctx context.Context, conn Conn) error {
			if conn != nil && conn.Stream() != nil {
				conn.SetStream(api.WrapEmitter(nil, conn.Stream()))
			}
			return next(ctx, conn)
		}
	}
}

func sendCommandWrap(api *hookz.API) func(SendCommandFunc) SendCommandFunc {
	return func(next SendCommandFunc) SendCommandFunc {
		return func(ctx context.Context, conn Conn, cmd *Command) error {
			if api.ActiveTransaction(ctx) == nil || cmd == nil || cmd.Name == "" {
				return next(ctx, conn, cmd)
			}
			span := startSpan(ctx, api, cmd)
			cmd.Callback = wrapReply(ctx, api, span, cmd.Callback)
			return next(ctx, conn, cmd)
		}
	}
}

func startSpan(ctx context.Context, api *hookz.API, cmd *Command) *hookz.Span {
	_, span := api.CreateChildSpan(ctx, hookz.SpanOptions{
		Name:       "redis-" + cmd.Name,
		SkipFrames: 1,
	})
	span.AddLabel("command", cmd.Name)
	if api.EnhancedReportingEnabled() {
		args, err := json.Marshal(cmd.Args)
		if err != nil {
			api.Logger().Debug("cannot encode command arguments", zap.Error(err))
		} else {
			span.AddLabel("arguments", string(args))
		}
	}
	return span
}

// wrapReply ends span when the reply arrives and hands the reply to done in
// the context the command was sent from.
func wrapReply(ctx context.Context, api *hookz.API, span *hookz.Span, done Reply) Reply {
	return func(_ context.Context, result any, err error) {
		if api.EnhancedReportingEnabled() {
			if err != nil {
				span.AddLabel("error", err.Error())
			}
			if result != nil {
				span.AddLabel("result", fmt.Sprint(result))
			}
		}
		span.EndSpan()
		if done != nil {
			done(ctx, result, err)
		}
	}
}
