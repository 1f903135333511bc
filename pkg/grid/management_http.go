package grid

import (
	"bytes"
	"context"
	"io"
	"net"
	"time"

	fiber "github.com/gofiber/fiber/v3"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// ManagementHTTPOption configures the management HTTP server.
type ManagementHTTPOption func(*ManagementHTTPServer)

// ManagementHTTPServer holds Fiber app and settings.
type ManagementHTTPServer struct {
	addr         string
	app          *fiber.App
	readTimeout  time.Duration
	writeTimeout time.Duration
	authFunc     func(fiber.Ctx) error
	ln           net.Listener
	started      bool
}

// WithMgmtAuth sets an auth function (return error to block).
func WithMgmtAuth(fn func(fiber.Ctx) error) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.authFunc = fn }
}

// WithMgmtReadTimeout sets read timeout.
func WithMgmtReadTimeout(d time.Duration) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.readTimeout = d }
}

// WithMgmtWriteTimeout sets write timeout.
func WithMgmtWriteTimeout(d time.Duration) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.writeTimeout = d }
}

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// NewManagementHTTPServer builds an HTTP server holder (lazy start).
func NewManagementHTTPServer(addr string, opts ...ManagementHTTPOption) *ManagementHTTPServer {
	srv := &ManagementHTTPServer{
		addr:         addr,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.app = fiber.New(fiber.Config{
		ReadTimeout:  srv.readTimeout,
		WriteTimeout: srv.writeTimeout,
	})

	return srv
}

// managementNode is what the endpoints read from and act on.
type managementNode interface {
	ID() string
	Stats() map[string]uint64
	WriteMetrics(w io.Writer)
	Settings() map[string]any
	Size() int
	LockCount() int
	OpenTransactions() (local, remote int)
	Owners(key string) []string
	Members() []string
	ChainLayout() []string
	Evict(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Start launches listener (idempotent).
func (s *ManagementHTTPServer) Start(ctx context.Context, node managementNode) error {
	if s.started {
		return nil
	}

	s.mountRoutes(ctx, node)

	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return ewrap.Wrap(err, "mgmt listen")
	}

	s.ln = ln

	go func() {
		_ = s.app.Listener(ln) //nolint:errcheck // returns on shutdown
	}()

	s.started = true

	return nil
}

// Address returns the bound address (useful when passing ":0" for ephemeral port). Empty if not started yet.
func (s *ManagementHTTPServer) Address() string {
	if s.ln == nil {
		return ""
	}

	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *ManagementHTTPServer) Shutdown(ctx context.Context) error {
	if !s.started {
		return nil
	}

	ch := make(chan error, 1)

	go func() {
		ch <- s.app.Shutdown()
	}()

	select {
	case <-ctx.Done():
		return sentinel.ErrMgmtHTTPShutdownTimeout
	case err := <-ch:
		return err
	}
}

func (s *ManagementHTTPServer) mountRoutes(ctx context.Context, node managementNode) {
	useAuth := s.wrapAuth
	s.registerBasic(useAuth, node)
	s.registerCluster(useAuth, node)
	s.registerControl(ctx, useAuth, node)
}

// wrapAuth returns an auth-wrapped handler if authFunc provided.
func (s *ManagementHTTPServer) wrapAuth(handler fiber.Handler) fiber.Handler { //nolint:ireturn
	if s.authFunc == nil {
		return handler
	}

	return func(fiberCtx fiber.Ctx) error {
		authErr := s.authFunc(fiberCtx)
		if authErr != nil {
			return authErr
		}

		return handler(fiberCtx)
	}
}

func (s *ManagementHTTPServer) registerBasic(useAuth func(fiber.Handler) fiber.Handler, node managementNode) {
	s.app.Get("/health", useAuth(func(fiberCtx fiber.Ctx) error { return fiberCtx.SendString("ok") }))
	s.app.Get("/stats", useAuth(func(fiberCtx fiber.Ctx) error {
		local, remote := node.OpenTransactions()

		return fiberCtx.JSON(fiber.Map{
			"node":               node.ID(),
			"counters":           node.Stats(),
			"size":               node.Size(),
			"locks":              node.LockCount(),
			"localTransactions":  local,
			"remoteTransactions": remote,
		})
	}))
	s.app.Get("/metrics", useAuth(func(fiberCtx fiber.Ctx) error {
		var buf bytes.Buffer

		node.WriteMetrics(&buf)
		fiberCtx.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")

		return fiberCtx.Send(buf.Bytes())
	}))
	s.app.Get("/config", useAuth(func(fiberCtx fiber.Ctx) error { return fiberCtx.JSON(node.Settings()) }))
	s.app.Get("/chain", useAuth(func(fiberCtx fiber.Ctx) error {
		return fiberCtx.JSON(fiber.Map{"interceptors": node.ChainLayout()})
	}))
}

func (s *ManagementHTTPServer) registerCluster(useAuth func(fiber.Handler) fiber.Handler, node managementNode) {
	s.app.Get("/cluster/members", useAuth(func(fiberCtx fiber.Ctx) error {
		return fiberCtx.JSON(fiber.Map{"members": node.Members()})
	}))
	s.app.Get("/cluster/owners", useAuth(func(fiberCtx fiber.Ctx) error {
		key := fiberCtx.Query("key")
		if key == "" {
			return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing key"})
		}

		return fiberCtx.JSON(fiber.Map{"key": key, "owners": node.Owners(key)})
	}))
}

func (s *ManagementHTTPServer) registerControl(
	ctx context.Context,
	useAuth func(fiber.Handler) fiber.Handler,
	node managementNode,
) {
	s.app.Post("/evict", useAuth(func(fiberCtx fiber.Ctx) error {
		key := fiberCtx.Query("key")
		if key == "" {
			return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing key"})
		}

		err := node.Evict(ctx, key)
		if err != nil {
			return fiberCtx.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error(), "code": sentinel.Code(err)})
		}

		return fiberCtx.SendStatus(fiber.StatusAccepted)
	}))
	s.app.Post("/clear", useAuth(func(fiberCtx fiber.Ctx) error {
		err := node.Clear(ctx)
		if err != nil {
			return err
		}

		return fiberCtx.SendStatus(fiber.StatusOK)
	}))
}
