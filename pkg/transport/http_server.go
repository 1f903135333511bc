package transport

import (
	"context"
	"net"
	"time"

	"github.com/goccy/go-json"
	fiber "github.com/gofiber/fiber/v3"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/commands"
)

const (
	httpReadTimeout  = 5 * time.Second
	httpWriteTimeout = 5 * time.Second
)

// Server exposes a Handler to other members over HTTP.
type Server struct {
	app     *fiber.App
	ln      net.Listener
	addr    string
	baseCtx context.Context //nolint:containedctx // parent of handler contexts
	handler Handler
}

// NewServer builds a server for handler listening on addr (host:port).
func NewServer(addr string, handler Handler) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
	})

	s := &Server{app: app, addr: addr, handler: handler, baseCtx: context.Background()}
	s.routes()

	return s
}

func (s *Server) routes() {
	// POST /internal/grid/invoke
	// body: httpInvokeRequest
	s.app.Post(invokePath, func(fctx fiber.Ctx) error {
		var req httpInvokeRequest

		err := json.Unmarshal(fctx.Body(), &req)
		if err != nil {
			return fctx.Status(fiber.StatusBadRequest).JSON(httpInvokeResponse{Error: err.Error()})
		}

		cmd, err := commands.Decode(req.Command)
		if err != nil {
			return fctx.Status(fiber.StatusBadRequest).JSON(httpInvokeResponse{Error: err.Error(), Code: sentinel.Code(err)})
		}

		ctx, cancel := context.WithTimeout(s.baseCtx, httpWriteTimeout)
		defer cancel()

		resp, err := s.handler.HandleRemote(ctx, cluster.NodeID(req.Origin), cmd)
		if err != nil {
			// command failures travel in the body so the caller can rebuild the sentinel
			return fctx.Status(fiber.StatusOK).JSON(httpInvokeResponse{Error: err.Error(), Code: sentinel.Code(err)})
		}

		wire, err := toWireResponse(resp)
		if err != nil {
			return fctx.Status(fiber.StatusInternalServerError).JSON(httpInvokeResponse{Error: err.Error()})
		}

		return fctx.JSON(httpInvokeResponse{Response: wire})
	})

	s.app.Get(healthPath, func(fctx fiber.Ctx) error {
		return fctx.SendString("ok")
	})
}

// Start begins listening. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return ewrap.Wrap(err, "grid http listen")
	}

	s.ln = ln
	s.baseCtx = context.WithoutCancel(ctx)

	go func() {
		_ = s.app.Listener(ln) //nolint:errcheck // returns on shutdown
	}()

	return nil
}

// Address returns the bound address, useful with port 0.
func (s *Server) Address() string {
	if s.ln == nil {
		return s.addr
	}

	return s.ln.Addr().String()
}

// Stop shuts the server down, giving up when ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.ln == nil {
		return nil
	}

	ch := make(chan error, 1)

	go func() { ch <- s.app.Shutdown() }()

	select {
	case <-ctx.Done():
		return ewrap.Wrap(sentinel.ErrTimeoutOrCanceled, "grid http shutdown")
	case err := <-ch:
		return err
	}
}
