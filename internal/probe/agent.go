package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgurram/decoy/internal/service/logger"
	"github.com/dgurram/decoy/internal/util"
	"github.com/dgurram/decoy/model"
)

// Agent serves the in-container validation endpoints. One agent wraps one
// platform driver; the supervisor reaches it over the worker's transport.
type Agent struct {
	router chi.Router
	driver Driver
	server *http.Server
}

func NewAgent(d Driver) *Agent {
	a := &Agent{
		router: chi.NewRouter(),
		driver: d,
	}

	a.routes()
	return a
}

// Expose the router for tests
func (a *Agent) Handler() http.Handler {
	return a.router
}

func (a *Agent) routes() {
	r := a.router

	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Post("/validate", a.handleValidate)
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := model.ProbeHealth{Status: a.driver.Health(r.Context())}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func (a *Agent) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req model.ProbeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProbeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), model.KindTransient)
		return
	}

	res, err := a.driver.Check(r.Context(), req.Number, req.Method)
	if err != nil {
		if model.IsTerminal(err) {
			writeProbeError(w, http.StatusUnprocessableEntity, err.Error(), model.KindTerminal)
			return
		}
		writeProbeError(w, http.StatusBadGateway, err.Error(), model.KindTransient)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func writeProbeError(w http.ResponseWriter, status int, msg string, kind model.ErrKind) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(wireError{Error: msg, Kind: kind})
}

// Listen binds the agent's listener for the given transport. For unix sockets
// any stale socket file left by a previous run is removed first.
func Listen(t TransportType, path string) (net.Listener, error) {
	switch t {
	case UDS:
		if err := util.VerifyFileDoesNotExist(path); err != nil {
			return nil, err
		}
		return net.Listen("unix", path)
	case TCP:
		return net.Listen("tcp", path)
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", t)
	}
}

// Serve blocks until the listener closes or Shutdown is called.
func (a *Agent) Serve(ln net.Listener) error {
	a.server = &http.Server{Handler: a.router}

	logger.Log.Info().Str("addr", ln.Addr().String()).Msg("agent listening")
	if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *Agent) Shutdown(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}
