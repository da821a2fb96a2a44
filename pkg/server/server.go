package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"

	"github.com/yutampo/yutampo/pkg/common"
	"github.com/yutampo/yutampo/pkg/controller"
	"github.com/yutampo/yutampo/pkg/log"
	"github.com/yutampo/yutampo/pkg/registry"
	"github.com/yutampo/yutampo/pkg/scheduler"
	"github.com/yutampo/yutampo/pkg/types"
)

const (
	authTokenCookie = "auth_token"
	maxBodyBytes    = 1 << 20
)

type contextKey string

const userContextKey contextKey = "user"

// tokenVerifier validates an OIDC ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Poller reports the health of upstream polling.
type Poller interface {
	Health() map[string]scheduler.PollHealth
	LastSuccess() time.Time
}

// CommandHistory returns accepted commands within [start, end).
type CommandHistory interface {
	CommandHistory(ctx context.Context, start, end time.Time) ([]types.CommandRecord, error)
}

// Deps are the components the API reads from and commands.
type Deps struct {
	Controller *controller.Controller
	Registry   *registry.Registry
	Poller     Poller
	History    CommandHistory
}

// Server serves the status and command API.
type Server struct {
	controller *controller.Controller
	registry   *registry.Registry
	poller     Poller
	history    CommandHistory

	listenAddr string
	httpServer *http.Server

	adminEmails  []string
	oidcIssuer   string
	oidcAudience string
	oidcVerifier tokenVerifier
	bypassAuth   bool
	serverName   string
	now          func() time.Time
}

// Configured registers the HTTP flags. Call Bind before Run.
func Configured() *Server {
	srv := &Server{
		serverName: "yutampo/" + common.Version(),
		now:        time.Now,
	}

	listenAddr := lflag.String("http-listen", ":8099", "HTTP server listen address (empty disables the API)")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to send commands")
	oidcAudience := lflag.String("oidc-audience", "", "client ID to validate ID tokens against (empty disables authentication)")
	oidcIssuer := lflag.String("oidc-issuer", "https://accounts.google.com", "issuer of the ID tokens")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *adminEmails != "" {
			srv.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range srv.adminEmails {
				srv.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		srv.oidcAudience = *oidcAudience
		srv.oidcIssuer = *oidcIssuer
		// behind Home Assistant ingress the supervisor authenticates
		srv.bypassAuth = srv.oidcAudience == ""
	})
	return srv
}

// Enabled returns true if a listen address was configured.
func (s *Server) Enabled() bool {
	return s.listenAddr != ""
}

// Init discovers the OIDC provider when authentication is enabled.
func (s *Server) Init(ctx context.Context) error {
	if s.bypassAuth {
		return nil
	}
	provider, err := oidc.NewProvider(ctx, s.oidcIssuer)
	if err != nil {
		return fmt.Errorf("failed to initialize OIDC provider %s: %w", s.oidcIssuer, err)
	}
	s.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: s.oidcAudience}).Verify
	return nil
}

// Bind attaches the components served by the API.
func (s *Server) Bind(d Deps) {
	s.controller = d.Controller
	s.registry = d.Registry
	s.poller = d.Poller
	s.history = d.History
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("POST /api/devices/{id}/temperature", s.handleSetTemperature)
	apiMux.HandleFunc("POST /api/devices/{id}/mode", s.handleSetMode)
	apiMux.HandleFunc("POST /api/devices/{id}/reset", s.handleResetOverride)
	apiMux.HandleFunc("GET /api/regulation", s.handleGetRegulation)
	apiMux.HandleFunc("POST /api/regulation", s.handleUpdateRegulation)
	apiMux.HandleFunc("GET /api/history", s.handleHistory)
	apiMux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	apiMux.HandleFunc("POST /api/auth/login", s.handleLogin)
	apiMux.HandleFunc("POST /api/auth/logout", s.handleLogout)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	if s.bypassAuth {
		log.Ctx(ctx).WarnContext(ctx, "api authentication disabled, set oidc-audience to enable it")
	}
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

// decodeBody decodes a size limited JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
