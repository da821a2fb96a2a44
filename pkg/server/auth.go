package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/yutampo/yutampo/pkg/log"
)

// user is the authenticated caller of a request.
type user struct {
	Email string
	// Admin may send commands. Everyone authenticated may read.
	Admin bool
}

func (s *Server) getUser(r *http.Request) (user, bool) {
	u, ok := r.Context().Value(userContextKey).(user)
	return u, ok
}

// bearerToken returns the token from the Authorization header, falling back
// to the auth cookie set by the login endpoint.
func bearerToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || token == "" {
			return "", errors.New("invalid auth header")
		}
		return token, nil
	}
	c, err := r.Cookie(authTokenCookie)
	if errors.Is(err, http.ErrNoCookie) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return c.Value, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		allowNoLogin := r.URL.Path == "/api/auth/login" || r.URL.Path == "/api/auth/status" || r.URL.Path == "/api/auth/logout"

		if s.bypassAuth {
			ctx = context.WithValue(ctx, userContextKey, user{Admin: true})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token, err := bearerToken(r)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "invalid credentials", slog.Any("error", err))
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if token == "" {
			if allowNoLogin {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			log.Ctx(ctx).WarnContext(ctx, "unauthenticated request")
			writeJSONError(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		email, _, err := s.authenticateToken(ctx, token)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "auth token validation failed", slog.Any("error", err))
			s.clearCookie(w)
			writeJSONError(w, "invalid auth token", http.StatusUnauthorized)
			return
		}
		u := user{Email: email, Admin: s.isAdmin(email)}
		if r.Method != http.MethodGet && !u.Admin && !allowNoLogin {
			log.Ctx(ctx).WarnContext(ctx, "command by non-admin user", slog.String("email", email))
			writeJSONError(w, "forbidden", http.StatusForbidden)
			return
		}

		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("authEmail", email)))
		log.Ctx(ctx).DebugContext(ctx, "authenticated request", slog.Bool("admin", u.Admin))
		ctx = context.WithValue(ctx, userContextKey, u)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// isAdmin returns true if email may send commands. Without an admin list
// every authenticated user may.
func (s *Server) isAdmin(email string) bool {
	if len(s.adminEmails) == 0 {
		return true
	}
	return slices.Contains(s.adminEmails, email)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if s.bypassAuth {
		w.WriteHeader(http.StatusOK)
		return
	}

	email, expires, err := s.authenticateToken(r.Context(), req.Token)
	if err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to validate id token", slog.Any("error", err))
		writeJSONError(w, "invalid id token", http.StatusUnauthorized)
		return
	}
	log.Ctx(r.Context()).InfoContext(r.Context(), "login token validated successfully", slog.String("email", email))

	http.SetCookie(w, &http.Cookie{
		Name:     authTokenCookie,
		Value:    req.Token,
		Expires:  expires,
		HttpOnly: true,
		Secure:   true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     authTokenCookie,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.clearCookie(w)
	w.WriteHeader(http.StatusOK)
}

type authStatusResponse struct {
	LoggedIn     bool   `json:"loggedIn"`
	Email        string `json:"email"`
	Admin        bool   `json:"admin"`
	AuthRequired bool   `json:"authRequired"`
	ClientID     string `json:"clientID,omitempty"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	u, ok := s.getUser(r)
	writeJSON(w, authStatusResponse{
		LoggedIn:     ok,
		Email:        u.Email,
		Admin:        u.Admin,
		AuthRequired: !s.bypassAuth,
		ClientID:     s.oidcAudience,
	})
}

// authenticateToken verifies token and returns its email claim and expiry.
func (s *Server) authenticateToken(ctx context.Context, token string) (string, time.Time, error) {
	if s.oidcVerifier == nil {
		return "", time.Time{}, errors.New("no token verifier configured")
	}
	idToken, err := s.oidcVerifier(ctx, token)
	if err != nil {
		return "", time.Time{}, err
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified *bool  `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", time.Time{}, err
	}
	if claims.Email == "" {
		return "", time.Time{}, errors.New("missing email claim")
	}
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return "", time.Time{}, errors.New("email not verified")
	}
	return claims.Email, idToken.Expiry, nil
}
