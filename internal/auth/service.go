package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	gosync "sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/calmirror/internal/config"
	"gitea.jw6.us/james/calmirror/internal/gcal"
	"gitea.jw6.us/james/calmirror/internal/store"
)

const stateTTL = 10 * time.Minute

// Service handles the Google OIDC login flow and hands out authenticated
// calendar clients for users who completed it.
type Service struct {
	cfg      *config.Config
	verifier *oidc.IDTokenVerifier
	oauth    *oauth2.Config
	users    store.UserRepository
	tokens   store.TokenRepository
	sessions *SessionManager

	onLogin func(ctx context.Context, userID int64)

	mu     gosync.Mutex
	states map[string]time.Time
}

func NewService(ctx context.Context, cfg *config.Config, users store.UserRepository, tokens store.TokenRepository, sessions *SessionManager) (*Service, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Google.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider: %w", err)
	}

	return &Service{
		cfg:      cfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.Google.ClientID}),
		oauth: &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  strings.TrimRight(cfg.BaseURL, "/") + cfg.Google.RedirectPath,
			Scopes:       []string{oidc.ScopeOpenID, "email", calendar.CalendarScope},
		},
		users:    users,
		tokens:   tokens,
		sessions: sessions,
		states:   make(map[string]time.Time),
	}, nil
}

// OnLogin registers a hook run after each successful login, off the request
// path. Used to bootstrap watches and the initial import for the user.
func (s *Service) OnLogin(fn func(ctx context.Context, userID int64)) {
	s.onLogin = fn
}

// HandleLogin starts the OAuth flow.
func (s *Service) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()

	s.mu.Lock()
	now := time.Now()
	for st, issued := range s.states {
		if now.Sub(issued) > stateTTL {
			delete(s.states, st)
		}
	}
	s.states[state] = now
	s.mu.Unlock()

	// Offline access with forced consent so Google always returns a refresh
	// token; sync breaks the moment the access token expires without one.
	url := s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	http.Redirect(w, r, url, http.StatusFound)
}

// HandleCallback finishes the OAuth flow: verifies the state and ID token,
// upserts the user, stores the OAuth token and issues a session.
func (s *Service) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state := r.URL.Query().Get("state")
	s.mu.Lock()
	issued, ok := s.states[state]
	delete(s.states, state)
	s.mu.Unlock()
	if !ok || time.Since(issued) > stateTTL {
		http.Error(w, "invalid oauth state", http.StatusBadRequest)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	token, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		log.Printf("[ERROR] auth: code exchange: %v", err)
		http.Error(w, "authentication failed", http.StatusBadGateway)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "authentication failed", http.StatusBadGateway)
		return
	}
	idToken, err := s.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		log.Printf("[ERROR] auth: id token verification: %v", err)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil || claims.Email == "" {
		log.Printf("[ERROR] auth: id token claims: %v", err)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	user, err := s.users.UpsertOAuthUser(ctx, idToken.Subject, claims.Email)
	if err != nil {
		log.Printf("[ERROR] auth: upsert user: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if err := s.tokens.Save(ctx, user.ID, token); err != nil {
		log.Printf("[ERROR] auth: save token for user %d: %v", user.ID, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if err := s.sessions.Issue(w, user.ID); err != nil {
		log.Printf("[ERROR] auth: issue session for user %d: %v", user.ID, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	log.Printf("[INFO] auth: user %d logged in", user.ID)
	if s.onLogin != nil {
		go s.onLogin(context.WithoutCancel(ctx), user.ID)
	}

	http.Redirect(w, r, "/", http.StatusFound)
}

// HandleLogout clears the session.
func (s *Service) HandleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Clear(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

// RequireSession loads the session user into the request context, rejecting
// requests without a valid session.
func (s *Service) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.sessions.CurrentUserID(r)
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		user, err := s.users.GetByID(r.Context(), userID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Printf("[ERROR] auth: load session user %d: %v", userID, err)
			}
			s.sessions.Clear(w)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// ClientFor builds a calendar client for the user from their stored OAuth
// token. Refreshed tokens are persisted so the refresh token survives
// process restarts.
func (s *Service) ClientFor(ctx context.Context, userID int64) (gcal.Client, error) {
	token, err := s.tokens.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load token for user %d: %w", userID, err)
	}

	ts := &savingTokenSource{
		inner:  s.oauth.TokenSource(ctx, token),
		tokens: s.tokens,
		userID: userID,
		last:   token,
	}
	return gcal.NewClient(ctx, ts, s.cfg.WebhookURL(), s.cfg.Sync.WebhookToken)
}

// savingTokenSource persists tokens whenever the underlying source refreshes
// them.
type savingTokenSource struct {
	inner  oauth2.TokenSource
	tokens store.TokenRepository
	userID int64

	mu   gosync.Mutex
	last *oauth2.Token
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.inner.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	changed := s.last == nil || token.AccessToken != s.last.AccessToken
	s.last = token
	s.mu.Unlock()

	if changed {
		if err := s.tokens.Save(context.Background(), s.userID, token); err != nil {
			log.Printf("[WARN] auth: persist refreshed token for user %d: %v", s.userID, err)
		}
	}
	return token, nil
}
