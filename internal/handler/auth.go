package handler

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"time"

	appI18n "github.com/pavelanni/questionflow/internal/i18n"
	"github.com/pavelanni/questionflow/internal/model"
	"github.com/pavelanni/questionflow/internal/workflow"
)

const (
	sessionCookieName = "session"
	csrfCookieName    = "csrf_token"
	csrfHeaderName    = "X-CSRF-Token"
	stateCookieName   = "oauth_state"
)

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value string, httpOnly bool, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     h.cookiePath(),
		MaxAge:   maxAge,
		HttpOnly: httpOnly,
		Secure:   h.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// csrfMiddleware issues a token cookie on safe requests and checks it on unsafe ones.
// Clients echo the cookie value in the X-CSRF-Token header or a csrf_token form field.
func (h *Handler) csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(csrfCookieName)
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			token := ""
			if err == nil && cookie.Value != "" {
				token = cookie.Value
			} else {
				token, err = generateToken()
				if err != nil {
					slog.Error("failed to generate CSRF token", "error", err)
					http.Error(w, "internal error", http.StatusInternalServerError)
					return
				}
				h.setCookie(w, csrfCookieName, token, false, 0)
			}
			w.Header().Set(csrfHeaderName, token)
			next.ServeHTTP(w, r.WithContext(model.ContextWithCSRFToken(r.Context(), token)))
			return
		}

		if err != nil || cookie.Value == "" {
			slog.Warn("CSRF cookie missing", "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, errorBody{Code: "Forbidden", Error: "csrf token missing"})
			return
		}
		sent := r.Header.Get(csrfHeaderName)
		if sent == "" && !isMultipart(r) {
			sent = r.PostFormValue("csrf_token")
		}
		if sent == "" && isMultipart(r) {
			if err := parseMultipart(w, r); err == nil {
				sent = r.FormValue("csrf_token")
			}
		}
		if len(sent) != len(cookie.Value) || subtle.ConstantTimeCompare([]byte(sent), []byte(cookie.Value)) != 1 {
			slog.Warn("CSRF token mismatch", "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, errorBody{Code: "Forbidden", Error: "invalid csrf token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(model.ContextWithCSRFToken(r.Context(), cookie.Value)))
	})
}

// requireAuth is middleware that checks for a valid session cookie.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			h.unauthorized(w, r)
			return
		}

		authSess, err := h.store.GetAuthSession(r.Context(), cookie.Value)
		if err != nil {
			slog.Error("failed to get auth session", "error", err)
			h.unauthorized(w, r)
			return
		}
		if authSess == nil {
			h.unauthorized(w, r)
			return
		}

		user, err := h.store.GetUserByID(r.Context(), authSess.UserID)
		if err != nil || user == nil || user.IsDeleted {
			h.unauthorized(w, r)
			return
		}

		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole returns middleware that lets through users able to act as required.
func requireRole(required model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				writeJSON(w, http.StatusUnauthorized, errorBody{Code: "Unauthorized", Error: appI18n.T(r.Context(), "Unauthorized")})
				return
			}
			if !model.HasCapability(user.Role, required) {
				writeJSON(w, http.StatusForbidden, errorBody{Code: "Forbidden", Error: appI18n.T(r.Context(), "Forbidden")})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) unauthorized(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusUnauthorized, errorBody{Code: "Unauthorized", Error: appI18n.T(r.Context(), "Unauthorized")})
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, sess *model.Session) bool {
	token, err := h.store.CreateAuthSession(r.Context(), sess.User.ID)
	if err != nil {
		h.writeError(w, r, err)
		return false
	}
	h.setCookie(w, sessionCookieName, token, true, 0)
	slog.Info("user signed in", "user_id", sess.User.ID, "role", sess.User.Role)
	return true
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	provider := h.gate.Provider()
	if provider == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Code: "NotFound", Error: appI18n.T(r.Context(), "NotFound")})
		return
	}
	state, err := generateToken()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.setCookie(w, stateCookieName, state, true, int((10 * time.Minute).Seconds()))
	http.Redirect(w, r, provider.AuthCodeURL(state), http.StatusFound)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	provider := h.gate.Provider()
	if provider == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Code: "NotFound", Error: appI18n.T(r.Context(), "NotFound")})
		return
	}
	cookie, err := r.Cookie(stateCookieName)
	state := r.URL.Query().Get("state")
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(state)) != 1 {
		h.badRequest(w, r, "invalid oauth state")
		return
	}
	h.setCookie(w, stateCookieName, "", true, -1)

	id, err := provider.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		slog.Warn("oauth exchange failed", "error", err)
		writeJSON(w, http.StatusUnauthorized, errorBody{Code: "LoginError", Error: appI18n.T(r.Context(), "LoginError")})
		return
	}
	sess, err := h.gate.Resolve(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !h.startSession(w, r, sess) {
		return
	}
	http.Redirect(w, r, h.path("/me"), http.StatusSeeOther)
}

type passwordLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) handlePasswordLogin(w http.ResponseWriter, r *http.Request) {
	var req passwordLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err := h.gate.PasswordLogin(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !h.startSession(w, r, sess) {
		return
	}
	writeJSON(w, http.StatusOK, sess.User)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		_ = h.store.DeleteAuthSession(r.Context(), cookie.Value)
	}
	h.setCookie(w, sessionCookieName, "", true, -1)
	w.WriteHeader(http.StatusNoContent)
}

type meResponse struct {
	User      model.User            `json:"user"`
	CSRFToken string                `json:"csrf_token"`
	Quota     *workflow.QuotaStatus `json:"quota,omitempty"`
	Claimed   string                `json:"claimed,omitempty"`
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	resp := meResponse{User: sess.User, CSRFToken: model.CSRFTokenFromContext(r.Context())}
	if sess.Can(model.RoleQCData) {
		qs, err := h.flow.MyQuota(r.Context(), sess)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		resp.Quota = &qs
		resp.Claimed = appI18n.Tp(r.Context(), "ClaimedQuestions", qs.Current)
	}
	writeJSON(w, http.StatusOK, resp)
}
