package httpapi

import (
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"prodtrack.io/authcore/internal/auth"
)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Client   string `json:"client,omitempty"`
}

type loginResponse struct {
	Message          string     `json:"message"`
	User             *auth.User `json:"user"`
	AccessToken      string     `json:"access_token"`
	RefreshToken     string     `json:"refresh_token"`
	TokenType        string     `json:"token_type"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RefreshExpiresAt time.Time  `json:"refresh_expires_at"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type updateMeRequest struct {
	Username *string `json:"username,omitempty"`
	Email    *string `json:"email,omitempty"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) authRoutes(r chi.Router) {
	r.With(a.requireFeature(auth.FeatureRegistration)).Post("/register", a.handleRegister)
	r.With(RateLimit(a.rateLimit.LoginRPS, a.rateLimit.LoginBurst)).Post("/login", a.handleLogin)
	r.Post("/refresh", a.handleRefresh)

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)
		r.Post("/logout", a.handleLogout)
		r.Post("/logout-all", a.handleLogoutAll)
		r.Get("/me", a.handleGetMe)
		r.Put("/me", a.handleUpdateMe)
		r.With(a.requireFeature(auth.FeaturePasswordReset)).Put("/me/password", a.handleChangePassword)
		r.With(a.requireFeature(auth.FeatureSessionInfo)).Get("/sessions", a.handleSessions)

		r.Group(func(r chi.Router) {
			r.Use(a.requireFeature(auth.FeatureRBACAdmin))
			r.Route("/users", a.userRoutes)
		})
	})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	user, err := a.svc.Register(r.Context(), auth.NewUser{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/auth/users/"+user.ID)
	writeJSON(w, http.StatusCreated, user)
}

// handleLogin accepts JSON or an OAuth2 password form.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if isForm(r) {
		if err := r.ParseForm(); err != nil {
			badRequest(w, r, "invalid form body")
			return
		}
		req.Username = r.PostForm.Get("username")
		req.Password = r.PostForm.Get("password")
		req.Client = r.PostForm.Get("client_id")
	} else if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}

	pair, err := a.svc.Login(r.Context(), req.Username, req.Password, a.clientInfo(r, req.Client))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.setAccessCookie(w, pair.Access)
	writeJSON(w, http.StatusOK, loginResponse{
		Message:          "Login successful",
		User:             pair.User,
		AccessToken:      pair.Access.Token,
		RefreshToken:     pair.Refresh.Token,
		TokenType:        "bearer",
		ExpiresAt:        pair.Access.ExpiresAt,
		RefreshExpiresAt: pair.Refresh.ExpiresAt,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	access, err := a.svc.Refresh(r.Context(), req.RefreshToken, a.clientInfo(r, ""))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.setAccessCookie(w, access)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: access.Token,
		TokenType:   "bearer",
		ExpiresAt:   access.ExpiresAt,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	if err := a.svc.Logout(r.Context(), p); err != nil {
		a.fail(w, r, err)
		return
	}
	a.clearAccessCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"message": "Logout successful"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	n, err := a.svc.LogoutAll(r.Context(), p.UserID())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.clearAccessCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":          "Logged out from all sessions",
		"sessions_deleted": n,
	})
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, a.svc.SessionInfo(r.Context(), p.UserID()))
}

func (a *API) handleGetMe(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, p.User)
}

func (a *API) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var req updateMeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	user, err := a.rbac.UpdateUser(r.Context(), p.UserID(), auth.UserUpdate{
		Username: req.Username,
		Email:    req.Email,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleChangePassword revokes every session of the caller, including the
// current one, so the cookie is cleared as well.
func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	if err := a.svc.ChangePassword(r.Context(), p.UserID(), req.CurrentPassword, req.NewPassword); err != nil {
		a.fail(w, r, err)
		return
	}
	a.clearAccessCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"message": "Password updated"})
}

func (a *API) clientInfo(r *http.Request, client string) auth.ClientInfo {
	if client == "" {
		client = "http"
	}
	return auth.ClientInfo{
		Client:    client,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func (a *API) setAccessCookie(w http.ResponseWriter, tok auth.IssuedToken) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookie.Name,
		Value:    tok.Token,
		Path:     "/",
		Domain:   a.cookie.Domain,
		Expires:  tok.ExpiresAt,
		MaxAge:   int(a.svc.AccessTTL() / time.Second),
		HttpOnly: true,
		Secure:   a.cookie.Secure,
		SameSite: a.cookie.SameSiteMode(),
	})
}

func (a *API) clearAccessCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookie.Name,
		Value:    "",
		Path:     "/",
		Domain:   a.cookie.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookie.Secure,
		SameSite: a.cookie.SameSiteMode(),
	})
}

func isForm(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/x-www-form-urlencoded"
}
