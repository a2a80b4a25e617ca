package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-edu-client/users"
	"github.com/rs/zerolog/log"
)

const fieldRequired = "This field is required."

type loginRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email     string         `json:"email"`
	Password  string         `json:"password"`
	Username  string         `json:"username"`
	FirstName string         `json:"first_name"`
	LastName  string         `json:"last_name"`
	Role      users.RoleType `json:"role"`
}

func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Malformed request body")
			return
		}
		if req.Password == "" || (req.Email == "" && req.Username == "") {
			writeJSON(w, http.StatusBadRequest, map[string][]string{"password": {fieldRequired}})
			return
		}

		user, ok := s.users.authenticate(req.Email, req.Password)
		if !ok && req.Username != "" {
			user, ok = s.users.authenticate(req.Username, req.Password)
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "No active account found with the given credentials")
			return
		}

		access, refresh, err := s.issuePair(user)
		if err != nil {
			log.Err(err).Msg("Login: failed to issue tokens")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"access": access, "refresh": refresh, "user": user})
	}
}

// RegisterHandler answers with a single "token" field rather than the
// access/refresh pair, as the real backend's registration view does.
func (s *Server) RegisterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Malformed request body")
			return
		}

		fieldErrors := map[string][]string{}
		if strings.TrimSpace(req.Email) == "" {
			fieldErrors["email"] = []string{fieldRequired}
		}
		if req.Password == "" {
			fieldErrors["password"] = []string{fieldRequired}
		}
		if req.Role == users.RoleAdmin {
			fieldErrors["role"] = []string{"Admins cannot self-register."}
		}
		if len(fieldErrors) > 0 {
			writeJSON(w, http.StatusBadRequest, fieldErrors)
			return
		}

		user, err := s.users.create(users.User{
			Email:     req.Email,
			Username:  req.Username,
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Role:      req.Role,
		}, req.Password)
		if errors.Is(err, ErrAccountExists) {
			writeJSON(w, http.StatusBadRequest, map[string][]string{"email": {"user with this email already exists."}})
			return
		}
		if err != nil {
			log.Err(err).Msg("Register: failed to create account")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		access, refresh, err := s.issuePair(user)
		if err != nil {
			log.Err(err).Msg("Register: failed to issue tokens")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"token": access, "refresh": refresh, "user": user})
	}
}

func (s *Server) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Refresh string `json:"refresh"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Refresh == "" {
			writeJSON(w, http.StatusBadRequest, map[string][]string{"refresh": {fieldRequired}})
			return
		}

		userID, rotated, err := s.tokens.redeem(req.Refresh)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is invalid or expired", "code": "token_not_valid"})
			return
		}
		user, err := s.users.get(userID)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "User not found")
			return
		}
		access, err := s.tokens.createAccessToken(user)
		if err != nil {
			log.Err(err).Msg("Refresh: failed to sign access token")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		resp := map[string]string{"access": access}
		if rotated != "" {
			resp["refresh"] = rotated
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.users.get(userIDFromContext(r.Context()))
		if err != nil {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

func (s *Server) ListCoursesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.lock.RLock()
		courses := append([]Course(nil), s.courses...)
		s.lock.RUnlock()
		writeJSON(w, http.StatusOK, courses)
	}
}

func (s *Server) CreateCourseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.users.get(userIDFromContext(r.Context()))
		if err != nil {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		if !user.CanTeach() {
			writeError(w, http.StatusForbidden, "You do not have permission to perform this action.")
			return
		}

		var course Course
		if err := json.NewDecoder(r.Body).Decode(&course); err != nil || strings.TrimSpace(course.Title) == "" {
			writeJSON(w, http.StatusBadRequest, map[string][]string{"title": {fieldRequired}})
			return
		}

		s.lock.Lock()
		course.ID = len(s.courses) + 1
		course.Teacher = user.DisplayName()
		s.courses = append(s.courses, course)
		s.lock.Unlock()

		writeJSON(w, http.StatusCreated, course)
	}
}

func (s *Server) issuePair(user *users.User) (string, string, error) {
	access, err := s.tokens.createAccessToken(user)
	if err != nil {
		return "", "", err
	}
	refresh, err := s.tokens.createRefreshToken(user.ID)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
