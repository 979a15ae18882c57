package web

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mackdin/authcore/internal/auth"
	"github.com/mackdin/authcore/internal/email"
)

type signupRequest struct {
	Email           string `json:"email"`
	Name            string `json:"name"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

type signupResponse struct {
	ID uuid.UUID `json:"id"`
}

func (s *Server) signupHandler() http.Handler {
	return mapBoth(s, func(ctx context.Context, in signupRequest) (signupResponse, error) {
		reg, err := auth.ParseRegistration(in.Email, in.Name, in.Password, in.PasswordConfirm)
		if err != nil {
			return signupResponse{}, err
		}

		id, err := s.deps.AuthService.RegisterUser(ctx, reg)
		if err != nil {
			return signupResponse{}, err
		}

		return signupResponse{ID: id}, nil
	}).withStatus(http.StatusCreated)
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) verifyEmailHandler() http.Handler {
	return mapRequest(s, func(ctx context.Context, in tokenRequest) error {
		return s.deps.AuthService.VerifyEmail(ctx, in.Token)
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	UserID           uuid.UUID `json:"user_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func toSessionResponse(session auth.Session) sessionResponse {
	return sessionResponse{
		UserID:           session.UserID,
		AccessToken:      session.AccessToken,
		AccessExpiresAt:  session.AccessExpiresAt,
		RefreshToken:     session.RefreshToken,
		RefreshExpiresAt: session.RefreshExpiresAt,
	}
}

func (s *Server) loginHandler() http.Handler {
	return mapBoth(s, func(ctx context.Context, in loginRequest) (sessionResponse, error) {
		// Malformed credentials fail authentication like wrong ones, the
		// response must not reveal which of the two happened.
		addr, err := email.ParseAddress(in.Email)
		if err != nil {
			return sessionResponse{}, auth.ErrInvalidCredentials
		}

		pwd, err := auth.ParsePassword(in.Password)
		if err != nil {
			return sessionResponse{}, auth.ErrInvalidCredentials
		}

		session, err := s.deps.AuthService.Authenticate(ctx, auth.Credentials{
			Email:    addr,
			Password: pwd,
		})
		if err != nil {
			return sessionResponse{}, err
		}

		return toSessionResponse(session), nil
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) refreshHandler() http.Handler {
	return mapBoth(s, func(ctx context.Context, in refreshRequest) (sessionResponse, error) {
		session, err := s.deps.AuthService.RefreshSession(ctx, in.RefreshToken)
		if err != nil {
			return sessionResponse{}, err
		}

		return toSessionResponse(session), nil
	})
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

func (s *Server) forgotPasswordHandler() http.Handler {
	return mapRequest(s, func(ctx context.Context, in forgotPasswordRequest) error {
		addr, err := email.ParseAddress(in.Email)
		if err != nil {
			// Same response as for unknown addresses.
			return nil
		}

		s.deps.AuthService.RequestPasswordReset(ctx, addr)
		return nil
	}).response(func(r result[forgotPasswordRequest, struct{}]) error {
		r.w.WriteHeader(http.StatusAccepted)
		return nil
	})
}

type resetPasswordRequest struct {
	Token           string `json:"token"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

func (s *Server) resetPasswordHandler() http.Handler {
	return mapRequest(s, func(ctx context.Context, in resetPasswordRequest) error {
		return s.deps.AuthService.ResetPassword(ctx, in.Token, in.Password, in.PasswordConfirm)
	})
}

type profileResponse struct {
	ID            uuid.UUID     `json:"id"`
	Email         email.Address `json:"email"`
	Name          string        `json:"name"`
	EmailVerified bool          `json:"email_verified"`
}

func (s *Server) meHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			s.handleError(w, r, err)
			return
		}

		userID, err := s.deps.AuthService.VerifyAccess(r.Context(), raw)
		if err != nil {
			s.handleError(w, r, err)
			return
		}

		user, err := s.deps.AuthService.Profile(r.Context(), userID)
		if err != nil {
			s.handleError(w, r, err)
			return
		}

		_ = writeJSON(w, http.StatusOK, profileResponse{
			ID:            user.ID,
			Email:         user.Email,
			Name:          user.Name,
			EmailVerified: user.EmailVerified,
		})
	})
}

type changePasswordRequest struct {
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`

	userID uuid.UUID
}

func (s *Server) changePasswordHandler() http.Handler {
	return mapRequest(s, func(ctx context.Context, in changePasswordRequest) error {
		return s.deps.AuthService.ChangePassword(ctx, in.userID, in.Password, in.PasswordConfirm)
	}).request(func(r *http.Request) (changePasswordRequest, error) {
		in, err := decodeRequest[changePasswordRequest](r)
		if err != nil {
			return in, err
		}

		raw, err := bearerToken(r)
		if err != nil {
			return in, err
		}

		in.userID, err = s.deps.AuthService.VerifyAccess(r.Context(), raw)
		if err != nil {
			return in, err
		}

		return in, nil
	})
}

// bearerToken extracts the access token from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	const prefix = "Bearer "

	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, prefix) {
		return "", fmt.Errorf("%w: missing bearer token", auth.ErrInvalidToken)
	}

	return strings.TrimSpace(header[len(prefix):]), nil
}
