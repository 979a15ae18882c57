package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mackdin/authcore/internal/auth/token"
	"github.com/mackdin/authcore/internal/email"
	"github.com/mackdin/authcore/internal/errorz"
	"github.com/mackdin/authcore/internal/krypto"
)

var (
	// ErrDuplicateEmail indicates an account with the email address already exists.
	ErrDuplicateEmail = errors.New("duplicate email")
	// ErrInvalidCredentials indicates the email/password combination is wrong.
	// Unknown emails and wrong passwords intentionally produce the same error.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmailNotVerified indicates correct credentials for an account that
	// has not confirmed its email address yet.
	ErrEmailNotVerified = errors.New("email not verified")
	// ErrInvalidToken is the single externally visible error for every way
	// a token can be bad: malformed, tampered, expired, wrong purpose,
	// stale fingerprint or already consumed. Collapsing them prevents the
	// error from acting as an oracle.
	ErrInvalidToken = errors.New("invalid token")
	// ErrStoreUnavailable indicates a transient credential store failure.
	// Safe to retry.
	ErrStoreUnavailable = errors.New("credential store unavailable")
)

// Emailer is used to send templated emails.
type Emailer interface {
	SendMessage(ctx context.Context, template string, to email.Address, data any) error
}

// ErrFunc is a function that handles errors from worker goroutines.
type ErrFunc func(error)

// MessageData is the data passed to the email templates.
type MessageData struct {
	Name  string
	URL   string
	Token string
}

// ServiceConfig is the configuration for the Service.
type ServiceConfig struct {
	// WorkerTimeout is the max duration worker goroutines are allowed
	// to take before they are cancelled.
	WorkerTimeout time.Duration

	// BaseURL is the frontend base used to build the links in
	// verification and reset emails.
	BaseURL string

	VerifyTokenTTL  time.Duration
	ResetTokenTTL   time.Duration
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// DefaultConfig returns a ServiceConfig with sane defaults.
func DefaultConfig() ServiceConfig {
	return ServiceConfig{
		WorkerTimeout:   10 * time.Second,
		VerifyTokenTTL:  24 * time.Hour,
		ResetTokenTTL:   time.Hour,
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 30 * 24 * time.Hour,
	}
}

// Service provides the main rules for authentication: signup, email
// verification, login, session refresh and password changes/resets.
//
// All methods are safe for concurrent use. The store is the only shared
// mutable state, token consumption is serialized by the store itself.
type Service struct {
	store      Store
	codec      *token.Codec
	emailer    Emailer
	wg         *sync.WaitGroup
	errHandler ErrFunc
	cfg        ServiceConfig

	// comparisonHash is used to compare passwords when no user was found.
	comparisonHash krypto.Argon2Hash

	// matchFunc compares a password against a hash. Replaced in tests to
	// observe which hashes get compared.
	matchFunc func(p Password, h krypto.Argon2Hash) bool

	// NowFunc is used to get the current time.
	// Exposed for testing purposes.
	NowFunc func() time.Time
}

func NewService(s Store, codec *token.Codec, emailer Emailer, errHandler ErrFunc, cfg ServiceConfig) (*Service, error) {
	if cfg.WorkerTimeout <= 0 || cfg.VerifyTokenTTL <= 0 || cfg.ResetTokenTTL <= 0 ||
		cfg.AccessTokenTTL <= 0 || cfg.RefreshTokenTTL <= 0 {
		return nil, errors.New("all timeouts and ttls must be positive")
	}

	// Hash a random value once so failed lookups have a hash to compare
	// against. See Authenticate.
	tok, err := krypto.GenerateToken()
	if err != nil {
		return nil, err
	}

	hash, err := krypto.HashArgon2(tok[:])
	if err != nil {
		return nil, err
	}

	svc := &Service{
		store:          s,
		codec:          codec,
		emailer:        emailer,
		wg:             &sync.WaitGroup{},
		errHandler:     errHandler,
		cfg:            cfg,
		comparisonHash: hash,
		matchFunc:      Password.Match,
		NowFunc:        time.Now,
	}

	return svc, nil
}

// Wait waits for all open workers to finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// RegisterUser registers a new user with the provided registration.
//
// On success the new user id is returned and a verification token is
// dispatched out-of-band via the emailer. The token is never returned to
// the caller. Email dispatch happens in a worker goroutine, a mail outage
// does not fail the registration.
func (s *Service) RegisterUser(ctx context.Context, reg Registration) (uuid.UUID, error) {
	pwdHash, err := reg.Password.Hash()
	if err != nil {
		return uuid.Nil, err
	}

	now := s.NowFunc()

	user := User{
		ID:           uuid.New(),
		Email:        reg.Email,
		Name:         reg.Name,
		PasswordHash: pwdHash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.inTx(ctx, func(tx Tx) error {
		users, txErr := tx.FindUsers(&UserFilter{
			Emails: []email.Address{user.Email},
		})
		if txErr != nil {
			return txErr
		}

		if len(users) > 0 {
			return ErrDuplicateEmail
		}

		return tx.CreateUser(&user)
	})

	if err != nil {
		// Two concurrent signups can both pass the lookup above, the
		// unique index on the email blind index settles the race.
		if errors.Is(err, errorz.ErrConstraintViolated) {
			return uuid.Nil, ErrDuplicateEmail
		}

		if errors.Is(err, ErrDuplicateEmail) {
			return uuid.Nil, err
		}

		return uuid.Nil, storeErr(err)
	}

	s.sendTokenMail(user, token.PurposeVerifyEmail, s.cfg.VerifyTokenTTL, "verify-email", "/verify-email")

	return user.ID, nil
}

// VerifyEmail flips the email-verified flag of the user a verification
// token was issued for. The token is consumed in the same transaction, so
// presenting it a second time always fails with ErrInvalidToken.
func (s *Service) VerifyEmail(ctx context.Context, rawToken string) error {
	claims, err := s.codec.Validate(rawToken, token.PurposeVerifyEmail)
	if err != nil {
		return invalidToken(err)
	}

	var user User
	err = s.consumeForUser(ctx, claims, func(tx Tx, u User) error {
		user = u
		if !u.EmailVerified {
			u.EmailVerified = true
			u.UpdatedAt = s.NowFunc()
			return tx.UpdateUser(&u)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.sendNoticeMail(user, "verify-email-done")

	return nil
}

// Authenticate checks the provided credentials and mints a session.
//
// The lookup result never changes which work is done: when no account
// matches the email, the password is still compared against a decoy hash
// so response timing can't be used to enumerate accounts.
func (s *Service) Authenticate(ctx context.Context, c Credentials) (Session, error) {
	users, err := s.store.FindUsers(ctx, &UserFilter{
		Emails:   []email.Address{c.Email},
		IsActive: ptr(true),
	})
	if err != nil {
		return Session{}, storeErr(err)
	}

	if len(users) != 1 {
		_ = s.matchFunc(c.Password, s.comparisonHash)
		return Session{}, ErrInvalidCredentials
	}

	user := users[0]

	if !s.matchFunc(c.Password, user.PasswordHash) {
		return Session{}, ErrInvalidCredentials
	}

	// Only checked after the credentials are confirmed, so this error
	// never reveals whether an unverified account's password was right.
	if !user.EmailVerified {
		return Session{}, ErrEmailNotVerified
	}

	return s.mintSession(user)
}

// RefreshSession rotates a refresh token: the presented token is
// consumed and a new session is minted. Re-presenting a rotated token
// fails with ErrInvalidToken, which doubles as theft detection.
func (s *Service) RefreshSession(ctx context.Context, rawToken string) (Session, error) {
	claims, err := s.codec.Validate(rawToken, token.PurposeRefresh)
	if err != nil {
		return Session{}, invalidToken(err)
	}

	var user User
	err = s.consumeForUser(ctx, claims, func(_ Tx, u User) error {
		user = u
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	return s.mintSession(user)
}

// VerifyAccess validates an access token and returns the id of the user
// it was issued to. Access tokens are not one-shot, no state changes.
func (s *Service) VerifyAccess(ctx context.Context, rawToken string) (uuid.UUID, error) {
	claims, err := s.codec.Validate(rawToken, token.PurposeAccess)
	if err != nil {
		return uuid.Nil, invalidToken(err)
	}

	userID, err := claims.UserID()
	if err != nil {
		return uuid.Nil, invalidToken(err)
	}

	users, err := s.store.FindUsers(ctx, &UserFilter{
		IDs:      []uuid.UUID{userID},
		IsActive: ptr(true),
	})
	if err != nil {
		return uuid.Nil, storeErr(err)
	}

	if len(users) != 1 || !fingerprintMatch(users[0], claims) {
		return uuid.Nil, invalidToken(token.ErrStaleFingerprint)
	}

	return userID, nil
}

// Profile returns the account details of an active user, typically the
// subject of a verified access token.
func (s *Service) Profile(ctx context.Context, userID uuid.UUID) (User, error) {
	users, err := s.store.FindUsers(ctx, &UserFilter{
		IDs:      []uuid.UUID{userID},
		IsActive: ptr(true),
	})
	if err != nil {
		return User{}, storeErr(err)
	}

	if len(users) != 1 {
		return User{}, errorz.ErrNotFound
	}

	return users[0], nil
}

// ChangePassword replaces the password of an already-authenticated user.
// Because tokens are fingerprinted on the password hash, this implicitly
// invalidates all outstanding sessions and reset/verify tokens.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, password, passwordConfirm string) error {
	pwd, err := ParseNewPassword(password, passwordConfirm)
	if err != nil {
		return err
	}

	user, err := s.updatePassword(ctx, userID, pwd)
	if err != nil {
		return err
	}

	s.sendNoticeMail(user, "password-changed")

	return nil
}

// RequestPasswordReset requests a password reset for the user with the
// provided email address.
//
// All work happens in a worker goroutine and no output is returned, so
// callers observe the same immediate success whether or not an account
// exists. Deactivated accounts are denied a reset token.
func (s *Service) RequestPasswordReset(ctx context.Context, addr email.Address) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		wCtx, cancel := context.WithTimeout(context.Background(), s.cfg.WorkerTimeout)
		defer cancel()

		err := s.startPasswordReset(wCtx, addr)
		if err != nil {
			s.errHandler(err)
		}
	}()
}

func (s *Service) startPasswordReset(ctx context.Context, addr email.Address) error {
	users, err := s.store.FindUsers(ctx, &UserFilter{
		Emails:   []email.Address{addr},
		IsActive: ptr(true),
	})
	if err != nil {
		return storeErr(err)
	}

	if len(users) != 1 {
		return fmt.Errorf("no account for password reset request: %w", errorz.ErrNotFound)
	}

	return s.tokenMail(ctx, users[0], token.PurposePasswordReset, s.cfg.ResetTokenTTL, "password-reset", "/reset-password")
}

// ResetPassword sets a new password using a reset token. The token is
// consumed and the password updated in a single transaction.
func (s *Service) ResetPassword(ctx context.Context, rawToken, password, passwordConfirm string) error {
	pwd, err := ParseNewPassword(password, passwordConfirm)
	if err != nil {
		return err
	}

	claims, err := s.codec.Validate(rawToken, token.PurposePasswordReset)
	if err != nil {
		return invalidToken(err)
	}

	pwdHash, err := pwd.Hash()
	if err != nil {
		return err
	}

	var user User
	err = s.consumeForUser(ctx, claims, func(tx Tx, u User) error {
		u.PasswordHash = pwdHash
		u.UpdatedAt = s.NowFunc()
		user = u
		return tx.UpdateUser(&u)
	})
	if err != nil {
		return err
	}

	s.sendNoticeMail(user, "password-changed")

	return nil
}

// PruneConsumedTokens garbage collects consumption markers that are
// older than the longest token ttl. Such markers can't match a live
// token anymore.
func (s *Service) PruneConsumedTokens(ctx context.Context) (int64, error) {
	retention := s.cfg.VerifyTokenTTL
	for _, ttl := range []time.Duration{s.cfg.ResetTokenTTL, s.cfg.RefreshTokenTTL} {
		if ttl > retention {
			retention = ttl
		}
	}

	n, err := s.store.DeleteConsumedTokens(ctx, s.NowFunc().Add(-retention))
	if err != nil {
		return 0, storeErr(err)
	}

	return n, nil
}

// consumeForUser runs the shared one-shot token logic: look up the
// subject, check the fingerprint, atomically consume the token id and
// apply f, all in one transaction. Every failure mode collapses into
// ErrInvalidToken except store infrastructure errors.
func (s *Service) consumeForUser(ctx context.Context, claims token.Claims, f func(tx Tx, u User) error) error {
	userID, err := claims.UserID()
	if err != nil {
		return invalidToken(err)
	}

	tokenID, err := claims.TokenID()
	if err != nil {
		return invalidToken(err)
	}

	err = s.inTx(ctx, func(tx Tx) error {
		users, txErr := tx.FindUsers(&UserFilter{
			IDs:      []uuid.UUID{userID},
			IsActive: ptr(true),
		})
		if txErr != nil {
			return txErr
		}

		if len(users) != 1 || !fingerprintMatch(users[0], claims) {
			return invalidToken(token.ErrStaleFingerprint)
		}

		txErr = tx.ConsumeToken(tokenID, s.NowFunc())
		if txErr != nil {
			if errors.Is(txErr, errorz.ErrConstraintViolated) {
				return invalidToken(txErr)
			}
			return txErr
		}

		return f(tx, users[0])
	})

	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return ErrInvalidToken
		}
		return storeErr(err)
	}

	return nil
}

func (s *Service) mintSession(user User) (Session, error) {
	fingerprint := user.Fingerprint()

	access, accessClaims, err := s.codec.Issue(user.ID, token.PurposeAccess, fingerprint, s.cfg.AccessTokenTTL)
	if err != nil {
		return Session{}, err
	}

	refresh, refreshClaims, err := s.codec.Issue(user.ID, token.PurposeRefresh, fingerprint, s.cfg.RefreshTokenTTL)
	if err != nil {
		return Session{}, err
	}

	return Session{
		UserID:           user.ID,
		AccessToken:      access,
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
	}, nil
}

// sendTokenMail issues a one-shot token for the user and emails it in a
// worker goroutine. Failures are reported to the error handler, never to
// the caller of the triggering operation.
func (s *Service) sendTokenMail(user User, purpose token.Purpose, ttl time.Duration, template, path string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WorkerTimeout)
		defer cancel()

		if err := s.tokenMail(ctx, user, purpose, ttl, template, path); err != nil {
			s.errHandler(err)
		}
	}()
}

func (s *Service) tokenMail(ctx context.Context, user User, purpose token.Purpose, ttl time.Duration, template, path string) error {
	raw, _, err := s.codec.Issue(user.ID, purpose, user.Fingerprint(), ttl)
	if err != nil {
		return err
	}

	data := MessageData{
		Name:  user.Name,
		URL:   s.cfg.BaseURL + path + "?token=" + url.QueryEscape(raw),
		Token: raw,
	}

	return s.emailer.SendMessage(ctx, template, user.Email, data)
}

// sendNoticeMail emails a notice without a token in a worker goroutine.
func (s *Service) sendNoticeMail(user User, template string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WorkerTimeout)
		defer cancel()

		data := MessageData{
			Name: user.Name,
		}

		if err := s.emailer.SendMessage(ctx, template, user.Email, data); err != nil {
			s.errHandler(err)
		}
	}()
}

func (s *Service) updatePassword(ctx context.Context, userID uuid.UUID, pwd Password) (User, error) {
	pwdHash, err := pwd.Hash()
	if err != nil {
		return User{}, err
	}

	var user User
	err = s.inTx(ctx, func(tx Tx) error {
		users, txErr := tx.FindUsers(&UserFilter{
			IDs:      []uuid.UUID{userID},
			IsActive: ptr(true),
		})
		if txErr != nil {
			return txErr
		}

		if len(users) != 1 {
			return errorz.ErrNotFound
		}

		user = users[0]
		user.PasswordHash = pwdHash
		user.UpdatedAt = s.NowFunc()

		return tx.UpdateUser(&user)
	})

	if err != nil {
		if errors.Is(err, errorz.ErrNotFound) {
			return User{}, err
		}
		return User{}, storeErr(err)
	}

	return user, nil
}

func (s *Service) inTx(ctx context.Context, f func(tx Tx) error) error {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}

	err = f(tx)
	if err != nil {
		rBackErr := tx.Rollback()
		if rBackErr != nil {
			err = errors.Join(err, rBackErr)
		}
		return err
	}

	return tx.Commit()
}

func fingerprintMatch(u User, claims token.Claims) bool {
	return subtle.ConstantTimeCompare([]byte(u.Fingerprint()), []byte(claims.Fingerprint)) == 1
}

// invalidToken wraps a specific token failure in the collapsed
// ErrInvalidToken. The cause stays available via errors.Is for logging.
func invalidToken(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidToken, err)
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func ptr[T any](v T) *T {
	return &v
}
