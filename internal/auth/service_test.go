package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mackdin/authcore/internal/auth"
	"github.com/mackdin/authcore/internal/auth/db"
	"github.com/mackdin/authcore/internal/auth/token"
	"github.com/mackdin/authcore/internal/db/testdb"
	"github.com/mackdin/authcore/internal/email"
	"github.com/mackdin/authcore/internal/errorz"
	"github.com/mackdin/authcore/internal/errorz/testerr"
	"github.com/mackdin/authcore/internal/krypto"
)

func Test_Service_RegisterUser(t *testing.T) {
	t.Run("ok, register user", func(t *testing.T) {
		st := newServiceTest(t)

		reg := testRegistration(t, "alice@example.com")

		id, err := st.svc.RegisterUser(context.Background(), reg)
		if err != nil {
			t.Fatalf("failed to register user: %v", err)
		}

		if id == uuid.Nil {
			t.Fatalf("expected a non-zero user id")
		}

		// Wait for the email worker to finish.
		st.svc.Wait()
		st.errList.assertNoError(t)

		emails := st.emailer.sent()
		if len(emails) != 1 || emails[0].recipient != reg.Email || emails[0].template != "verify-email" {
			t.Fatalf("expected 1 verify-email to %s, got %#v", reg.Email, emails)
		}

		data := st.messageData(emails[0])
		if data.Token == "" || data.URL == "" {
			t.Fatalf("expected token and url in message data, got %#v", data)
		}
	})

	t.Run("fail, duplicate email", func(t *testing.T) {
		st := newServiceTest(t)
		st.registerUser("alice@example.com")

		reg := testRegistration(t, "alice@example.com")

		_, err := st.svc.RegisterUser(context.Background(), reg)
		if !errors.Is(err, auth.ErrDuplicateEmail) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrDuplicateEmail, err)
		}

		st.svc.Wait()
		st.errList.assertNoError(t)

		// Only the first registration dispatched an email.
		if n := len(st.emailer.sent()); n != 1 {
			t.Fatalf("expected 1 email, got %d", n)
		}
	})

	t.Run("fail, duplicate email with different case", func(t *testing.T) {
		st := newServiceTest(t)
		st.registerUser("alice@example.com")

		reg := testRegistration(t, "ALICE@EXAMPLE.COM")

		_, err := st.svc.RegisterUser(context.Background(), reg)
		if !errors.Is(err, auth.ErrDuplicateEmail) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrDuplicateEmail, err)
		}
	})

	for _, tracker := range testerr.NewFailingDeps(testerr.Err, 4) {
		t.Run("fail, store fails", func(t *testing.T) {
			st := newServiceTest(t)
			st.store.tracker = &tracker

			reg := testRegistration(t, "alice@example.com")

			_, err := st.svc.RegisterUser(context.Background(), reg)
			if !errors.Is(err, testerr.Err) {
				t.Fatalf("expected error %v, got %v (via errors.Is)", testerr.Err, err)
			}
			if !errors.Is(err, auth.ErrStoreUnavailable) {
				t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrStoreUnavailable, err)
			}

			st.svc.Wait()
			st.errList.assertNoError(t)

			if n := len(st.emailer.sent()); n != 0 {
				t.Fatalf("expected 0 emails, got %d", n)
			}
		})
	}

	t.Run("fail async, emailer fails", func(t *testing.T) {
		st := newServiceTest(t)
		st.emailer.testErr = testerr.Err

		reg := testRegistration(t, "alice@example.com")

		_, err := st.svc.RegisterUser(context.Background(), reg)
		if err != nil {
			t.Fatalf("failed to register user: %v", err)
		}

		st.svc.Wait()
		st.errList.assertErrorIs(t, testerr.Err)
	})
}

func Test_Service_VerifyEmail(t *testing.T) {
	t.Run("ok, verify email", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")

		err := st.svc.VerifyEmail(context.Background(), verifyToken)
		if err != nil {
			t.Fatalf("failed to verify email: %v", err)
		}

		st.svc.Wait()
		st.errList.assertNoError(t)

		// A verification notice followed the verify-email message.
		emails := st.emailer.sent()
		if len(emails) != 2 || emails[1].template != "verify-email-done" {
			t.Fatalf("expected verify-email-done notice, got %#v", emails)
		}

		// The account can login now.
		_, err = st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: reg.Password,
		})
		if err != nil {
			t.Fatalf("failed to authenticate after verification: %v", err)
		}
	})

	t.Run("ok, verify is idempotent with a fresh token", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)

		// A second token for the same user, the first was consumed.
		user := st.findUser(reg.Email)
		secondToken := st.issueToken(user, token.PurposeVerifyEmail, time.Hour)

		err := st.svc.VerifyEmail(context.Background(), secondToken)
		if err != nil {
			t.Fatalf("failed to verify email twice: %v", err)
		}
	})

	t.Run("fail, token reuse", func(t *testing.T) {
		st := newServiceTest(t)
		_, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)

		err := st.svc.VerifyEmail(context.Background(), verifyToken)
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}
	})

	t.Run("fail, expired token", func(t *testing.T) {
		st := newServiceTest(t)
		_, verifyToken := st.registerUser("alice@example.com")

		// VerifyTokenTTL is one hour in this test config.
		st.codec.NowFunc = func() time.Time {
			return time.Now().Add(time.Hour + time.Second)
		}

		err := st.svc.VerifyEmail(context.Background(), verifyToken)
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}
	})

	t.Run("fail, tampered token", func(t *testing.T) {
		st := newServiceTest(t)
		_, verifyToken := st.registerUser("alice@example.com")

		tampered := verifyToken[:len(verifyToken)-2] + "xx"

		err := st.svc.VerifyEmail(context.Background(), tampered)
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}
	})

	t.Run("fail, token for different purpose", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)

		session := st.authenticate(reg)

		err := st.svc.VerifyEmail(context.Background(), session.AccessToken)
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}
	})

	for _, tracker := range testerr.NewFailingDeps(testerr.Err, 5) {
		t.Run("fail, store fails", func(t *testing.T) {
			st := newServiceTest(t)
			_, verifyToken := st.registerUser("alice@example.com")
			st.store.tracker = &tracker

			err := st.svc.VerifyEmail(context.Background(), verifyToken)
			if !errors.Is(err, testerr.Err) && !errors.Is(err, auth.ErrInvalidToken) {
				t.Fatalf("expected store or token error, got %v", err)
			}

			st.svc.Wait()
		})
	}
}

func Test_Service_Authenticate(t *testing.T) {
	t.Run("ok, right credentials", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)

		session, err := st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: reg.Password,
		})
		if err != nil {
			t.Fatalf("failed to authenticate: %v", err)
		}

		if session.AccessToken == "" || session.RefreshToken == "" {
			t.Fatalf("expected a complete session, got %#v", session)
		}

		if !session.AccessExpiresAt.Before(session.RefreshExpiresAt) {
			t.Fatalf("expected access token to expire before refresh token")
		}
	})

	t.Run("fail, wrong password", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)

		_, err := st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: must(auth.ParsePassword("wrongPassword1")),
		})
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidCredentials, err)
		}
	})

	t.Run("fail, unknown email", func(t *testing.T) {
		st := newServiceTest(t)

		_, err := st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    must(email.ParseAddress("nobody@example.com")),
			Password: must(auth.ParsePassword("reallyStrongPassword1")),
		})
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidCredentials, err)
		}
	})

	t.Run("fail, email not verified", func(t *testing.T) {
		st := newServiceTest(t)
		reg, _ := st.registerUser("alice@example.com")

		_, err := st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: reg.Password,
		})
		if !errors.Is(err, auth.ErrEmailNotVerified) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrEmailNotVerified, err)
		}
	})

	t.Run("fail, unverified with wrong password stays invalid credentials", func(t *testing.T) {
		st := newServiceTest(t)
		reg, _ := st.registerUser("alice@example.com")

		_, err := st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: must(auth.ParsePassword("wrongPassword1")),
		})
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidCredentials, err)
		}
	})

	t.Run("fail, deactivated user", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)
		st.deactivateUser(reg.Email)

		_, err := st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: reg.Password,
		})
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidCredentials, err)
		}
	})

	t.Run("fail, store fails", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)

		trackers := testerr.NewFailingDeps(testerr.Err, 1)
		st.store.tracker = &trackers[0]

		_, err := st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: reg.Password,
		})
		if !errors.Is(err, auth.ErrStoreUnavailable) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrStoreUnavailable, err)
		}
	})

	// Failed lookups must do the same comparison work as found accounts,
	// otherwise response timing reveals whether an email is registered.
	t.Run("unknown email burns a decoy comparison", func(t *testing.T) {
		st := newServiceTest(t)

		compared := st.recordComparisons()

		_, err := st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    must(email.ParseAddress("nobody@example.com")),
			Password: must(auth.ParsePassword("reallyStrongPassword1")),
		})
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidCredentials, err)
		}

		st.assertDecoyCompared(compared)
	})

	t.Run("deactivated user burns a decoy comparison", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)
		st.deactivateUser(reg.Email)

		compared := st.recordComparisons()

		_, err := st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: reg.Password,
		})
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidCredentials, err)
		}

		st.assertDecoyCompared(compared)
	})

	t.Run("known email compares the stored hash", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)
		user := st.findUser(reg.Email)

		compared := st.recordComparisons()

		_, err := st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: must(auth.ParsePassword("wrongPassword1")),
		})
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidCredentials, err)
		}

		if len(*compared) != 1 || (*compared)[0].String() != user.PasswordHash.String() {
			t.Fatalf("expected exactly one comparison against the stored hash, got %d", len(*compared))
		}
	})
}

func Test_Service_Profile(t *testing.T) {
	t.Run("ok, profile of the access token subject", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)
		session := st.authenticate(reg)

		userID, err := st.svc.VerifyAccess(context.Background(), session.AccessToken)
		if err != nil {
			t.Fatalf("failed to verify access: %v", err)
		}

		user, err := st.svc.Profile(context.Background(), userID)
		if err != nil {
			t.Fatalf("failed to get profile: %v", err)
		}

		if user.ID != userID || user.Email != reg.Email || user.Name != reg.Name {
			t.Fatalf("got profile %#v, want id %v, email %s, name %s", user, userID, reg.Email, reg.Name)
		}

		if !user.EmailVerified {
			t.Fatalf("expected a verified profile")
		}
	})

	t.Run("fail, unknown user", func(t *testing.T) {
		st := newServiceTest(t)

		_, err := st.svc.Profile(context.Background(), uuid.New())
		if !errors.Is(err, errorz.ErrNotFound) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", errorz.ErrNotFound, err)
		}
	})

	t.Run("fail, deactivated user", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)
		user := st.findUser(reg.Email)
		st.deactivateUser(reg.Email)

		_, err := st.svc.Profile(context.Background(), user.ID)
		if !errors.Is(err, errorz.ErrNotFound) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", errorz.ErrNotFound, err)
		}
	})

	t.Run("fail, store fails", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)
		user := st.findUser(reg.Email)

		trackers := testerr.NewFailingDeps(testerr.Err, 1)
		st.store.tracker = &trackers[0]

		_, err := st.svc.Profile(context.Background(), user.ID)
		if !errors.Is(err, auth.ErrStoreUnavailable) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrStoreUnavailable, err)
		}
	})
}

func Test_Service_RefreshSession(t *testing.T) {
	t.Run("ok, rotate refresh token", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)
		session := st.authenticate(reg)

		next, err := st.svc.RefreshSession(context.Background(), session.RefreshToken)
		if err != nil {
			t.Fatalf("failed to refresh session: %v", err)
		}

		if next.RefreshToken == session.RefreshToken {
			t.Fatalf("expected a new refresh token")
		}

		// The rotated token was consumed.
		_, err = st.svc.RefreshSession(context.Background(), session.RefreshToken)
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}

		// The new token still works.
		_, err = st.svc.RefreshSession(context.Background(), next.RefreshToken)
		if err != nil {
			t.Fatalf("failed to refresh with rotated token: %v", err)
		}
	})

	t.Run("fail, access token is not a refresh token", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)
		session := st.authenticate(reg)

		_, err := st.svc.RefreshSession(context.Background(), session.AccessToken)
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}
	})

	t.Run("fail, refresh after password change", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)
		session := st.authenticate(reg)

		user := st.findUser(reg.Email)
		st.changePassword(user.ID, "newStrongPassword1")

		_, err := st.svc.RefreshSession(context.Background(), session.RefreshToken)
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}
	})
}

func Test_Service_VerifyAccess(t *testing.T) {
	t.Run("ok, valid access token", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)
		session := st.authenticate(reg)

		userID, err := st.svc.VerifyAccess(context.Background(), session.AccessToken)
		if err != nil {
			t.Fatalf("failed to verify access: %v", err)
		}

		if userID != session.UserID {
			t.Fatalf("got user id %v, want %v", userID, session.UserID)
		}

		// Access tokens are not one-shot.
		_, err = st.svc.VerifyAccess(context.Background(), session.AccessToken)
		if err != nil {
			t.Fatalf("failed to verify access twice: %v", err)
		}
	})

	t.Run("fail, access after password change", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)
		session := st.authenticate(reg)

		st.changePassword(session.UserID, "newStrongPassword1")

		_, err := st.svc.VerifyAccess(context.Background(), session.AccessToken)
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}
	})

	t.Run("fail, access for deactivated user", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)
		session := st.authenticate(reg)

		st.deactivateUser(reg.Email)

		_, err := st.svc.VerifyAccess(context.Background(), session.AccessToken)
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}
	})

	t.Run("fail, refresh token is not an access token", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)
		session := st.authenticate(reg)

		_, err := st.svc.VerifyAccess(context.Background(), session.RefreshToken)
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}
	})
}

func Test_Service_ChangePassword(t *testing.T) {
	t.Run("ok, change password", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)
		session := st.authenticate(reg)

		err := st.svc.ChangePassword(context.Background(), session.UserID, "newStrongPassword1", "newStrongPassword1")
		if err != nil {
			t.Fatalf("failed to change password: %v", err)
		}

		st.svc.Wait()
		st.errList.assertNoError(t)

		emails := st.emailer.sent()
		if emails[len(emails)-1].template != "password-changed" {
			t.Fatalf("expected password-changed notice, got %#v", emails)
		}

		// Old password no longer works, new one does.
		_, err = st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: reg.Password,
		})
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidCredentials, err)
		}

		_, err = st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: must(auth.ParsePassword("newStrongPassword1")),
		})
		if err != nil {
			t.Fatalf("failed to authenticate with new password: %v", err)
		}
	})

	t.Run("fail, confirmation mismatch", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)
		user := st.findUser(reg.Email)

		err := st.svc.ChangePassword(context.Background(), user.ID, "newStrongPassword1", "different")

		var invalid errorz.InvalidInput
		if !errors.As(err, &invalid) {
			t.Fatalf("expected an invalid input error, got %v", err)
		}
	})

	t.Run("fail, unknown user", func(t *testing.T) {
		st := newServiceTest(t)

		err := st.svc.ChangePassword(context.Background(), uuid.New(), "newStrongPassword1", "newStrongPassword1")
		if !errors.Is(err, errorz.ErrNotFound) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", errorz.ErrNotFound, err)
		}
	})
}

func Test_Service_PasswordReset(t *testing.T) {
	t.Run("ok, full reset flow", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)

		st.svc.RequestPasswordReset(context.Background(), reg.Email)
		st.svc.Wait()
		st.errList.assertNoError(t)

		emails := st.emailer.sent()
		last := emails[len(emails)-1]
		if last.template != "password-reset" {
			t.Fatalf("expected password-reset email, got %#v", last)
		}

		resetToken := st.messageData(last).Token

		err := st.svc.ResetPassword(context.Background(), resetToken, "newStrongPassword1", "newStrongPassword1")
		if err != nil {
			t.Fatalf("failed to reset password: %v", err)
		}

		st.svc.Wait()
		st.errList.assertNoError(t)

		_, err = st.svc.Authenticate(context.Background(), auth.Credentials{
			Email:    reg.Email,
			Password: must(auth.ParsePassword("newStrongPassword1")),
		})
		if err != nil {
			t.Fatalf("failed to authenticate with new password: %v", err)
		}
	})

	t.Run("ok, unknown email sends nothing", func(t *testing.T) {
		st := newServiceTest(t)

		st.svc.RequestPasswordReset(context.Background(), must(email.ParseAddress("nobody@example.com")))
		st.svc.Wait()

		// The miss is only visible to the error handler.
		st.errList.assertErrorIs(t, errorz.ErrNotFound)

		if n := len(st.emailer.sent()); n != 0 {
			t.Fatalf("expected 0 emails, got %d", n)
		}
	})

	t.Run("ok, deactivated account sends nothing", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)
		st.deactivateUser(reg.Email)
		before := len(st.emailer.sent())

		st.svc.RequestPasswordReset(context.Background(), reg.Email)
		st.svc.Wait()

		st.errList.assertErrorIs(t, errorz.ErrNotFound)

		if n := len(st.emailer.sent()); n != before {
			t.Fatalf("expected %d emails, got %d", before, n)
		}
	})

	t.Run("fail, reset token reuse", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)
		resetToken := st.requestPasswordReset(reg.Email)

		err := st.svc.ResetPassword(context.Background(), resetToken, "newStrongPassword1", "newStrongPassword1")
		if err != nil {
			t.Fatalf("failed to reset password: %v", err)
		}

		err = st.svc.ResetPassword(context.Background(), resetToken, "anotherPassword1", "anotherPassword1")
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}
	})

	t.Run("fail, reset token issued before password change", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)
		resetToken := st.requestPasswordReset(reg.Email)

		user := st.findUser(reg.Email)
		st.changePassword(user.ID, "newStrongPassword1")

		err := st.svc.ResetPassword(context.Background(), resetToken, "anotherPassword1", "anotherPassword1")
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}
	})

	t.Run("fail, expired reset token", func(t *testing.T) {
		st := newServiceTest(t)
		reg, verifyToken := st.registerUser("alice@example.com")
		st.verifyEmail(verifyToken)
		resetToken := st.requestPasswordReset(reg.Email)

		// ResetTokenTTL is 30 minutes in this test config.
		st.codec.NowFunc = func() time.Time {
			return time.Now().Add(31 * time.Minute)
		}

		err := st.svc.ResetPassword(context.Background(), resetToken, "newStrongPassword1", "newStrongPassword1")
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", auth.ErrInvalidToken, err)
		}
	})
}

func Test_Service_PruneConsumedTokens(t *testing.T) {
	st := newServiceTest(t)
	_, verifyToken := st.registerUser("alice@example.com")
	st.verifyEmail(verifyToken)

	// Consumption markers outlive the longest ttl before they are pruned.
	n, err := st.svc.PruneConsumedTokens(context.Background())
	if err != nil {
		t.Fatalf("failed to prune consumed tokens: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 pruned tokens, got %d", n)
	}

	st.svc.NowFunc = func() time.Time {
		return time.Now().Add(24*time.Hour + time.Second)
	}

	n, err = st.svc.PruneConsumedTokens(context.Background())
	if err != nil {
		t.Fatalf("failed to prune consumed tokens: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned token, got %d", n)
	}
}

type svcTest struct {
	t       *testing.T
	svc     *auth.Service
	codec   *token.Codec
	store   *testStore
	emailer *testEmailer
	errList *errList
}

func newServiceTest(t *testing.T) *svcTest {
	t.Helper()

	encryptor := must(krypto.NewEncryptor([]krypto.Key{
		must(krypto.ParseKey("2b671594b775f371eab4050b4d58326682df6b1a6cc2e886717b1a26b4d6c45d")),
	}))

	indexKey := must(krypto.ParseKey("90303dfed7994260ea4817a5ca8a392915cd401115b2f97495dadfcbcd14adbf"))

	codec := must(token.NewCodec(must(krypto.ParseKey("b3a1f54c2d9be07f5cf739a2bdfe939af19a6cd12a86575a79f7f1a2ddc44f2f"))))

	testDB := testdb.RunWhile(t, true)
	test := &svcTest{
		t:     t,
		codec: codec,
		store: &testStore{
			store:   db.New(testDB, testDB, encryptor, indexKey),
			tracker: &testerr.Calltracker{}, // empty call trackers never fail.
		},
		errList: &errList{
			mutex: &sync.Mutex{},
			errs:  make([]error, 0),
		},
		emailer: &testEmailer{},
	}

	cfg := auth.ServiceConfig{
		WorkerTimeout:   time.Second,
		BaseURL:         "https://app.example.com",
		VerifyTokenTTL:  time.Hour,
		ResetTokenTTL:   30 * time.Minute,
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	}

	svc, err := auth.NewService(test.store, codec, test.emailer, test.errList.AppendErr, cfg)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	test.svc = svc

	return test
}

func testRegistration(t *testing.T, addr string) auth.Registration {
	t.Helper()

	reg, err := auth.ParseRegistration(addr, "Alice", "reallyStrongPassword1", "reallyStrongPassword1")
	if err != nil {
		t.Fatalf("failed to parse registration: %v", err)
	}

	return reg
}

func (st *svcTest) registerUser(addr string) (auth.Registration, string) {
	st.t.Helper()

	reg := testRegistration(st.t, addr)

	_, err := st.svc.RegisterUser(context.Background(), reg)
	if err != nil {
		st.t.Fatalf("failed to register user: %v", err)
	}

	st.svc.Wait()
	st.errList.assertNoError(st.t)

	emails := st.emailer.sent()
	return reg, st.messageData(emails[len(emails)-1]).Token
}

func (st *svcTest) verifyEmail(rawToken string) {
	st.t.Helper()

	err := st.svc.VerifyEmail(context.Background(), rawToken)
	if err != nil {
		st.t.Fatalf("failed to verify email: %v", err)
	}

	st.svc.Wait()
	st.errList.assertNoError(st.t)
}

func (st *svcTest) authenticate(reg auth.Registration) auth.Session {
	st.t.Helper()

	session, err := st.svc.Authenticate(context.Background(), auth.Credentials{
		Email:    reg.Email,
		Password: reg.Password,
	})
	if err != nil {
		st.t.Fatalf("failed to authenticate: %v", err)
	}

	return session
}

func (st *svcTest) changePassword(userID uuid.UUID, password string) {
	st.t.Helper()

	err := st.svc.ChangePassword(context.Background(), userID, password, password)
	if err != nil {
		st.t.Fatalf("failed to change password: %v", err)
	}

	st.svc.Wait()
	st.errList.assertNoError(st.t)
}

func (st *svcTest) requestPasswordReset(addr email.Address) string {
	st.t.Helper()

	st.svc.RequestPasswordReset(context.Background(), addr)
	st.svc.Wait()
	st.errList.assertNoError(st.t)

	emails := st.emailer.sent()
	last := emails[len(emails)-1]
	if last.template != "password-reset" {
		st.t.Fatalf("expected password-reset email, got %#v", last)
	}

	return st.messageData(last).Token
}

func (st *svcTest) messageData(e sentEmail) auth.MessageData {
	st.t.Helper()

	data, ok := e.data.(auth.MessageData)
	if !ok {
		st.t.Fatalf("unexpected data type: %T", e.data)
	}

	return data
}

func (st *svcTest) findUser(addr email.Address) auth.User {
	st.t.Helper()

	users, err := st.store.FindUsers(context.Background(), &auth.UserFilter{
		Emails: []email.Address{addr},
	})
	if err != nil {
		st.t.Fatalf("failed to find user: %v", err)
	}

	if len(users) != 1 {
		st.t.Fatalf("expected 1 user, got %d", len(users))
	}

	return users[0]
}

func (st *svcTest) issueToken(u auth.User, purpose token.Purpose, ttl time.Duration) string {
	st.t.Helper()

	raw, _, err := st.codec.Issue(u.ID, purpose, u.Fingerprint(), ttl)
	if err != nil {
		st.t.Fatalf("failed to issue token: %v", err)
	}

	return raw
}

// recordComparisons wraps the password comparison of the service so
// tests can see which hashes it was asked to compare.
func (st *svcTest) recordComparisons() *[]krypto.Argon2Hash {
	st.t.Helper()

	compared := &[]krypto.Argon2Hash{}
	st.svc.SetMatchFunc(func(p auth.Password, h krypto.Argon2Hash) bool {
		*compared = append(*compared, h)
		return p.Match(h)
	})

	return compared
}

func (st *svcTest) assertDecoyCompared(compared *[]krypto.Argon2Hash) {
	st.t.Helper()

	decoy := st.svc.ComparisonHash()
	if len(*compared) != 1 || (*compared)[0].String() != decoy.String() {
		st.t.Fatalf("expected exactly one comparison against the decoy hash, got %d", len(*compared))
	}
}

func (st *svcTest) deactivateUser(addr email.Address) {
	st.t.Helper()

	user := st.findUser(addr)
	user.IsActive = false
	user.UpdatedAt = time.Now()

	tx, err := st.store.BeginTx(context.Background())
	if err != nil {
		st.t.Fatalf("failed to begin tx: %v", err)
	}

	if err := tx.UpdateUser(&user); err != nil {
		st.t.Fatalf("failed to update user: %v", err)
	}

	if err := tx.Commit(); err != nil {
		st.t.Fatalf("failed to commit tx: %v", err)
	}
}

type errList struct {
	mutex *sync.Mutex
	errs  []error
}

func (e *errList) AppendErr(err error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.errs = append(e.errs, err)
}

func (e *errList) assertNoError(t *testing.T) {
	t.Helper()

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if len(e.errs) > 0 {
		t.Fatalf("unexpected errors: %v", e.errs)
	}
}

func (e *errList) assertErrorIs(t *testing.T, err error) {
	t.Helper()

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if len(e.errs) != 1 || !errors.Is(e.errs[0], err) {
		t.Fatalf("expected error %v, got %v via errors.Is()", err, e.errs)
	}

	// Consume the error so later assertNoError calls pass.
	e.errs = e.errs[:0]
}

// testStore wraps a real store but uses a testerr.Calltracker to
// possibly fail on certain method calls.
type testStore struct {
	store   auth.Store
	tracker *testerr.Calltracker
}

func (f *testStore) BeginTx(ctx context.Context) (auth.Tx, error) {
	return testerr.MaybeFail(f.tracker, func() (auth.Tx, error) {
		realTx, err := f.store.BeginTx(ctx)
		return &testTx{
			store: f,
			tx:    realTx,
		}, err
	})
}

func (f *testStore) FindUsers(ctx context.Context, filter *auth.UserFilter) ([]auth.User, error) {
	return testerr.MaybeFail(f.tracker, func() ([]auth.User, error) {
		return f.store.FindUsers(ctx, filter)
	})
}

func (f *testStore) DeleteConsumedTokens(ctx context.Context, before time.Time) (int64, error) {
	return testerr.MaybeFail(f.tracker, func() (int64, error) {
		return f.store.DeleteConsumedTokens(ctx, before)
	})
}

type testTx struct {
	store *testStore
	tx    auth.Tx
}

func (tx *testTx) Commit() error {
	return testerr.MaybeFailErrFunc(tx.store.tracker, func() error {
		return tx.tx.Commit()
	})
}

func (tx *testTx) Rollback() error {
	// Rollbacks happen after another call already failed, injecting more
	// failures here only obscures the original error.
	return tx.tx.Rollback()
}

func (tx *testTx) CreateUser(u *auth.User) error {
	return testerr.MaybeFailErrFunc(tx.store.tracker, func() error {
		return tx.tx.CreateUser(u)
	})
}

func (tx *testTx) UpdateUser(u *auth.User) error {
	return testerr.MaybeFailErrFunc(tx.store.tracker, func() error {
		return tx.tx.UpdateUser(u)
	})
}

func (tx *testTx) FindUsers(filter *auth.UserFilter) ([]auth.User, error) {
	return testerr.MaybeFail(tx.store.tracker, func() ([]auth.User, error) {
		return tx.tx.FindUsers(filter)
	})
}

func (tx *testTx) ConsumeToken(id uuid.UUID, now time.Time) error {
	return testerr.MaybeFailErrFunc(tx.store.tracker, func() error {
		return tx.tx.ConsumeToken(id, now)
	})
}

type sentEmail struct {
	template  string
	recipient email.Address
	data      any
}

type testEmailer struct {
	mutex   sync.Mutex
	emails  []sentEmail
	testErr error
}

func (e *testEmailer) SendMessage(_ context.Context, template string, to email.Address, data any) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.testErr != nil {
		return e.testErr
	}

	e.emails = append(e.emails, sentEmail{
		template:  template,
		recipient: to,
		data:      data,
	})

	return nil
}

func (e *testEmailer) sent() []sentEmail {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	out := make([]sentEmail, len(e.emails))
	copy(out, e.emails)
	return out
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}
