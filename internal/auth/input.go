package auth

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/mackdin/authcore/internal/email"
	"github.com/mackdin/authcore/internal/errorz"
)

const maxNameLen = 150

var (
	ErrNameRequired    = errors.New("must not be empty")
	ErrNameTooLong     = errors.New("must be at most 150 characters")
	ErrPasswordConfirm = errors.New("does not match the password")
)

// Credentials identify a user by email address and password.
type Credentials struct {
	Email    email.Address
	Password Password
}

// Registration is validated signup input.
type Registration struct {
	Email    email.Address
	Name     string
	Password Password
}

// ParseRegistration validates all signup fields and returns a
// Registration. On failure it returns an errorz.InvalidInput that
// reports every violated field at once, keyed by field name, instead
// of stopping at the first problem.
func ParseRegistration(rawEmail, name, password, passwordConfirm string) (Registration, error) {
	var errs errorz.InvalidInput

	addr, err := email.ParseAddress(rawEmail)
	if err != nil {
		errs = append(errs, errorz.Keyed{Key: "email", Err: err})
	}

	name = strings.TrimSpace(name)
	if name == "" {
		errs = append(errs, errorz.Keyed{Key: "name", Err: ErrNameRequired})
	} else if utf8.RuneCountInString(name) > maxNameLen {
		errs = append(errs, errorz.Keyed{Key: "name", Err: ErrNameTooLong})
	}

	pwd, err := ParsePassword(password)
	if err != nil {
		errs = append(errs, errorz.Keyed{Key: "password", Err: err})
	}

	if password != passwordConfirm {
		errs = append(errs, errorz.Keyed{Key: "password_confirm", Err: ErrPasswordConfirm})
	}

	if len(errs) > 0 {
		return Registration{}, errs
	}

	return Registration{
		Email:    addr,
		Name:     name,
		Password: pwd,
	}, nil
}

// ParseNewPassword validates a new password and its confirmation for
// the password change and reset flows. Like ParseRegistration it
// reports all violated fields together.
func ParseNewPassword(password, passwordConfirm string) (Password, error) {
	var errs errorz.InvalidInput

	pwd, err := ParsePassword(password)
	if err != nil {
		errs = append(errs, errorz.Keyed{Key: "password", Err: err})
	}

	if password != passwordConfirm {
		errs = append(errs, errorz.Keyed{Key: "password_confirm", Err: ErrPasswordConfirm})
	}

	if len(errs) > 0 {
		return Password{}, errs
	}

	return pwd, nil
}
