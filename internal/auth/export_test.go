package auth

import "github.com/mackdin/authcore/internal/krypto"

// SetMatchFunc replaces the password comparison of the service, letting
// tests observe which hashes get compared.
func (s *Service) SetMatchFunc(f func(Password, krypto.Argon2Hash) bool) {
	s.matchFunc = f
}

// ComparisonHash returns the decoy hash compared against when no
// account matches the presented email.
func (s *Service) ComparisonHash() krypto.Argon2Hash {
	return s.comparisonHash
}
