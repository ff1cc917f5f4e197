package token

import (
	"fmt"
	"time"

	pkgcrypto "github.com/and161185/presence/internal/crypto"
)

// Generator mints tokens from the current clock and, for OTP, a fresh random code.
// It has no other side effects and can be used without a scheduler.
type Generator struct {
	now  func() time.Time
	code func() (string, error)
}

// GeneratorOption customizes a Generator.
type GeneratorOption func(*Generator)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

// WithCodeSource overrides the OTP code source.
func WithCodeSource(code func() (string, error)) GeneratorOption {
	return func(g *Generator) { g.code = code }
}

// NewGenerator constructs a Generator using time.Now and crypto randomness by default.
func NewGenerator(opts ...GeneratorOption) *Generator {
	g := &Generator{
		now:  time.Now,
		code: func() (string, error) { return pkgcrypto.RandomCode(CodeLength) },
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Generator) claims(sessionID, subject string, year, semester int) Claims {
	return Claims{
		SessionID:      sessionID,
		IssuedAtMs:     g.now().UnixMilli(),
		Subject:        subject,
		CohortYear:     year,
		CohortSemester: semester,
	}
}

// QR mints a visual token bound to the session attributes.
func (g *Generator) QR(sessionID, subject string, year, semester int) QR {
	return QR{Claims: g.claims(sessionID, subject, year, semester)}
}

// OTP mints a typed-code token with an independent random code.
func (g *Generator) OTP(sessionID, subject string, year, semester int) (OTP, error) {
	code, err := g.code()
	if err != nil {
		return OTP{}, fmt.Errorf("otp code: %w", err)
	}
	if !ValidCode(code) {
		return OTP{}, fmt.Errorf("otp code: malformed %q", code)
	}
	return OTP{Claims: g.claims(sessionID, subject, year, semester), Code: code}, nil
}

// Generate mints a token of the requested kind.
func (g *Generator) Generate(kind Kind, sessionID, subject string, year, semester int) (ProofToken, error) {
	switch kind {
	case KindQR:
		return g.QR(sessionID, subject, year, semester), nil
	case KindOTP:
		return g.OTP(sessionID, subject, year, semester)
	default:
		return nil, fmt.Errorf("generate: unknown %s", kind)
	}
}
