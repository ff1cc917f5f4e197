// Package token defines short-lived, session-bound proof tokens and the operations
// on them: generation, encoding, freshness and consistency checks.
package token

import "fmt"

// Kind tags the variant of a ProofToken.
type Kind uint8

const (
	// KindQR is a token rendered as a scannable image.
	KindQR Kind = iota + 1
	// KindOTP is a token carrying a human-transcribable 6-digit code.
	KindOTP
)

// CodeLength is the number of digits in an OTP code.
const CodeLength = 6

func (k Kind) String() string {
	switch k {
	case KindQR:
		return "qr"
	case KindOTP:
		return "otp"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind maps the wire name of a kind back to Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "qr":
		return KindQR, true
	case "otp":
		return KindOTP, true
	}
	return 0, false
}

// Claims are the fields every proof token carries. Session attributes are embedded
// redundantly so a token can be checked against the live session record.
type Claims struct {
	SessionID      string
	IssuedAtMs     int64
	Subject        string
	CohortYear     int
	CohortSemester int
}

// ProofToken is implemented only by QR and OTP. Values are immutable; a rotation
// always produces a new value.
type ProofToken interface {
	Kind() Kind
	Base() Claims
	isProofToken()
}

// QR is the visual token variant.
type QR struct {
	Claims
}

// OTP is the typed-code token variant.
type OTP struct {
	Claims
	Code string
}

func (QR) Kind() Kind     { return KindQR }
func (t QR) Base() Claims { return t.Claims }
func (QR) isProofToken()  {}

func (OTP) Kind() Kind     { return KindOTP }
func (t OTP) Base() Claims { return t.Claims }
func (OTP) isProofToken()  {}

// ValidCode reports whether s is exactly CodeLength ASCII digits.
func ValidCode(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
