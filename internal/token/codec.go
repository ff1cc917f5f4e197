package token

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/and161185/presence/internal/crypto/tokencrypto"
)

const (
	wireVersion = 1
	// codecPurpose binds the sealing key and the AAD to this token format.
	codecPurpose = "presence/proof-token/v1"
)

// DefaultSecret is used when no secret is configured. Deployments must override it.
const DefaultSecret = "default-secret-key-change-in-production"

// DecodeError is returned by Decode for any input that is not a token sealed with
// this codec's secret or whose payload does not have the expected field set.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "decode token: " + e.Reason + ": " + e.Err.Error()
	}
	return "decode token: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is (or wraps) a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// wireToken is the canonical serialized form. Pointers detect missing fields.
type wireToken struct {
	V        *int    `json:"v"`
	Kind     *string `json:"k"`
	Session  *string `json:"sid"`
	IssuedAt *int64  `json:"iat"`
	Subject  *string `json:"sub"`
	Year     *int    `json:"yr"`
	Semester *int    `json:"sem"`
	Code     *string `json:"otp,omitempty"`
}

// Codec turns tokens into opaque URL-safe strings and back. Ciphertext differs on
// every call for the same token. Safe for concurrent use.
type Codec struct {
	sealer *tokencrypto.Sealer
	aad    []byte
}

// NewCodec derives the sealing key from the shared secret.
func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("codec: empty secret")
	}
	key, err := tokencrypto.DeriveSubkey(tokencrypto.StretchSecret(secret), codecPurpose)
	if err != nil {
		return nil, fmt.Errorf("codec: derive key: %w", err)
	}
	sealer, err := tokencrypto.NewSealer(key)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	return &Codec{sealer: sealer, aad: []byte(codecPurpose)}, nil
}

// Encode serializes and seals t.
func (c *Codec) Encode(t ProofToken) (string, error) {
	if t == nil {
		return "", errors.New("encode token: nil")
	}
	b := t.Base()
	v := wireVersion
	kind := t.Kind().String()
	w := wireToken{
		V:        &v,
		Kind:     &kind,
		Session:  &b.SessionID,
		IssuedAt: &b.IssuedAtMs,
		Subject:  &b.Subject,
		Year:     &b.CohortYear,
		Semester: &b.CohortSemester,
	}
	switch tt := t.(type) {
	case QR:
	case OTP:
		if !ValidCode(tt.Code) {
			return "", fmt.Errorf("encode token: malformed otp code %q", tt.Code)
		}
		code := tt.Code
		w.Code = &code
	default:
		return "", fmt.Errorf("encode token: unsupported %T", t)
	}
	plain, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	sealed, err := c.sealer.Seal(plain, c.aad)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode opens and parses s. Every failure is a *DecodeError.
func (c *Codec) Decode(s string) (ProofToken, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Reason: "not base64url", Err: err}
	}
	plain, err := c.sealer.Open(sealed, c.aad)
	if err != nil {
		return nil, &DecodeError{Reason: "not sealed with this secret", Err: err}
	}
	return parse(plain)
}

func parse(plain []byte) (ProofToken, error) {
	dec := json.NewDecoder(bytes.NewReader(plain))
	dec.DisallowUnknownFields()
	var w wireToken
	if err := dec.Decode(&w); err != nil {
		return nil, &DecodeError{Reason: "malformed payload", Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &DecodeError{Reason: "trailing data"}
	}
	if w.V == nil || w.Kind == nil || w.Session == nil || w.IssuedAt == nil ||
		w.Subject == nil || w.Year == nil || w.Semester == nil {
		return nil, &DecodeError{Reason: "missing field"}
	}
	if *w.V != wireVersion {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported version %d", *w.V)}
	}
	claims := Claims{
		SessionID:      *w.Session,
		IssuedAtMs:     *w.IssuedAt,
		Subject:        *w.Subject,
		CohortYear:     *w.Year,
		CohortSemester: *w.Semester,
	}
	kind, ok := ParseKind(*w.Kind)
	if !ok {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown kind %q", *w.Kind)}
	}
	switch kind {
	case KindQR:
		if w.Code != nil {
			return nil, &DecodeError{Reason: "unexpected otp field on qr token"}
		}
		return QR{Claims: claims}, nil
	default:
		if w.Code == nil || !ValidCode(*w.Code) {
			return nil, &DecodeError{Reason: "missing or malformed otp code"}
		}
		return OTP{Claims: claims, Code: *w.Code}, nil
	}
}
