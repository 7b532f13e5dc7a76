package tokens

import (
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/khanghh/oauthd/internal/common"
	"github.com/khanghh/oauthd/params"
)

const (
	FormatOpaque = "opaque"
	FormatJWT    = "jwt"
)

type accessClaims struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// tokenMinter produces access token values. Storage holds only their hash either way.
type tokenMinter interface {
	mint(clientID string, userID uint, scope string, issuedAt, expiresAt time.Time) (string, error)
	// check rejects values this minter could not have produced, before any storage lookup.
	check(value string) error
}

type opaqueMinter struct{}

func (opaqueMinter) mint(string, uint, string, time.Time, time.Time) (string, error) {
	return common.GenerateToken(params.OpaqueTokenBytes)
}

func (opaqueMinter) check(value string) error {
	if value == "" {
		return ErrMalformedToken
	}
	return nil
}

type jwtMinter struct {
	issuer string
	key    []byte
}

func (m *jwtMinter) mint(clientID string, userID uint, scope string, issuedAt, expiresAt time.Time) (string, error) {
	claims := accessClaims{
		ClientID: clientID,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   strconv.FormatUint(uint64(userID), 10),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
}

// check verifies the signature only. Expiry and revocation are decided by the stored row.
func (m *jwtMinter) check(value string) error {
	if strings.Count(value, ".") != 2 {
		// opaque tokens issued before a format switch stay valid
		return opaqueMinter{}.check(value)
	}
	_, err := jwt.ParseWithClaims(value, &accessClaims{}, func(*jwt.Token) (any, error) {
		return m.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return ErrMalformedToken
	}
	return nil
}

func newMinter(format, issuer, key string) (tokenMinter, error) {
	switch format {
	case "", FormatOpaque:
		return opaqueMinter{}, nil
	case FormatJWT:
		return &jwtMinter{issuer: issuer, key: []byte(key)}, nil
	}
	return nil, ErrUnsupportedFormat
}
