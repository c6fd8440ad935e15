// internal/auth/verifier.go
//
// Package auth 驗證 RS256 簽章的 bearer token，並取出 "acct" claim 作為已驗證帳號。
package auth

import (
	"crypto/rsa"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"ledger/internal/bank"
)

// Claims 為 token 內容；Account 為 10 位數帳號。
type Claims struct {
	Account string `json:"acct"`
	Name    string `json:"name,omitempty"`
	User    string `json:"user,omitempty"`
	jwt.RegisteredClaims
}

// Verifier 以公鑰驗證 token。issuer 與 audience 為空時不檢查。
type Verifier struct {
	pub    *rsa.PublicKey
	parser *jwt.Parser
}

// NewVerifier 建立驗證器。
func NewVerifier(pub *rsa.PublicKey, issuer, audience string) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &Verifier{pub: pub, parser: jwt.NewParser(opts...)}
}

// LoadPublicKey 讀取 PEM 格式的 RSA 公鑰。
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", path, err)
	}
	return pub, nil
}

// Verify 驗證 token 並回傳帳號；任何失敗皆回傳 bank.ErrUnauthorized。
func (v *Verifier) Verify(token string) (string, error) {
	claims := new(Claims)
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.pub, nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", bank.ErrUnauthorized, err)
	}
	if claims.Account == "" {
		return "", fmt.Errorf("%w: token has no acct claim", bank.ErrUnauthorized)
	}
	return claims.Account, nil
}

// BearerToken 由 Authorization 標頭取出 token。
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
