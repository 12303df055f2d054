package llm

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// signToken builds the zhipu auth token: HS256 over a header carrying
// sign_type=SIGN (no typ field) and a payload of api_key, exp, and
// timestamp, all in unix seconds.
func signToken(apiID, secret string, ttl time.Duration) (string, error) {
	now := time.Now().Unix()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"api_key":   apiID,
		"exp":       now + int64(ttl.Seconds()),
		"timestamp": now,
	})
	tok.Header["sign_type"] = "SIGN"
	delete(tok.Header, "typ")

	return tok.SignedString([]byte(secret))
}
