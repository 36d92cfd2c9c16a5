package deltafeed

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	ScopeRead = "lists:read"
	ScopeSync = "lists:sync"

	tokenAudience = "relaylist"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	Subject string
	// Lists holds the list ids the token may touch; "*" grants all.
	Lists  map[string]struct{}
	Scopes map[string]struct{}
	Exp    int64
}

func (c tokenClaims) allowsList(listID string) bool {
	if _, ok := c.Lists["*"]; ok {
		return true
	}
	_, ok := c.Lists[listID]
	return ok
}

func authorizeBearer(authHeader, secret, listID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, secret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if listID != "" && !claims.allowsList(listID) {
		return tokenClaims{}, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "list not granted",
		}
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, &authError{
				status:  http.StatusForbidden,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

// parseBearer verifies an HS256 JWT carrying sub, lists, scopes, exp and
// aud=relaylist claims.
func parseBearer(authHeader, secret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	if !hmac.Equal(sigBytes, sign(secret, parts[0]+"."+parts[1])) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	subject, ok := payload["sub"].(string)
	if !ok || subject == "" {
		return tokenClaims{}, unauthorized("missing sub claim")
	}
	exp, err := parseExp(payload["exp"])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if aud, ok := payload["aud"].(string); !ok || aud != tokenAudience {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}
	lists := parseStringSet(payload["lists"])
	if len(lists) == 0 {
		return tokenClaims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "no lists granted"}
	}
	scopes := parseStringSet(payload["scopes"])
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}

	return tokenClaims{
		Subject: subject,
		Lists:   lists,
		Scopes:  scopes,
		Exp:     exp,
	}, nil
}

func sign(secret, signingInput string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

func parseStringSet(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if s, ok := item.(string); ok && s != "" {
				out[s] = struct{}{}
			}
		}
	case []string:
		for _, s := range typed {
			if s != "" {
				out[s] = struct{}{}
			}
		}
	case string:
		for _, s := range strings.Fields(typed) {
			out[s] = struct{}{}
		}
	}
	return out
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case int64:
		return typed, nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}
