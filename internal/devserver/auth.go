package devserver

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles accepted on API keys.
const (
	RoleAnon    = "anon"
	RoleService = "service_role"
)

// GenerateAPIKey signs an HS256 API key for role.
func GenerateAPIKey(jwtSecret, role string) (string, error) {
	claims := jwt.MapClaims{
		"role": role,
		"iss":  "frontdesk",
		"iat":  time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}

// validateToken validates a JWT and returns claims
func (h *Hub) validateToken(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		return []byte(h.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return claims, nil
}

// apiKeyRole returns the role an API key grants, or "" when the key is invalid.
// Stored keys are compared first, then the key is tried as a signed JWT.
func (s *Server) apiKeyRole(key string) string {
	if key == "" {
		return ""
	}
	if s.cfg.ServiceKey != "" && key == s.cfg.ServiceKey {
		return RoleService
	}
	if s.cfg.AnonKey != "" && key == s.cfg.AnonKey {
		return RoleAnon
	}

	claims, err := s.hub.validateToken(key)
	if err != nil {
		return ""
	}
	role, _ := claims["role"].(string)
	if role == RoleAnon || role == RoleService {
		return role
	}
	return ""
}
