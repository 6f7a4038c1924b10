package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ticket-chat/internal/config"
	"ticket-chat/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims are issued by the ticketing application's login endpoint.
type Claims struct {
	jwt.RegisteredClaims
	UserID    string `json:"user_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	UserType  string `json:"user_type"`
}

// Service verifies access tokens and turns them into principals. It never
// issues tokens.
type Service struct {
	secret []byte
	issuer string
}

func NewService(cfg config.JWTConfig) *Service {
	return &Service{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
	}
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// PrincipalFromToken resolves a token to a principal. An empty token yields
// the anonymous principal without an error.
func (s *Service) PrincipalFromToken(tokenString string) (models.Principal, error) {
	if tokenString == "" {
		return models.AnonymousPrincipal, nil
	}

	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return models.AnonymousPrincipal, err
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return models.AnonymousPrincipal, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}

	role, err := models.ParseRole(claims.UserType)
	if err != nil {
		return models.AnonymousPrincipal, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return models.Principal{
		ID:          userID,
		DisplayName: strings.TrimSpace(claims.FirstName + " " + claims.LastName),
		Role:        role,
	}, nil
}

// PrincipalFromRequest reads the token from the Authorization header or,
// for browsers opening a WebSocket, the token query parameter.
func (s *Service) PrincipalFromRequest(r *http.Request) (models.Principal, error) {
	return s.PrincipalFromToken(TokenFromRequest(r))
}

func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
