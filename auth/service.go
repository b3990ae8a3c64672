package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals a wrong id or secret.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakSecret signals a secret that doesn't meet requirements.
	ErrWeakSecret = errors.New("auth: secret must be at least 12 characters")
	// ErrInvalidRole signals an unknown role or a self-assigned admin role.
	ErrInvalidRole = errors.New("auth: invalid role")
	// ErrMissingID signals an empty principal id.
	ErrMissingID = errors.New("auth: id is required")
	// ErrInvalidToken covers every token that fails verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// LoginResult bundles the token and principal returned after a successful login.
type LoginResult struct {
	Token     string
	Principal Principal
	ExpiresAt time.Time
}

func NewService(repo Repository, jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates a party or arbiter principal. Admins are only created
// through Seed.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Principal, error) {
	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleParty
	}
	if role == RoleAdmin || !isValidRole(role) {
		return Principal{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return s.create(ctx, req.ID, req.Secret, role)
}

// Seed creates a principal with any role, ignoring an existing one. It runs at
// startup for configured admins.
func (s *Service) Seed(ctx context.Context, id, secret string, role Role) error {
	if !isValidRole(role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	_, err := s.create(ctx, id, secret, role)
	if errors.Is(err, ErrDuplicatePrincipal) {
		return nil
	}
	return err
}

func (s *Service) create(ctx context.Context, id, secret string, role Role) (Principal, error) {
	if strings.TrimSpace(id) == "" {
		return Principal{}, ErrMissingID
	}
	if len(secret) < 12 {
		return Principal{}, ErrWeakSecret
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return Principal{}, fmt.Errorf("auth: hash secret: %w", err)
	}
	return s.repo.CreatePrincipal(ctx, Principal{ID: id, SecretHash: string(hash), Role: role})
}

// Login checks the secret and issues a signed bearer token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	p, err := s.repo.GetPrincipal(ctx, req.ID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(p.SecretHash), []byte(req.Secret)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	exp := s.now().Add(s.ttl)
	token, err := s.Issue(p.ID, p.Role, exp)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}
	return LoginResult{Token: token, Principal: p, ExpiresAt: exp}, nil
}

// Issue signs a token for id and role expiring at exp.
func (s *Service) Issue(id string, role Role, exp time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":  id,
		"role": string(role),
		"exp":  exp.Unix(),
		"iat":  s.now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

// VerifyToken validates a bearer token and returns the caller id and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidToken
	}
	id, err := claims.GetSubject()
	if err != nil || id == "" {
		return "", "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok || !isValidRole(Role(roleStr)) {
		return "", "", fmt.Errorf("%w: bad role", ErrInvalidToken)
	}
	return id, Role(roleStr), nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleParty, RoleArbiter, RoleAdmin:
		return true
	default:
		return false
	}
}
