package canvass

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// auth is an external collaborator
// the connection manager asks for a fresh token on every (re)connect attempt,
// the rest fallback uses the bearer header and retries a 401 once after a refresh

var ErrAuthRequired = errors.New("Auth required.")

type AuthService interface {
	// Token returns the current bearer token, empty if the user is signed out.
	Token(ctx context.Context) (string, error)
	// AuthHeader returns the value for the `Authorization` header.
	AuthHeader(ctx context.Context) (string, error)
	// RefreshToken exchanges the current token for a fresh one.
	RefreshToken(ctx context.Context) (string, error)
	// Logout invalidates the session. Called after a failed refresh.
	Logout(ctx context.Context) error
}

// StaticAuth is an `AuthService` over a fixed token, used by the ctl tool
// and tests. Refresh returns the same token.
type StaticAuth struct {
	mutex sync.Mutex
	token string
}

func NewStaticAuth(token string) *StaticAuth {
	return &StaticAuth{
		token: token,
	}
}

func (self *StaticAuth) Token(ctx context.Context) (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.token, nil
}

func (self *StaticAuth) AuthHeader(ctx context.Context) (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.token == "" {
		return "", ErrAuthRequired
	}
	return fmt.Sprintf("Bearer %s", self.token), nil
}

func (self *StaticAuth) RefreshToken(ctx context.Context) (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.token == "" {
		return "", ErrAuthRequired
	}
	return self.token, nil
}

func (self *StaticAuth) Logout(ctx context.Context) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.token = ""
	return nil
}

// claims of interest from the platform bearer token
type ByJwt struct {
	UserId    Id
	Username  string
	Role      UserRole
	CompanyId Id
	ExpiresAt time.Time
}

func (self *ByJwt) IsExpired() bool {
	return !self.ExpiresAt.IsZero() && self.ExpiresAt.Before(time.Now())
}

// the token is verified server side. the client only needs the claims
// to scope group membership and role-gated screens.
func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if username, ok := claims["username"].(string); ok {
		byJwt.Username = username
	}
	if roleStr, ok := claims["role"].(string); ok {
		byJwt.Role = UserRole(roleStr)
	}
	if companyIdStr, ok := claims["company_id"].(string); ok {
		if companyId, err := ParseId(companyIdStr); err == nil {
			byJwt.CompanyId = companyId
		}
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		byJwt.ExpiresAt = expiresAt.Time
	}

	return byJwt, nil
}
