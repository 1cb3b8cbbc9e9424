package auth

import (
	"fmt"

	"github.com/dgrijalva/jwt-go"
	"go.uber.org/zap"
)

// ContextKey is a defined type to be used in context.Context containing the Claims
type ContextKey string

// Context is key used in context.Context containing the Claims
const Context ContextKey = "authContext"

// expectedAudience is the audience Supabase stamps on end-user access tokens
const expectedAudience = "authenticated"

// Claims is the subset of a Supabase access token this server cares about.
// StandardClaims.Subject carries the auth user id.
type Claims struct {
	jwt.StandardClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

// UserID returns the Supabase auth user id encoded in the token
func (c *Claims) UserID() string {
	return c.Subject
}

// Options provides initialization parameters for Auth
type Options struct {
	Logger *zap.Logger

	// JWTSecret is the Supabase project JWT secret used to verify access tokens
	JWTSecret string
}

// Auth verifies bearer tokens issued by the external user provider. This
// server never issues tokens itself.
type Auth struct {
	Options
	jwtKey []byte
}

func (o *Options) validate() error {
	if o == nil {
		return fmt.Errorf("nil option is invalid")
	}
	if o.Logger == nil {
		return fmt.Errorf("nil Logger is invalid")
	}
	if len(o.JWTSecret) < 16 {
		return fmt.Errorf("jwt secret must be longer than 16 characters")
	}
	return nil
}

// New will return a new instance of Auth for token verification
func New(option Options) (*Auth, error) {
	if err := option.validate(); err != nil {
		return nil, err
	}
	return &Auth{
		Options: option,
		jwtKey:  []byte(option.JWTSecret),
	}, nil
}
