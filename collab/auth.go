package collab

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// transport-level credentials. "secure" versus "standard" is purely an
// endpoint and credential selection: secure mode presents a signed access
// token as the broker password, standard mode a raw secret. nothing here
// is a cryptographic property of the coordination core.

type EndpointMode string

const (
	ModeStandard EndpointMode = "standard"
	ModeSecure   EndpointMode = "secure"
)

type AccessClaims struct {
	User     string
	ClientId Id
}

func NewAccessToken(user string, clientId Id, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := gojwt.MapClaims{
		"user":      user,
		"client_id": clientId.String(),
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// recovers the identity claims client-side. verification is the broker's
// job, not ours
func ParseAccessTokenUnverified(jwt string) (*AccessClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	accessClaims := &AccessClaims{}
	if user, ok := claims["user"]; ok {
		if userStr, ok := user.(string); ok {
			accessClaims.User = userStr
		}
	}
	if clientIdStr, ok := claims["client_id"]; ok {
		if s, ok := clientIdStr.(string); ok {
			if clientId, err := ParseId(s); err == nil {
				accessClaims.ClientId = clientId
			}
		}
	}
	return accessClaims, nil
}

// credentials for an endpoint mode. in secure mode the password is a
// minted access token bound to this session's client id
func NewCredentials(mode EndpointMode, user string, clientId Id, secret string, ttl time.Duration) (*Credentials, error) {
	switch mode {
	case ModeSecure:
		token, err := NewAccessToken(user, clientId, []byte(secret), ttl)
		if err != nil {
			return nil, err
		}
		return &Credentials{
			Username: user,
			Password: token,
		}, nil
	default:
		return &Credentials{
			Username: user,
			Password: secret,
		}, nil
	}
}
