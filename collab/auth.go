package collab

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// identity claims presented on the websocket upgrade.
// the channel is trusted and authenticated upstream,
// so the claims are read without signature verification here.
type ClientAuth struct {
	ClientId Id
	Username string
}

func ParseClientAuthUnverified(byJwt string) (*ClientAuth, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	auth := &ClientAuth{}
	if clientIdStr, ok := claims["client_id"].(string); ok {
		if clientId, err := ParseId(clientIdStr); err == nil {
			auth.ClientId = clientId
		}
	}
	if username, ok := claims["username"].(string); ok {
		auth.Username = username
	}
	return auth, nil
}
