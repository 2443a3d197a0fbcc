package protocol

import (
	"fmt"

	jwt "github.com/golang-jwt/jwt/v5"

	"nodi-agent/agent/internal/ota"
)

// commandClaims bind a signed command token to one device and one action so
// a captured token cannot be replayed against another device or operation.
type commandClaims struct {
	DeviceID string `json:"device_id"`
	Action   string `json:"action"`
	jwt.RegisteredClaims
}

func (c *Codec) authorize(cmd Command) error {
	if cmd.Auth == "" {
		return fmt.Errorf("%w: missing auth token", ota.ErrValidation)
	}
	token, err := jwt.ParseWithClaims(cmd.Auth, &commandClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.Secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: auth token: %v", ota.ErrValidation, err)
	}
	claims, ok := token.Claims.(*commandClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("%w: invalid auth claims", ota.ErrValidation)
	}
	if claims.DeviceID != c.DeviceID {
		return fmt.Errorf("%w: auth token issued for another device", ota.ErrValidation)
	}
	if claims.Action != cmd.Action {
		return fmt.Errorf("%w: auth token issued for another action", ota.ErrValidation)
	}
	return nil
}

// SignCommand issues a token accepted by a Codec with the same secret. The
// control plane does the signing in production; tests use this directly.
func SignCommand(secret []byte, deviceID, action string) (string, error) {
	claims := commandClaims{
		DeviceID:         deviceID,
		Action:           action,
		RegisteredClaims: jwt.RegisteredClaims{},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
