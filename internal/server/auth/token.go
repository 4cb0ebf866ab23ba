// Package auth реализует общий credential комнаты: подписанный HS256
// токен, который клиент передает в join, а сервер проверяет при входе.
// Авторизация намеренно не per-user: один секрет на инсталляцию.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken токен не прошел проверку подписи или формата
	ErrInvalidToken = errors.New("invalid room token")

	// ErrWrongRoom токен выписан на другую комнату
	ErrWrongRoom = errors.New("token issued for another room")
)

// roomClaims claims токена комнаты
type roomClaims struct {
	Room string `json:"room"`
	jwt.RegisteredClaims
}

// NewRoomToken выписывает токен входа в комнату, подписанный общим
// секретом. Room "*" дает доступ к любой комнате.
func NewRoomToken(secret []byte, roomID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := roomClaims{
		Room: roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign room token: %w", err)
	}
	return signed, nil
}

// Verifier проверяет токены комнат
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier bound to the shared secret
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify проверяет подпись, срок действия и комнату токена
func (v *Verifier) Verify(tokenString, roomID string) error {
	token, err := jwt.ParseWithClaims(tokenString, &roomClaims{}, func(t *jwt.Token) (any, error) {
		// Принимаем только HS256
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}

	claims, ok := token.Claims.(*roomClaims)
	if !ok {
		return ErrInvalidToken
	}
	if claims.Room != "*" && claims.Room != roomID {
		return ErrWrongRoom
	}

	return nil
}
