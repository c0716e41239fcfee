package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const playlistTokenPrefix = "cadenza_playlist_v1"

var (
	ErrPlaylistTokenInvalid = errors.New("playlist token is invalid")
	ErrPlaylistTokenExpired = errors.New("playlist token is expired")
)

// PlaylistTokenClaims scope a bearer token to a single run. Workers receive
// the token inside the task envelope and present it on the segue callback.
type PlaylistTokenClaims struct {
	PlaylistSlug  string `json:"playlist_slug"`
	IssuedAtUnix  int64  `json:"iat"`
	ExpiresAtUnix int64  `json:"exp"`
}

func PlaylistTokenSubject(claims PlaylistTokenClaims) string {
	return "playlist:" + strings.TrimSpace(claims.PlaylistSlug)
}

func ParsePlaylistTokenSubject(subject string) (playlistSlug string, ok bool) {
	subject = strings.TrimSpace(subject)
	if !strings.HasPrefix(subject, "playlist:") {
		return "", false
	}
	playlistSlug = strings.TrimSpace(strings.TrimPrefix(subject, "playlist:"))
	if playlistSlug == "" {
		return "", false
	}
	return playlistSlug, true
}

func GeneratePlaylistToken(secret string, claims PlaylistTokenClaims, now time.Time) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("secret is required")
	}
	claims.PlaylistSlug = strings.TrimSpace(claims.PlaylistSlug)
	if claims.PlaylistSlug == "" {
		return "", errors.New("playlist_slug is required")
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}
	if claims.IssuedAtUnix == 0 {
		claims.IssuedAtUnix = now.UTC().Unix()
	}
	if claims.ExpiresAtUnix == 0 {
		return "", errors.New("exp is required")
	}
	if claims.ExpiresAtUnix <= now.UTC().Unix() {
		return "", errors.New("exp must be in the future")
	}

	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)
	sigB64, err := computePlaylistTokenSignature(secret, payloadB64)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{playlistTokenPrefix, payloadB64, sigB64}, "."), nil
}

func VerifyPlaylistToken(secret string, token string, now time.Time) (PlaylistTokenClaims, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return PlaylistTokenClaims{}, errors.New("secret is required")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return PlaylistTokenClaims{}, ErrPlaylistTokenInvalid
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return PlaylistTokenClaims{}, ErrPlaylistTokenInvalid
	}
	if parts[0] != playlistTokenPrefix {
		return PlaylistTokenClaims{}, ErrPlaylistTokenInvalid
	}
	payloadB64 := strings.TrimSpace(parts[1])
	sigB64 := strings.TrimSpace(parts[2])
	if payloadB64 == "" || sigB64 == "" {
		return PlaylistTokenClaims{}, ErrPlaylistTokenInvalid
	}

	expectedB64, err := computePlaylistTokenSignature(secret, payloadB64)
	if err != nil {
		return PlaylistTokenClaims{}, err
	}
	expectedSig, err := base64.RawURLEncoding.DecodeString(expectedB64)
	if err != nil {
		return PlaylistTokenClaims{}, ErrPlaylistTokenInvalid
	}
	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return PlaylistTokenClaims{}, ErrPlaylistTokenInvalid
	}
	if !hmac.Equal(expectedSig, gotSig) {
		return PlaylistTokenClaims{}, ErrPlaylistTokenInvalid
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return PlaylistTokenClaims{}, ErrPlaylistTokenInvalid
	}
	var claims PlaylistTokenClaims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return PlaylistTokenClaims{}, ErrPlaylistTokenInvalid
	}
	claims.PlaylistSlug = strings.TrimSpace(claims.PlaylistSlug)
	if claims.PlaylistSlug == "" || claims.ExpiresAtUnix == 0 {
		return PlaylistTokenClaims{}, ErrPlaylistTokenInvalid
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}
	if claims.ExpiresAtUnix <= now.UTC().Unix() {
		return PlaylistTokenClaims{}, ErrPlaylistTokenExpired
	}

	return claims, nil
}

func computePlaylistTokenSignature(secret string, payloadB64 string) (string, error) {
	payloadB64 = strings.TrimSpace(payloadB64)
	if payloadB64 == "" {
		return "", errors.New("payload is required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte("cadenza-playlist-token-v1\n")); err != nil {
		return "", err
	}
	if _, err := mac.Write([]byte(payloadB64)); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
