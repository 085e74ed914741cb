package api

import (
	"bufio"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/euglena-ai/euglena/pkg/config"
)

// authenticator validates requests against a shared-secret JWT or a static
// API key allow-list. JWT is tried first; the API key header is the fallback
// for service-to-service callers.
type authenticator struct {
	secret []byte
	// keyHashes holds SHA-256 digests of the allowed keys so comparisons are
	// constant-time regardless of key length.
	keyHashes [][32]byte
	log       *slog.Logger
}

func newAuthenticator(cfg *config.ServerConfig) (*authenticator, error) {
	a := &authenticator{log: slog.With("component", "auth")}
	if cfg.JWTSecret != "" {
		a.secret = []byte(cfg.JWTSecret)
	}
	if cfg.APIKeyFile != "" {
		hashes, err := loadAPIKeys(cfg.APIKeyFile)
		if err != nil {
			return nil, err
		}
		a.keyHashes = hashes
	}
	if a.secret == nil && len(a.keyHashes) == 0 {
		a.log.Warn("No JWT secret or API key file configured, API is unauthenticated")
	}
	return a, nil
}

// loadAPIKeys reads one key per line; blank lines and #-comments are skipped.
func loadAPIKeys(path string) ([][32]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening API key file: %w", err)
	}
	defer f.Close()

	var hashes [][32]byte
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hashes = append(hashes, sha256.Sum256([]byte(line)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading API key file: %w", err)
	}
	return hashes, nil
}

func (a *authenticator) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Unauthenticated mode for local development.
		if a.secret == nil && len(a.keyHashes) == 0 {
			c.Next()
			return
		}

		if token, ok := bearerToken(c.Request); ok && a.secret != nil {
			if err := a.validateJWT(token); err != nil {
				a.log.Warn("JWT rejected", "error", err)
				abortUnauthorized(c)
				return
			}
			c.Next()
			return
		}

		if key := c.GetHeader("X-API-Key"); key != "" && a.matchAPIKey(key) {
			c.Next()
			return
		}

		abortUnauthorized(c)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return h[len(prefix):], true
}

// validateJWT checks the signature and requires a confirmed email claim, so
// tokens minted for unverified accounts cannot submit tasks.
func (a *authenticator) validateJWT(raw string) error {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("unexpected claims type")
	}
	if confirmed, _ := claims["email_confirmed"].(bool); !confirmed {
		return errors.New("email not confirmed")
	}
	return nil
}

func (a *authenticator) matchAPIKey(key string) bool {
	h := sha256.Sum256([]byte(key))
	matched := false
	// Compare against every entry so timing does not reveal the match index.
	for i := range a.keyHashes {
		if subtle.ConstantTimeCompare(h[:], a.keyHashes[i][:]) == 1 {
			matched = true
		}
	}
	return matched
}

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}
