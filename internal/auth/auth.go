// Package auth manages the shared secret a node's WebSocket listener
// demands from remote controllers. Controllers on the local Unix socket
// are trusted by file permissions and never see it.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvToken names the variable that pins the node token, on the node and in
// `hw --node`.
const EnvToken = "HOPWIRE_TOKEN"

const tokenLength = 32

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateToken replaces the node token in dataDir with a fresh random one.
// Controllers holding the old token are refused from then on.
func GenerateToken(dataDir string) (string, error) {
	token, err := randomAlphanumeric(tokenLength)
	if err != nil {
		return "", fmt.Errorf("generating node token: %w", err)
	}
	if err := writeToken(dataDir, token); err != nil {
		return "", err
	}
	return token, nil
}

// LoadOrGenerateToken returns the node token. A token pinned through
// HOPWIRE_TOKEN is stored so ValidateToken agrees with it; otherwise the
// stored token is reused and one is generated on first start.
func LoadOrGenerateToken(dataDir string) (string, error) {
	if pinned := strings.TrimSpace(os.Getenv(EnvToken)); pinned != "" {
		if err := writeToken(dataDir, pinned); err != nil {
			return "", err
		}
		return pinned, nil
	}
	if stored, err := readToken(dataDir); err == nil && stored != "" {
		return stored, nil
	}
	return GenerateToken(dataDir)
}

// ValidateToken checks what a WebSocket controller presented against the
// node token in constant time. Nothing validates when no token is stored,
// and an empty presentation never does.
func ValidateToken(dataDir string, presented string) bool {
	stored, err := readToken(dataDir)
	presented = strings.TrimSpace(presented)
	if err != nil || stored == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// BearerToken returns the credential of an "Authorization: Bearer <token>"
// header value, or "" for any other scheme.
func BearerToken(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func tokenPath(dataDir string) string {
	return filepath.Join(dataDir, "token")
}

func readToken(dataDir string) (string, error) {
	data, err := os.ReadFile(tokenPath(dataDir))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// writeToken stores token readable by the node's user only.
func writeToken(dataDir, token string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	path := tokenPath(dataDir)
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("storing node token in %s: %w", path, err)
	}
	return nil
}

// randomAlphanumeric draws n characters uniformly from alphanumeric,
// rejecting bytes that would bias the result.
func randomAlphanumeric(n int) (string, error) {
	const limit = 256 - 256%len(alphanumeric)
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphanumeric[int(b)%len(alphanumeric)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
