// Package turnrest issues coturn-compatible TURN REST ephemeral credentials
// so clients can fall back to a TURN relay without baking a static secret
// into the frontend.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<connection_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed from the server clock in UTC:
//
//	unix_expiry_timestamp = now_utc_unix + ttl_seconds
package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Generator mints short-lived TURN credentials from a shared secret.
type Generator struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	now            func() time.Time
	randomID       func() (string, error)
}

type GeneratorConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string

	// Now and RandomID exist for deterministic tests; nil means the real
	// clock and a crypto-random ID.
	Now      func() time.Time
	RandomID func() (string, error)
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RandomID == nil {
		cfg.RandomID = cryptoRandomID
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     cfg.TTLSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
		randomID:       cfg.RandomID,
	}, nil
}

// Credentials is one issued username/credential pair.
type Credentials struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
	ExpiryUnix int64  `json:"expiry"`
}

// Generate issues credentials bound to the given connection ID.
func (g *Generator) Generate(connID string) (Credentials, error) {
	if connID == "" {
		return Credentials{}, errors.New("connID is required")
	}
	if strings.Contains(connID, ":") {
		return Credentials{}, errors.New("connID must not contain ':'")
	}
	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, connID)
	return Credentials{
		Username:   username,
		Credential: sign(g.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}, nil
}

// GenerateRandom issues credentials for callers that have no connection ID,
// such as the anonymous /turn/credentials endpoint.
func (g *Generator) GenerateRandom() (Credentials, error) {
	id, err := g.randomID()
	if err != nil {
		return Credentials{}, err
	}
	return g.Generate(id)
}

func cryptoRandomID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func sign(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
