package db

import (
	"bytes"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/migadu/xoauth2-proxy/consts"
	"golang.org/x/crypto/bcrypt"
)

const (
	blfCryptPrefix = "{BLF-CRYPT}"
	ssha512Prefix  = "{SSHA512}"
	ssha512HexPref = "{SSHA512.HEX}"

	sha512HashLength = 64
)

// GenerateBcryptHash hashes password in Dovecot's {BLF-CRYPT} format.
func GenerateBcryptHash(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: password cannot be empty", consts.ErrInvalidArgument)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("error generating bcrypt hash: %w", err)
	}
	return blfCryptPrefix + string(hash), nil
}

// VerifyPassword checks password against a stored hash. Besides
// {BLF-CRYPT} and bare bcrypt, salted SHA-512 hashes imported from other
// mail systems are accepted. A mismatch returns consts.ErrInvalidPassword.
func VerifyPassword(hashedPassword, password string) error {
	switch {
	case strings.HasPrefix(hashedPassword, blfCryptPrefix):
		return compareBcrypt(strings.TrimPrefix(hashedPassword, blfCryptPrefix), password)
	case strings.HasPrefix(hashedPassword, "$2a$"),
		strings.HasPrefix(hashedPassword, "$2b$"),
		strings.HasPrefix(hashedPassword, "$2y$"):
		return compareBcrypt(hashedPassword, password)
	case strings.HasPrefix(hashedPassword, ssha512HexPref):
		raw, err := hex.DecodeString(strings.TrimPrefix(hashedPassword, ssha512HexPref))
		if err != nil {
			return fmt.Errorf("invalid SSHA512 hash: %w", err)
		}
		return compareSSHA512(raw, password)
	case strings.HasPrefix(hashedPassword, ssha512Prefix):
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(hashedPassword, ssha512Prefix))
		if err != nil {
			return fmt.Errorf("invalid SSHA512 hash: %w", err)
		}
		return compareSSHA512(raw, password)
	}
	return errors.New("unknown password hash scheme")
}

func compareBcrypt(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return consts.ErrInvalidPassword
	}
	return err
}

// compareSSHA512 checks a SHA-512 digest followed by its salt
func compareSSHA512(raw []byte, password string) error {
	if len(raw) <= sha512HashLength {
		return errors.New("invalid SSHA512 hash: too short")
	}
	stored, salt := raw[:sha512HashLength], raw[sha512HashLength:]
	h := sha512.New()
	h.Write([]byte(password))
	h.Write(salt)
	if !bytes.Equal(stored, h.Sum(nil)) {
		return consts.ErrInvalidPassword
	}
	return nil
}

// needsRehash reports whether a hash should be replaced by a fresh
// {BLF-CRYPT} one: any non-bcrypt scheme, or bcrypt with another cost.
func needsRehash(hash string) bool {
	hash = strings.TrimPrefix(hash, blfCryptPrefix)
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return true
	}
	return cost != bcrypt.DefaultCost
}
