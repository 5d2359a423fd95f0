package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"

	"github.com/myriadb/myriad/internal/sqlerr"
)

// NativePassword is mysql_native_password: a 20-byte SHA-1 based scramble.
// SHA1(password) XOR SHA1(challenge + SHA1(SHA1(password))).
type NativePassword struct{}

func (NativePassword) Name() string                 { return "mysql_native_password" }
func (NativePassword) RequiresConfidentiality() bool { return false }

func (NativePassword) HashPassword(password string, challenge []byte) ([]byte, error) {
	if password == "" {
		return nil, nil
	}
	if len(challenge) > 20 {
		challenge = challenge[:20]
	}
	h1 := sha1.Sum([]byte(password))
	h2 := sha1.Sum(h1[:])
	h := sha1.New()
	h.Write(challenge)
	h.Write(h2[:])
	scramble := h.Sum(nil)
	for i := range scramble {
		scramble[i] ^= h1[i]
	}
	return scramble, nil
}

// CachingSHA2Password is caching_sha2_password, the 8.x default. The scramble
// here serves the fast-auth path; full auth continues in the exchange loop
// with either a TLS plaintext password or an RSA-wrapped one.
// XOR(SHA256(password), SHA256(SHA256(SHA256(password)) + challenge)).
type CachingSHA2Password struct{}

func (CachingSHA2Password) Name() string                 { return "caching_sha2_password" }
func (CachingSHA2Password) RequiresConfidentiality() bool { return false }

func (CachingSHA2Password) HashPassword(password string, challenge []byte) ([]byte, error) {
	if password == "" {
		return nil, nil
	}
	h1 := sha256.Sum256([]byte(password))
	h2 := sha256.Sum256(h1[:])
	h := sha256.New()
	h.Write(h2[:])
	h.Write(challenge)
	h3 := h.Sum(nil)
	scramble := make([]byte, len(h1))
	for i := range h1 {
		scramble[i] = h1[i] ^ h3[i]
	}
	return scramble, nil
}

// SHA256Password is sha256_password. Over TLS the password goes in clear
// (NUL-terminated); over cleartext transports the exchange loop requests the
// server's RSA key and sends the password encrypted. The scramble returned
// here is the public-key request marker used on cleartext transports.
type SHA256Password struct{}

func (SHA256Password) Name() string                 { return "sha256_password" }
func (SHA256Password) RequiresConfidentiality() bool { return false }

func (SHA256Password) HashPassword(password string, challenge []byte) ([]byte, error) {
	if password == "" {
		return []byte{0}, nil
	}
	// Request the server's public key; the real response follows in the
	// AuthMoreData continuation.
	return []byte{1}, nil
}

// ClearPassword is mysql_clear_password: the password in plaintext. It
// refuses non-confidential transports outright.
type ClearPassword struct{}

func (ClearPassword) Name() string                 { return "mysql_clear_password" }
func (ClearPassword) RequiresConfidentiality() bool { return true }

func (ClearPassword) HashPassword(password string, challenge []byte) ([]byte, error) {
	return append([]byte(password), 0), nil
}

// EncryptPassword RSA-wraps a password for the SHA-256 family full-auth path:
// the NUL-terminated password is XORed with the challenge cycled over it,
// then sealed with RSA-OAEP(SHA-1) under the server's public key.
func EncryptPassword(password string, challenge []byte, key *rsa.PublicKey) ([]byte, error) {
	plain := append([]byte(password), 0)
	for i := range plain {
		plain[i] ^= challenge[i%len(challenge)]
	}
	enc, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, key, plain, nil)
	if err != nil {
		return nil, sqlerr.Wrap(sqlerr.KindInvalidAuthorization, err, "sealing password")
	}
	return enc, nil
}

// ParsePublicKey decodes the PEM public key the server returns to a
// public-key retrieval request.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, sqlerr.New(sqlerr.KindInvalidAuthorization, "server sent malformed public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, sqlerr.Wrap(sqlerr.KindInvalidAuthorization, err, "parsing server public key")
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, sqlerr.New(sqlerr.KindInvalidAuthorization, "server public key is not RSA")
	}
	return rsaKey, nil
}
