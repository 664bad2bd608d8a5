// Package crypto implements the entity.Capabilities contract consumed by
// ingest/decode: per-client symmetric decryption, request signing, and
// zstd decompression. Generic RSA/AES session crypto has no first-class
// library in the retrieval pack, so it is built on the standard library;
// see DESIGN.md.
package crypto

import (
	"bytes"
	"context"
	stdcrypto "crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// KeyStore resolves a client's symmetric key by clientID. It is consumed
// as a capability rather than owned here; the Registry's ClickHouse-backed
// store implements it alongside its Client lookups.
type KeyStore interface {
	SymmetricKey(ctx context.Context, clientID string) ([]byte, error)
}

// Capabilities implements entity.Capabilities using AES-256-GCM for
// per-client symmetric decryption, RSA-PSS for the server's own signing
// key, and zstd for decompression.
type Capabilities struct {
	keys       KeyStore
	signingKey *rsa.PrivateKey

	decoderMu sync.Mutex
	decoder   *zstd.Decoder
}

// New builds Capabilities. signingKeyPEM is a PKCS#1 or PKCS#8 RSA private
// key in PEM form, used only by Sign (Verify checks an HMAC with the
// client's symmetric key instead); it may be nil when the deployment only
// ever verifies, never signs.
func New(keys KeyStore, signingKeyPEM []byte) (*Capabilities, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("cannot create zstd decoder: %w", err)
	}

	c := &Capabilities{keys: keys, decoder: dec}

	if len(signingKeyPEM) > 0 {
		key, err := parseRSAPrivateKey(signingKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("cannot parse signing key: %w", err)
		}
		c.signingKey = key
	}

	return c, nil
}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("PEM block does not hold an RSA private key")
	}
	return rsaKey, nil
}

// Decrypt decrypts ciphertext with the AES-256-GCM key bound to clientID.
// The wire format is nonce || ciphertext, matching the session layer's
// framing (out of scope here beyond this contract).
func (c *Capabilities) Decrypt(ctx context.Context, clientID string, ciphertext []byte) ([]byte, error) {
	key, err := c.keys.SymmetricKey(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve symmetric key for client %q: %w", clientID, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cannot create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cannot create GCM: %w", err)
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce size")
	}

	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot decrypt: %w", err)
	}

	return plaintext, nil
}

// Decompress reverses zstd compression applied by the client when the
// server's COMPRESSION flag is enabled.
func (c *Capabilities) Decompress(data []byte) ([]byte, error) {
	c.decoderMu.Lock()
	defer c.decoderMu.Unlock()

	if err := c.decoder.Reset(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("cannot reset zstd decoder: %w", err)
	}

	out, err := io.ReadAll(c.decoder)
	if err != nil {
		return nil, fmt.Errorf("cannot decompress: %w", err)
	}

	return out, nil
}

// Sign produces an RSA-PSS signature of data's SHA-256 digest using the
// server's own signing key.
func (c *Capabilities) Sign(data []byte) ([]byte, error) {
	if c.signingKey == nil {
		return nil, errors.New("no signing key configured")
	}

	digest := sha256.Sum256(data)
	return rsa.SignPSS(rand.Reader, c.signingKey, stdcrypto.SHA256, digest[:], nil)
}

// Verify checks an HMAC-SHA256 signature bound to clientID's symmetric key.
// Client-submitted requests are integrity-checked with an HMAC rather than
// RSA because clients only hold the shared symmetric key, not the server's
// RSA keypair.
func (c *Capabilities) Verify(data, signature []byte, clientID string) (bool, error) {
	key, err := c.keys.SymmetricKey(context.Background(), clientID)
	if err != nil {
		return false, fmt.Errorf("cannot resolve symmetric key for client %q: %w", clientID, err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	expected := mac.Sum(nil)

	return hmac.Equal(expected, signature), nil
}
