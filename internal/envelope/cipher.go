package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Scheme selects how the shared secret turns into cipher input.
type Scheme string

const (
	// SchemeCompat keys AES-256-CBC with the raw secret (NUL padded or
	// truncated to 32 bytes) and an all-zero IV. It matches existing
	// deployments and is deterministic: equal batches under one key give
	// equal ciphertext.
	SchemeCompat Scheme = "compat"
	// SchemeHardened derives cipher and MAC keys with HKDF-SHA256, uses a
	// random IV sent in front of the ciphertext and appends an HMAC-SHA256
	// tag over IV and ciphertext.
	SchemeHardened Scheme = "hardened"
)

const keySize = 32

var (
	hkdfInfoCipher = []byte("remoteaccess.envelope.cipher.v1")
	hkdfInfoMAC    = []byte("remoteaccess.envelope.mac.v1")
)

var errCipher = errors.New("cipher")

// ParseScheme accepts "", "compat" or "hardened".
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(s))) {
	case "", SchemeCompat:
		return SchemeCompat, nil
	case SchemeHardened:
		return SchemeHardened, nil
	default:
		return "", fmt.Errorf("unknown cipher scheme %q (use: compat|hardened)", s)
	}
}

func seal(scheme Scheme, rawKey string, plaintext []byte) (string, error) {
	switch scheme {
	case "", SchemeCompat:
		ct, err := cbcEncrypt(compatKey(rawKey), make([]byte, aes.BlockSize), plaintext)
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(ct), nil
	case SchemeHardened:
		encKey, macKey, err := deriveKeys(rawKey)
		if err != nil {
			return "", err
		}
		iv := make([]byte, aes.BlockSize)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return "", err
		}
		ct, err := cbcEncrypt(encKey, iv, plaintext)
		if err != nil {
			return "", err
		}
		out := make([]byte, 0, len(iv)+len(ct)+sha256.Size)
		out = append(out, iv...)
		out = append(out, ct...)
		out = append(out, tag(macKey, out)...)
		return base64.StdEncoding.EncodeToString(out), nil
	default:
		return "", fmt.Errorf("unknown cipher scheme %q", scheme)
	}
}

func open(scheme Scheme, rawKey string, text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", errCipher, err)
	}
	switch scheme {
	case "", SchemeCompat:
		return cbcDecrypt(compatKey(rawKey), make([]byte, aes.BlockSize), data)
	case SchemeHardened:
		if len(data) < aes.BlockSize*2+sha256.Size {
			return nil, fmt.Errorf("%w: ciphertext too short", errCipher)
		}
		encKey, macKey, err := deriveKeys(rawKey)
		if err != nil {
			return nil, err
		}
		body, got := data[:len(data)-sha256.Size], data[len(data)-sha256.Size:]
		if !hmac.Equal(got, tag(macKey, body)) {
			return nil, fmt.Errorf("%w: authentication failed", errCipher)
		}
		return cbcDecrypt(encKey, body[:aes.BlockSize], body[aes.BlockSize:])
	default:
		return nil, fmt.Errorf("unknown cipher scheme %q", scheme)
	}
}

// compatKey mirrors how OpenSSL-backed callers treat a passphrase handed in
// as key material for a 256-bit cipher.
func compatKey(rawKey string) []byte {
	k := make([]byte, keySize)
	copy(k, rawKey)
	return k
}

func deriveKeys(rawKey string) ([]byte, []byte, error) {
	encKey := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(rawKey), nil, hkdfInfoCipher), encKey); err != nil {
		return nil, nil, fmt.Errorf("derive cipher key: %w", err)
	}
	macKey := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(rawKey), nil, hkdfInfoMAC), macKey); err != nil {
		return nil, nil, fmt.Errorf("derive mac key: %w", err)
	}
	return encKey, macKey, nil
}

func tag(macKey, data []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	_, _ = mac.Write(data)
	return mac.Sum(nil)
}

func cbcEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func cbcDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a whole number of blocks", errCipher)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(in []byte, blockSize int) []byte {
	n := blockSize - len(in)%blockSize
	return append(append([]byte(nil), in...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(in []byte, blockSize int) ([]byte, error) {
	if len(in) == 0 || len(in)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad padding", errCipher)
	}
	n := int(in[len(in)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("%w: bad padding", errCipher)
	}
	for _, b := range in[len(in)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", errCipher)
		}
	}
	return in[:len(in)-n], nil
}
