// Package crypto wraps gocloud.dev/secrets for encrypting short-lived
// secrets such as verification codes before they land in event payloads.
// The keeper URL decides the backend; drivers are opt-in blank imports in
// the application:
//
//	_ "gocloud.dev/secrets/localsecrets" // base64key:// for dev and tests
//	_ "gocloud.dev/secrets/awskms"
//	_ "gocloud.dev/secrets/gcpkms"
//	_ "gocloud.dev/secrets/hashivault"
package crypto

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"gocloud.dev/secrets"

	"github.com/plaenen/iamcore/pkg/domain"
)

// Encrypter encrypts and decrypts values through a secrets keeper.
type Encrypter struct {
	keeper *secrets.Keeper
}

// NewEncrypter opens the keeper at the given URL.
func NewEncrypter(ctx context.Context, url string) (*Encrypter, error) {
	keeper, err := secrets.OpenKeeper(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open secrets keeper: %w", err)
	}
	return &Encrypter{keeper: keeper}, nil
}

// NewEncrypterFromKeeper wraps an already opened keeper. The caller keeps
// ownership of the keeper's lifecycle.
func NewEncrypterFromKeeper(keeper *secrets.Keeper) *Encrypter {
	return &Encrypter{keeper: keeper}
}

// EncryptString encrypts the plaintext and encodes it for embedding in a
// JSON payload.
func (e *Encrypter) EncryptString(ctx context.Context, plain string) (string, error) {
	ciphertext, err := e.keeper.Encrypt(ctx, []byte(plain))
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptString reverses EncryptString.
func (e *Encrypter) DecryptString(ctx context.Context, encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext", domain.ErrValidation)
	}
	plain, err := e.keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// VerifyCode decrypts the stored code and compares it with the supplied
// one in constant time. A mismatch is a precondition failure, not a
// validation error, so callers cannot distinguish wrong from expired.
func (e *Encrypter) VerifyCode(ctx context.Context, encrypted, supplied string) error {
	stored, err := e.DecryptString(ctx, encrypted)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) != 1 {
		return fmt.Errorf("%w: wrong verification code", domain.ErrPreconditionFailed)
	}
	return nil
}

// Close releases the underlying keeper.
func (e *Encrypter) Close() error {
	return e.keeper.Close()
}

const codeDigits = "0123456789"

// GenerateCode returns a numeric one-time code of the given length.
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		length = 6
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeDigits[int(b)%len(codeDigits)]
	}
	return string(buf), nil
}
