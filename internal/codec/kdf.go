package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"

	"golang.org/x/crypto/pbkdf2"

	"rzbackup/internal/format"
	"rzbackup/internal/rzerr"
	"rzbackup/internal/zbackup"
)

// PBKDF2Iterations is the fixed iteration count for the key-unwrap KDF
// (SPEC_FULL.md §4.2). Changing it would break every existing wrapped key
// on disk, so it is not configurable.
const PBKDF2Iterations = 200_000

const (
	kdfSaltSize = 16
	kdfKeySize  = 32 // 16 bytes AES key + 16 bytes HMAC key
)

func deriveKeys(password, salt []byte) (aesKey, hmacKey []byte) {
	derived := pbkdf2.Key(password, salt, PBKDF2Iterations, kdfKeySize, sha256.New)
	return derived[:16], derived[16:]
}

// WrapKey produces the on-disk WrappedKey record for key, encrypted under a
// key derived from password.
func WrapKey(key zbackup.EncryptionKey, password []byte) (*format.WrappedKey, error) {
	salt := make([]byte, kdfSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	aesKey, hmacKey := deriveKeys(password, salt)
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, key[:])

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(iv)
	mac.Write(ciphertext)

	return &format.WrappedKey{
		Salt:       salt,
		IV:         iv,
		Ciphertext: ciphertext,
		HMAC:       mac.Sum(nil),
	}, nil
}

// UnwrapKey recovers the repository's data encryption key from wk using
// password, verifying its HMAC before decrypting. A bad password (or
// corrupted record) is reported as AuthError, matching the original
// "Incorrect password" contract in SPEC_FULL.md §4.2.
func UnwrapKey(wk *format.WrappedKey, password []byte) (zbackup.EncryptionKey, error) {
	var key zbackup.EncryptionKey

	if len(wk.IV) != ivSize || len(wk.Ciphertext) != aes.BlockSize {
		return key, rzerr.Authf("Incorrect password")
	}

	aesKey, hmacKey := deriveKeys(password, wk.Salt)

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(wk.IV)
	mac.Write(wk.Ciphertext)
	expected := mac.Sum(nil)

	if subtle.ConstantTimeCompare(expected, wk.HMAC) != 1 {
		return key, rzerr.Authf("Incorrect password")
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return key, err
	}
	plain := make([]byte, aes.BlockSize)
	cipher.NewCBCDecrypter(block, wk.IV).CryptBlocks(plain, wk.Ciphertext)
	copy(key[:], plain)
	return key, nil
}
