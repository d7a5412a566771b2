// Package codec implements the on-disk envelope, key-wrap KDF, and
// compressed-payload decoding shared by every repository file kind.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/adler32"

	"rzbackup/internal/rzerr"
	"rzbackup/internal/zbackup"
)

const ivSize = 16
const trailerSize = 4

// DecodeEnvelope strips and verifies the envelope described in SPEC_FULL.md
// §4.1: an optional per-file IV, AES-128-CBC ciphertext (when key != nil),
// and a little-endian Adler-32 trailer computed over the plaintext.
func DecodeEnvelope(data []byte, key *zbackup.EncryptionKey) ([]byte, error) {
	if key == nil {
		if len(data) < trailerSize {
			return nil, rzerr.CorruptFilef("envelope too short for checksum trailer")
		}
		body := data[:len(data)-trailerSize]
		trailer := data[len(data)-trailerSize:]
		if err := verifyTrailer(body, trailer); err != nil {
			return nil, err
		}
		return body, nil
	}

	if len(data) < ivSize+trailerSize {
		return nil, rzerr.CorruptFilef("envelope too short for iv and checksum trailer")
	}
	iv := data[:ivSize]
	rest := data[ivSize:]
	ciphertext := rest[:len(rest)-trailerSize]
	trailer := rest[len(rest)-trailerSize:]

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, rzerr.CorruptFilef("ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("build aes cipher: %w", err)
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plain, err := pkcs7Unpad(padded)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.CorruptFile, err, "invalid padding")
	}

	if err := verifyTrailer(plain, trailer); err != nil {
		return nil, err
	}
	return plain, nil
}

// EncodeEnvelope builds the on-disk form of plain, as described for
// DecodeEnvelope above. Used by the maintenance commands when rewriting
// index, bundle, and backup files.
func EncodeEnvelope(plain []byte, key *zbackup.EncryptionKey) ([]byte, error) {
	var out bytes.Buffer

	if key == nil {
		out.Write(plain)
		writeTrailer(&out, plain)
		return out.Bytes(), nil
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("build aes cipher: %w", err)
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out.Write(iv)
	out.Write(ciphertext)
	writeTrailer(&out, plain)
	return out.Bytes(), nil
}

func verifyTrailer(plain, trailer []byte) error {
	want := binary.LittleEndian.Uint32(trailer)
	got := adler32.Checksum(plain)
	if want != got {
		return rzerr.CorruptFilef("adler32 mismatch: expected %08x, got %08x", want, got)
	}
	return nil
}

func writeTrailer(out *bytes.Buffer, plain []byte) {
	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint32(trailer[:], adler32.Checksum(plain))
	out.Write(trailer[:])
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty padded buffer")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, fmt.Errorf("invalid padding length %d", padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}
