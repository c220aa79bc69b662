package ticket

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/jcmturner/aescts/v2"
	"golang.org/x/crypto/pbkdf2"
)

// Key and envelope geometry. All keys are AES-256.
const (
	keySize        = 32
	blockSize      = 16
	confounderSize = 16
	macSize        = 16 // HMAC-SHA256 truncated to 128 bits
)

// Credential hash derivation parameters. The derivation is
// deterministic: both sides must produce the same bytes from the same
// password with no per-user salt exchange phase in the protocol.
const (
	hashSalt       = "authd/credential/v1"
	hashIterations = 4096
)

// Key usage numbers. Each envelope context gets its own usage so a
// ciphertext produced for one context cannot be spliced into another:
// the derived encryption and integrity keys differ per usage.
const (
	usageTicketGranting   = 1 // ticket encrypted under the ticket-granting key
	usageServiceTicket    = 2 // ticket encrypted under the service key
	usageSessionKey       = 3 // session key encrypted to the requester
	usageAuthenticator    = 4 // authenticator encrypted under a session key
	usageCredentialChange = 5 // credential payloads in change/register requests
)

// Hash derives the credential hash for a password: a one-way,
// deterministic derivation used both to create credential records and
// as the long-term key for the KDC phase.
func Hash(password string) []byte {
	return pbkdf2.Key([]byte(password), []byte(hashSalt), hashIterations, keySize, sha256.New)
}

// GenerateKey returns a fresh random symmetric key, used for the two
// server long-term keys at startup and for per-phase session keys.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: generate key: %v", ErrInternal, err)
	}
	return key, nil
}

// deriveKeys derives the encryption key Ke and integrity key Ki from a
// base key and a usage number. Ke uses usage || 0xAA, Ki uses
// usage || 0x55.
func deriveKeys(baseKey []byte, usage int) (ke, ki []byte) {
	constant := make([]byte, 5)
	binary.BigEndian.PutUint32(constant, uint32(usage))

	constant[4] = 0xAA
	mac := hmac.New(sha256.New, baseKey)
	mac.Write(constant)
	ke = mac.Sum(nil)

	constant[4] = 0x55
	mac = hmac.New(sha256.New, baseKey)
	mac.Write(constant)
	ki = mac.Sum(nil)
	return ke, ki
}

// encrypt wraps plaintext in an authenticated envelope under key:
// AES-CTS over confounder || plaintext, with a truncated HMAC-SHA256
// trailer computed over the plaintext. The confounder randomizes equal
// plaintexts; the MAC makes a wrong-key decrypt indistinguishable from
// a corrupted envelope.
func encrypt(key []byte, usage int, plaintext []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: bad key length %d", ErrInternal, len(key))
	}
	ke, ki := deriveKeys(key, usage)

	confounder := make([]byte, confounderSize)
	if _, err := rand.Read(confounder); err != nil {
		return nil, fmt.Errorf("%w: confounder: %v", ErrInternal, err)
	}
	plainBytes := append(confounder, plaintext...)

	iv := make([]byte, blockSize)
	_, ciphertext, err := aescts.Encrypt(ke, iv, plainBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	mac := hmac.New(sha256.New, ki)
	mac.Write(plainBytes)
	return append(ciphertext, mac.Sum(nil)[:macSize]...), nil
}

// decrypt opens an envelope produced by encrypt. Every failure mode
// (short ciphertext, MAC mismatch, cipher error) surfaces as
// ErrDecryptionFailed with no further distinction.
func decrypt(key []byte, usage int, envelope []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: bad key length", ErrDecryptionFailed)
	}
	if len(envelope) < confounderSize+macSize {
		return nil, fmt.Errorf("%w: envelope too short", ErrDecryptionFailed)
	}
	ke, ki := deriveKeys(key, usage)

	ciphertext := envelope[:len(envelope)-macSize]
	expectedMAC := envelope[len(envelope)-macSize:]

	iv := make([]byte, blockSize)
	plainBytes, err := aescts.Decrypt(ke, iv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	mac := hmac.New(sha256.New, ki)
	mac.Write(plainBytes)
	if !hmac.Equal(expectedMAC, mac.Sum(nil)[:macSize]) {
		return nil, fmt.Errorf("%w: integrity check failed", ErrDecryptionFailed)
	}

	if len(plainBytes) < confounderSize {
		return nil, fmt.Errorf("%w: plaintext too short", ErrDecryptionFailed)
	}
	return plainBytes[confounderSize:], nil
}

// seal CBOR-encodes v and encrypts the encoding.
func seal(v any, key []byte, usage int) ([]byte, error) {
	plaintext, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrInternal, err)
	}
	return encrypt(key, usage, plaintext)
}

// open decrypts an envelope and CBOR-decodes the plaintext into v. A
// decode failure after a successful decrypt is still reported as
// ErrDecryptionFailed: a structurally-valid-but-garbage decrypt must
// be indistinguishable from a wrong-key failure.
func open(envelope, key []byte, usage int, v any) error {
	plaintext, err := decrypt(key, usage, envelope)
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("%w: malformed payload", ErrDecryptionFailed)
	}
	return nil
}
