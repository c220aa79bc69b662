package ticket

import (
	"bytes"
	"errors"
	"testing"
)

func mustKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func TestEnvelopeRoundTrip(t *testing.T) {
	key := mustKey(t)
	plaintext := []byte("the quick brown fox")

	envelope, err := encrypt(key, usageAuthenticator, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(envelope, plaintext) {
		t.Fatal("plaintext visible in envelope")
	}

	got, err := decrypt(key, usageAuthenticator, envelope)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("plaintext mismatch: got %q", got)
	}
}

func TestEnvelopeRandomized(t *testing.T) {
	key := mustKey(t)
	plaintext := []byte("same plaintext")

	first, err := encrypt(key, usageAuthenticator, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := encrypt(key, usageAuthenticator, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Fatal("two encryptions of the same plaintext produced identical envelopes")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	envelope, err := encrypt(mustKey(t), usageAuthenticator, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := decrypt(mustKey(t), usageAuthenticator, envelope); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("wrong key: got %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptWrongUsage(t *testing.T) {
	key := mustKey(t)
	envelope, err := encrypt(key, usageTicketGranting, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := decrypt(key, usageServiceTicket, envelope); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("wrong usage: got %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptTampered(t *testing.T) {
	key := mustKey(t)
	envelope, err := encrypt(key, usageAuthenticator, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	for _, offset := range []int{0, len(envelope) / 2, len(envelope) - 1} {
		tampered := append([]byte(nil), envelope...)
		tampered[offset] ^= 0x01
		if _, err := decrypt(key, usageAuthenticator, tampered); !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("flipped byte %d: got %v, want ErrDecryptionFailed", offset, err)
		}
	}
}

func TestDecryptTruncated(t *testing.T) {
	key := mustKey(t)
	for _, n := range []int{0, 1, confounderSize + macSize - 1} {
		if _, err := decrypt(key, usageAuthenticator, make([]byte, n)); !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("%d-byte envelope: got %v, want ErrDecryptionFailed", n, err)
		}
	}
}

func TestHashDeterministic(t *testing.T) {
	a := Hash("password")
	b := Hash("password")
	if !bytes.Equal(a, b) {
		t.Fatal("same password hashed to different values")
	}
	if len(a) != keySize {
		t.Fatalf("hash length = %d, want %d", len(a), keySize)
	}
	if bytes.Equal(a, Hash("Password")) {
		t.Fatal("different passwords hashed to the same value")
	}
}

func TestSealOpenStruct(t *testing.T) {
	key := mustKey(t)
	want := Authenticator{ClientID: "alice", Timestamp: 1234567890}

	envelope, err := seal(want, key, usageAuthenticator)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	var got Authenticator
	if err := open(envelope, key, usageAuthenticator, &got); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got != want {
		t.Fatalf("round trip: got %+v, want %+v", got, want)
	}
}

func TestOpenGarbagePayload(t *testing.T) {
	// A payload that decrypts fine but is not the expected structure
	// must be indistinguishable from a wrong key.
	key := mustKey(t)
	envelope, err := encrypt(key, usageAuthenticator, []byte{0xff, 0x00, 0xff})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	var auth Authenticator
	if err := open(envelope, key, usageAuthenticator, &auth); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("garbage payload: got %v, want ErrDecryptionFailed", err)
	}
}
