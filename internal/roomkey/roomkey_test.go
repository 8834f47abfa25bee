package roomkey

import (
	"bytes"
	"errors"
	"testing"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	first, salt, err := DeriveKey("correct horse battery staple", nil)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if len(salt) != SaltSize {
		t.Fatalf("generated salt is %d bytes, want %d", len(salt), SaltSize)
	}

	second, sameSalt, err := DeriveKey("correct horse battery staple", salt)
	if err != nil {
		t.Fatalf("DeriveKey with salt: %v", err)
	}
	if !bytes.Equal(salt, sameSalt) {
		t.Error("provided salt was not returned unchanged")
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("same password and salt produced different keys")
	}
}

func TestDeriveKeySaltDivergence(t *testing.T) {
	first, firstSalt, err := DeriveKey("hunter2", nil)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	second, secondSalt, err := DeriveKey("hunter2", nil)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if bytes.Equal(firstSalt, secondSalt) {
		t.Fatal("two generated salts are identical")
	}
	if bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("different salts produced the same key")
	}
}

func TestDeriveKeyRejectsEmptyPassword(t *testing.T) {
	if _, _, err := DeriveKey("", nil); err == nil {
		t.Fatal("DeriveKey accepted an empty password")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := NewRandomKey()
	if err != nil {
		t.Fatalf("NewRandomKey: %v", err)
	}
	plaintext := []byte("the relay must never see this")

	sealed, err := key.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed blob contains the plaintext")
	}

	opened, err := key.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open = %q, want %q", opened, plaintext)
	}
}

func TestOpenWrongKeyIsRetryable(t *testing.T) {
	right, _ := NewRandomKey()
	wrong, _ := NewRandomKey()
	sealed, err := right.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	before := append([]byte(nil), sealed...)

	if _, err := wrong.Open(sealed); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Open with wrong key = %v, want ErrDecrypt", err)
	}
	if !bytes.Equal(sealed, before) {
		t.Fatal("failed Open modified the sealed blob")
	}

	// The corrected key still opens the untouched blob.
	if _, err := right.Open(sealed); err != nil {
		t.Fatalf("retry with right key: %v", err)
	}
}

func TestOpenRejectsTamperedBlob(t *testing.T) {
	key, _ := NewRandomKey()
	sealed, err := key.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := key.Open(tampered); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open tampered = %v, want ErrDecrypt", err)
	}

	badVersion := append([]byte(nil), sealed...)
	badVersion[0] = 0x7f
	if _, err := key.Open(badVersion); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open bad version = %v, want ErrDecrypt", err)
	}

	if _, err := key.Open(sealed[:sealedOverhead-1]); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open truncated = %v, want ErrDecrypt", err)
	}
}

func TestZeroedKeyRefusesUse(t *testing.T) {
	key, _ := NewRandomKey()
	sealed, err := key.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	key.Zero()
	key.Zero() // idempotent

	if _, err := key.Seal([]byte("more")); !errors.Is(err, ErrKeyDestroyed) {
		t.Errorf("Seal after Zero = %v, want ErrKeyDestroyed", err)
	}
	if _, err := key.Open(sealed); !errors.Is(err, ErrKeyDestroyed) {
		t.Errorf("Open after Zero = %v, want ErrKeyDestroyed", err)
	}
}

func TestFromBytes(t *testing.T) {
	key, _ := NewRandomKey()
	copied, err := FromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}

	sealed, err := key.Seal([]byte("shared via locator fragment"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := copied.Open(sealed); err != nil {
		t.Errorf("copy failed to open original's blob: %v", err)
	}

	if _, err := FromBytes([]byte("short")); err == nil {
		t.Error("FromBytes accepted a short key")
	}
}

func TestSaltEncoding(t *testing.T) {
	_, salt, err := DeriveKey("pw", nil)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	decoded, err := DecodeSalt(EncodeSalt(salt))
	if err != nil {
		t.Fatalf("DecodeSalt: %v", err)
	}
	if !bytes.Equal(decoded, salt) {
		t.Error("salt round trip mismatch")
	}
	if _, err := DecodeSalt("not base64 !!!"); err == nil {
		t.Error("DecodeSalt accepted malformed input")
	}
}
