package cryptobox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/engramhq/engram/engram"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	dir := t.TempDir()
	box, err := Open(dir, "client-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	keyID, ciphertext, err := box.Encrypt([]byte("secret-42"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	plaintext, err := box.Decrypt(keyID, ciphertext, false)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "secret-42" {
		t.Errorf("plaintext = %q, want secret-42", plaintext)
	}
}

func TestRotatePrimaryKeepsOldKeyDecryptable(t *testing.T) {
	dir := t.TempDir()
	box, _ := Open(dir, "client-a")

	oldKeyID, ciphertext, err := box.Encrypt([]byte("before rotation"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	newKeyID, err := box.RotatePrimary()
	if err != nil {
		t.Fatalf("RotatePrimary: %v", err)
	}
	if newKeyID == oldKeyID {
		t.Fatalf("expected a new primary id")
	}

	plaintext, err := box.Decrypt(oldKeyID, ciphertext, false)
	if err != nil {
		t.Fatalf("Decrypt with retired primary: %v", err)
	}
	if string(plaintext) != "before rotation" {
		t.Errorf("plaintext = %q", plaintext)
	}

	_, newCiphertext, err := box.Encrypt([]byte("after rotation"))
	if err != nil {
		t.Fatalf("Encrypt after rotate: %v", err)
	}
	if _, err := box.Decrypt(newKeyID, newCiphertext, false); err != nil {
		t.Fatalf("Decrypt with new primary: %v", err)
	}
}

func TestEmergencyKeyRequiresFlag(t *testing.T) {
	dir := t.TempDir()
	box, _ := Open(dir, "client-a")

	emergencyID, err := box.GenerateEmergency()
	if err != nil {
		t.Fatalf("GenerateEmergency: %v", err)
	}

	_, ciphertext, err := box.Encrypt([]byte("data"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Emergency keys are never used to encrypt; simulate a record that
	// happens to be under the emergency key by re-deriving manually is not
	// possible from outside the package, so instead verify the permission
	// gate directly against a key that is of emergency kind.
	if _, err := box.Decrypt(emergencyID, ciphertext, false); engram.KindOf(err) != engram.KindPermissionDenied {
		t.Fatalf("expected PermissionDenied without allowEmergency, got %v", err)
	}
}

func TestDeleteCurrentPrimaryRejected(t *testing.T) {
	dir := t.TempDir()
	box, _ := Open(dir, "client-a")

	primaryID, _ := box.GeneratePrimary()
	if err := box.DeleteKey(primaryID); engram.KindOf(err) != engram.KindInvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestOpenPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	box, _ := Open(dir, "client-a")
	keyID, ciphertext, _ := box.Encrypt([]byte("persisted"))

	reopened, err := Open(dir, "client-a")
	if err != nil {
		t.Fatalf("Open (reload): %v", err)
	}
	plaintext, err := reopened.Decrypt(keyID, ciphertext, false)
	if err != nil {
		t.Fatalf("Decrypt after reload: %v", err)
	}
	if string(plaintext) != "persisted" {
		t.Errorf("plaintext = %q", plaintext)
	}

	if _, err := os.Stat(filepath.Join(dir, "client-a.keys")); err != nil {
		t.Fatalf("expected keystore file to exist: %v", err)
	}
}
