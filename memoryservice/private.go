package memoryservice

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/engramhq/engram/engram"
	"github.com/engramhq/engram/store"
)

// PrivateSummary is the metadata-only view returned by ListPrivate; content
// is never exposed without an explicit GetPrivate decrypt.
type PrivateSummary struct {
	ID       string
	Metadata engram.Metadata
}

// AddPrivate encrypts content under the client's current primary key and
// stores only the ciphertext (base64-encoded) as the record's content
// field, so plaintext is never written to disk.
func (s *Service) AddPrivate(ctx context.Context, content string) (string, error) {
	if content == "" {
		return "", engram.NewError(engram.KindInvalidArgument, "content must not be empty")
	}

	keyID, ciphertext, err := s.box.Encrypt([]byte(content))
	if err != nil {
		return "", err
	}

	metadata := engram.Metadata{
		"category":   engram.StringValue(string(engram.CategoryPrivate)),
		"importance": engram.NumberValue(float64(engram.CategoryPrivate.DefaultImportance())),
		"key_id":     engram.StringValue(keyID),
	}

	id := engram.NewStructuredID(engram.CategoryPrivate, time.Now().UTC())
	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	return s.addWithID(ctx, structuredNamespace, id, encoded, metadata)
}

// ListPrivate returns metadata for every private memory, never decrypting
// content.
func (s *Service) ListPrivate() ([]PrivateSummary, error) {
	records, err := s.st.List(structuredNamespace)
	if err != nil {
		return nil, err
	}
	var out []PrivateSummary
	for _, rec := range records {
		if categoryFromMetadata(rec.Metadata) != engram.CategoryPrivate {
			continue
		}
		out = append(out, PrivateSummary{ID: rec.ID, Metadata: rec.Metadata})
	}
	return out, nil
}

// GetPrivate decrypts and returns a private memory's plaintext content.
func (s *Service) GetPrivate(id string) (string, error) {
	rec, err := s.st.Get(structuredNamespace, id)
	if err != nil {
		return "", err
	}
	if categoryFromMetadata(rec.Metadata) != engram.CategoryPrivate {
		return "", engram.NewError(engram.KindPermissionDenied, "not a private memory")
	}
	return s.decryptPrivate(rec)
}

func (s *Service) decryptPrivate(rec store.Record) (string, error) {
	keyIDValue, ok := rec.Metadata["key_id"]
	if !ok {
		return "", engram.NewError(engram.KindInternal, "private memory missing key_id")
	}
	keyID, _ := keyIDValue.AsString()

	ciphertext, err := base64.StdEncoding.DecodeString(rec.Content)
	if err != nil {
		return "", engram.Wrap(engram.KindInternal, "corrupt private memory ciphertext", err)
	}
	plaintext, err := s.box.Decrypt(keyID, ciphertext, false)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
