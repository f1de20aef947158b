package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainEntity separates entity digests from any other hash in the system.
const DomainEntity = "syncq/entity/v1"

func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest returns a content hash of the entity's identity and fields.
// Synced, Revision and UpdatedAt are excluded: two records with the same
// type, id and fields have the same digest.
func Digest(e Entity) (string, error) {
	fields := e.Fields
	if fields == nil {
		fields = Fields{}
	}
	canonical, err := MarshalCanonical(map[string]any{
		"type":   e.Type,
		"id":     e.ID,
		"fields": fields,
	})
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", e.Key(), err)
	}
	return hashWithDomain(DomainEntity, canonical), nil
}
