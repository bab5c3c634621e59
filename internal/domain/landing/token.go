package landing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

type tokenEntry struct {
	ID        int     `json:"id"`
	Revisions []int64 `json:"revisions"`
}

// ConfirmationToken is a content-addressed digest over the warning set:
// the ordered list of warning ids and, for each, the ordered list of
// instance revision ids. Warnings and instances are serialized as
// ordered sequences, never maps, so the digest is byte-stable. Any
// change in which warnings fire, their order, or their instances yields
// a different token.
func ConfirmationToken(warnings []Warning) string {
	entries := make([]tokenEntry, 0, len(warnings))
	for _, warning := range warnings {
		revisions := make([]int64, 0, len(warning.Instances))
		for _, instance := range warning.Instances {
			revisions = append(revisions, instance.RevisionID)
		}
		entries = append(entries, tokenEntry{ID: warning.ID, Revisions: revisions})
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		// Marshalling slices of ints cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
