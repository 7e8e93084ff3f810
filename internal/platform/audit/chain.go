package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const genesisHash = "GENESIS"

func ComputeHash(prev string, e Event) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + e.AuditID))
	_, _ = h.Write([]byte("|" + e.RecordedAt.UTC().Format("2006-01-02T15:04:05.999999999Z")))
	_, _ = h.Write([]byte("|" + e.ActorID + "|" + e.ActorRole + "|" + e.Action + "|" + string(e.Result)))
	_, _ = h.Write([]byte("|" + e.ObjectType + "|" + e.ObjectID + "|" + e.Reason))
	_, _ = h.Write([]byte(fmt.Sprintf("|%x|%x", e.Before, e.After)))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify walks a chain in append order and returns the index of the first
// broken link, or -1 if the chain is intact.
func Verify(events []Event) int {
	prev := genesisHash
	for i, e := range events {
		if e.HashPrev != prev || ComputeHash(prev, e) != e.HashCurr {
			return i
		}
		prev = e.HashCurr
	}
	return -1
}
