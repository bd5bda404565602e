package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content digests. The version suffix allows migrating
// the encoding without colliding with old digests.
const (
	DomainDecision = "settler/decision/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DecisionDigest fingerprints the governance decisions of a cycle so an
// auditor can verify that the stored decisions were not altered after the
// fact. Order of actions matters.
func DecisionDigest(groupID string, cycleNumber int64, actions []GovernanceAction) (string, error) {
	list := make([]any, len(actions))
	for i, a := range actions {
		list[i] = map[string]any{
			"user_id":          a.UserID,
			"remove_user":      a.RemoveUser,
			"deduct_wallet":    a.DeductWallet,
			"amount_to_deduct": a.AmountToDeduct,
			"reason":           a.Reason,
		}
	}

	canonical, err := MarshalCanonical(map[string]any{
		"group_id":     groupID,
		"cycle_number": cycleNumber,
		"actions":      list,
	})
	if err != nil {
		return "", fmt.Errorf("decision digest: %w", err)
	}
	return hashWithDomain(DomainDecision, canonical), nil
}
