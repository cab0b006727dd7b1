// Package identity derives the stable fingerprints the rest of the pipeline
// keys on: the per-user identity hash and the per-request hash. Both are
// salted SHA-256 hex digests so they can be persisted and compared across
// processes without exposing the inputs.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

type Hasher struct {
	salt string
}

func NewHasher(salt string) *Hasher {
	return &Hasher{salt: salt}
}

// RequestHashMeta carries the request hash together with the human-readable
// key it was derived from. The key is stored alongside results for debugging.
type RequestHashMeta struct {
	RequestHash string
	RequestKey  string
	Targets     []string
}

// IdentityHash resolves the fingerprint for a linked user. A previously
// stored hash wins so re-links with the same institution keep their history.
func (h *Hasher) IdentityHash(appUserID, loginOrgCd, stored string) string {
	if s := strings.TrimSpace(stored); s != "" {
		return s
	}
	org := strings.ToLower(strings.TrimSpace(loginOrgCd))
	return h.digest("app-user|" + strings.TrimSpace(appUserID) + "|" + org)
}

// RequestHash builds the request fingerprint from the identity hash and the
// normalized request parameters. Target order never changes the hash.
func (h *Hasher) RequestHash(identityHash string, targets []string, yearLimit int, fromDate, toDate, subjectType string) RequestHashMeta {
	norm := NormalizeTargets(targets)
	key := fmt.Sprintf("targets=%s|yearLimit=%d|from=%s|to=%s|subjectType=%s",
		strings.Join(norm, ","), yearLimit,
		strings.TrimSpace(fromDate), strings.TrimSpace(toDate),
		strings.ToUpper(strings.TrimSpace(subjectType)))
	return RequestHashMeta{
		RequestHash: h.digest(identityHash + "|" + key),
		RequestKey:  key,
		Targets:     norm,
	}
}

// NormalizeTargets trims, deduplicates and sorts the target list.
func NormalizeTargets(targets []string) []string {
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (h *Hasher) digest(s string) string {
	sum := sha256.Sum256([]byte(h.salt + "|" + s))
	return hex.EncodeToString(sum[:])
}
