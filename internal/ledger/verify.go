package ledger

import (
	"encoding/hex"
	"fmt"

	"autobuild/internal/security"
	"autobuild/pkg/utils"
)

// VerifyChain recomputes each hash, link, index and signature.
//
// Unsigned entries are only accepted before the first signed one. Without a
// trusted key every signature must come from the key of the first signed
// entry. With a trusted key every signature must come from it and the
// newest entry must be signed; since each hash covers the previous one,
// that signature vouches for the whole chain.
func (l *Ledger) VerifyChain() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var expectKey string
	if l.trusted != nil {
		expectKey = hex.EncodeToString(l.trusted)
	}
	signed := false
	for i, e := range l.entries {
		h, err := e.ComputeHash()
		if err != nil {
			return fmt.Errorf("compute hash for index %d: %w", e.Index, err)
		}
		if h != e.Hash {
			return fmt.Errorf("%w: hash mismatch at index %d", ErrTampered, e.Index)
		}
		if i > 0 && e.PrevHash != l.entries[i-1].Hash {
			return fmt.Errorf("%w: prev hash mismatch at index %d", ErrTampered, e.Index)
		}
		if i == 0 && e.PrevHash != "" {
			return fmt.Errorf("%w: first entry links to %s", ErrTampered, e.PrevHash)
		}
		if e.Index != i {
			return fmt.Errorf("%w: index mismatch: expected %d got %d", ErrTampered, i, e.Index)
		}
		if e.Signature == "" {
			if signed {
				return fmt.Errorf("%w: unsigned entry at index %d follows signed entries", ErrTampered, e.Index)
			}
			continue
		}
		if expectKey == "" {
			expectKey = e.PubKey
		}
		if e.PubKey != expectKey {
			return fmt.Errorf("%w: entry %d signed by untrusted key %s", ErrTampered, e.Index, e.PubKey)
		}
		ok, err := security.VerifySignatureFromHex(e.PubKey, []byte(e.Hash), e.Signature)
		if err != nil {
			return fmt.Errorf("%w: bad signature encoding at index %d: %v", ErrTampered, e.Index, err)
		}
		if !ok {
			return fmt.Errorf("%w: invalid signature at index %d", ErrTampered, e.Index)
		}
		signed = true
	}
	if l.trusted != nil && len(l.entries) > 0 && !signed {
		return fmt.Errorf("%w: no entry is signed by the trusted key", ErrTampered)
	}
	return nil
}

// VerifyLogs re-hashes every saved log file and compares it to its entry.
func (l *Ledger) VerifyLogs() error {
	for _, e := range l.Entries() {
		if e.LogPath == "" {
			continue
		}
		h, err := utils.HashFile(e.LogPath)
		if err != nil {
			return fmt.Errorf("hash log for index %d: %w", e.Index, err)
		}
		if h != e.LogHash {
			return fmt.Errorf("%w: log %s changed since index %d", ErrTampered, e.LogPath, e.Index)
		}
	}
	return nil
}
