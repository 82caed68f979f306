package ledger

import (
	"bufio"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"autobuild/internal/security"
)

// Ledger is an append-only JSON-lines file of hash-chained entries.
type Ledger struct {
	mu      sync.Mutex
	entries []*Entry
	path    string
	signer  *security.KeyPair
	trusted ed25519.PublicKey
}

// Open loads the ledger at path, creating an empty file if missing.
// When signer is non-nil every appended entry is signed with it and its
// public key becomes the trusted verification key.
func Open(path string, signer *security.KeyPair) (*Ledger, error) {
	l := &Ledger{path: path, signer: signer}
	if signer != nil {
		l.trusted = signer.Public
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode ledger entry %d: %w", len(l.entries), err)
		}
		l.entries = append(l.entries, &e)
	}
	return l, nil
}

// Append chains e onto the ledger: it assigns the index, previous hash and
// timestamp, computes the hash, signs, and persists the entry.
func (l *Ledger) Append(e *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Index = len(l.entries)
	e.PrevHash = ""
	if n := len(l.entries); n > 0 {
		e.PrevHash = l.entries[n-1].Hash
	}
	if e.Timestamp == "" {
		e.Timestamp = formatTime(time.Now())
	}

	h, err := e.ComputeHash()
	if err != nil {
		return fmt.Errorf("compute entry hash: %w", err)
	}
	e.Hash = h
	if l.signer != nil {
		e.Signature = l.signer.Sign([]byte(e.Hash))
		e.PubKey = l.signer.PublicHex()
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(e); err != nil {
		return fmt.Errorf("write ledger file: %w", err)
	}

	l.entries = append(l.entries, e)
	return nil
}

// TrustKey sets the only public key VerifyChain accepts signatures from.
func (l *Ledger) TrustKey(pub ed25519.PublicKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trusted = pub
}

// Entries returns copies of all entries in chain order.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = *e
	}
	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// LastHash returns the hash of the newest entry, or "" when empty.
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return ""
	}
	return l.entries[len(l.entries)-1].Hash
}

// Path returns the backing file.
func (l *Ledger) Path() string {
	return l.path
}

// ErrTampered is wrapped by every verification failure.
var ErrTampered = errors.New("ledger tampered")
