package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"autobuild/internal/core"
	"autobuild/internal/security"
	"autobuild/internal/storage"
)

func finishedStatus(project, result, log string) *core.BuildStatus {
	s := core.NewBuildStatus(project)
	s.Append(log)
	s.SetResult(core.Result(result))
	s.Lock()
	return s
}

func TestLedgerAppendAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	kp, err := security.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	l, err := Open(path, kp)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for _, project := range []string{"alpha", "beta", "alpha"} {
		if err := l.Append(&Entry{Project: project, BuildID: "id-" + project, Result: "Success"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.VerifyChain(); err != nil {
		t.Fatalf("fresh chain failed verification: %v", err)
	}

	entries := l.Entries()
	if entries[2].Index != 2 || entries[2].PrevHash != entries[1].Hash || entries[0].PrevHash != "" {
		t.Errorf("entries not chained: %+v", entries)
	}
	if entries[0].PubKey != kp.PublicHex() || entries[0].Signature == "" {
		t.Error("entries not signed")
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Len() != 3 || reopened.LastHash() != l.LastHash() {
		t.Errorf("reopened ledger has %d entries", reopened.Len())
	}
	if err := reopened.VerifyChain(); err != nil {
		t.Errorf("reopened chain: %v", err)
	}
}

func TestLedgerDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	kp, _ := security.GenerateKeyPair()
	l, err := Open(path, kp)
	if err != nil {
		t.Fatal(err)
	}
	l.Append(&Entry{Project: "alpha", BuildID: "b1", Result: "Failed"})
	l.Append(&Entry{Project: "alpha", BuildID: "b2", Result: "Success"})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), `"result":"Failed"`, `"result":"Success"`, 1)
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := reopened.VerifyChain(); !errors.Is(err, ErrTampered) {
		t.Errorf("expected tampering detection, got %v", err)
	}
}

// rewriteEntries applies edit to the entries stored at path, the way
// someone with write access to the file could.
func rewriteEntries(t *testing.T, path string, edit func(entries []*Entry)) {
	t.Helper()
	l, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	entries := l.entries
	edit(entries)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func signedLedger(t *testing.T) (string, *security.KeyPair) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	kp, err := security.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	l, err := Open(path, kp)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range []*Entry{
		{Project: "alpha", BuildID: "b1", Result: "Success"},
		{Project: "alpha", BuildID: "b2", Result: "Success"},
		{Project: "alpha", BuildID: "b3", Result: "Failed"},
	} {
		if err := l.Append(e); err != nil {
			t.Fatal(err)
		}
	}
	return path, kp
}

func verify(t *testing.T, path string, trusted *security.KeyPair) error {
	t.Helper()
	l, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if trusted != nil {
		l.TrustKey(trusted.Public)
	}
	return l.VerifyChain()
}

func TestLedgerRejectsForgedSignatures(t *testing.T) {
	intruder, err := security.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	resign := func(e *Entry) {
		h, err := e.ComputeHash()
		if err != nil {
			t.Fatal(err)
		}
		e.Hash = h
		e.Signature = intruder.Sign([]byte(h))
		e.PubKey = intruder.PublicHex()
	}

	tests := []struct {
		name    string
		edit    func(entries []*Entry)
		trusted bool
	}{
		{
			name: "result rewritten and signed by another key",
			edit: func(entries []*Entry) {
				entries[2].Result = "Success"
				resign(entries[2])
			},
			trusted: true,
		},
		{
			name: "key switch without a trusted key",
			edit: func(entries []*Entry) {
				entries[2].Result = "Success"
				resign(entries[2])
			},
		},
		{
			name: "signature stripped from one entry",
			edit: func(entries []*Entry) {
				entries[2].Signature, entries[2].PubKey = "", ""
			},
		},
		{
			name: "every signature stripped",
			edit: func(entries []*Entry) {
				for _, e := range entries {
					e.Signature, e.PubKey = "", ""
				}
			},
			trusted: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, kp := signedLedger(t)
			if err := verify(t, path, kp); err != nil {
				t.Fatalf("untouched ledger: %v", err)
			}
			rewriteEntries(t, path, tt.edit)

			var trusted *security.KeyPair
			if tt.trusted {
				trusted = kp
			}
			if err := verify(t, path, trusted); !errors.Is(err, ErrTampered) {
				t.Errorf("VerifyChain = %v, want ErrTampered", err)
			}
		})
	}
}

func TestLedgerAcceptsUnsignedPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	plain, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	plain.Append(&Entry{Project: "alpha", BuildID: "b1", Result: "Success"})

	kp, _ := security.GenerateKeyPair()
	signing, err := Open(path, kp)
	if err != nil {
		t.Fatal(err)
	}
	if err := signing.VerifyChain(); !errors.Is(err, ErrTampered) {
		t.Errorf("trusted key but nothing signed yet: %v", err)
	}
	signing.Append(&Entry{Project: "alpha", BuildID: "b2", Result: "Success"})
	if err := signing.VerifyChain(); err != nil {
		t.Errorf("signing enabled after the first entry: %v", err)
	}
}

func TestSinkSavesLogAndChainsEntry(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "ledger.jsonl"), nil)
	if err != nil {
		t.Fatal(err)
	}
	sink := &Sink{Ledger: l, Logs: storage.NewLogStorage(filepath.Join(dir, "logs")), AgentID: "agent-1"}

	status := finishedStatus("alpha", "Warning", "== PostBuild: notify (exit 1)")
	if err := sink.Append("alpha", status); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	e := entries[0]
	if e.BuildID != status.ID() || e.Result != "Warning" || e.AgentID != "agent-1" || e.LogPath == "" {
		t.Errorf("entry = %+v", e)
	}
	if err := l.VerifyLogs(); err != nil {
		t.Fatalf("VerifyLogs: %v", err)
	}

	if err := os.WriteFile(e.LogPath, []byte("rewritten"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.VerifyLogs(); !errors.Is(err, ErrTampered) {
		t.Errorf("expected log tampering detection, got %v", err)
	}
}
