package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Entry is the tamper-evident record of one finished build.
type Entry struct {
	Index      int    `json:"index"`
	Timestamp  string `json:"timestamp"`
	Project    string `json:"project"`
	BuildID    string `json:"buildId"`
	Result     string `json:"result"`
	StartedAt  string `json:"startedAt"`
	FinishedAt string `json:"finishedAt"`
	LogPath    string `json:"logPath"`
	LogHash    string `json:"logHash"`
	PrevHash   string `json:"prevHash"`
	Hash       string `json:"hash"`
	AgentID    string `json:"agentId"`
	Signature  string `json:"signature,omitempty"`
	PubKey     string `json:"pubKey,omitempty"`
}

// canonicalData is the JSON hashed into Entry.Hash. Hash, Signature and
// PubKey are excluded.
func (e *Entry) canonicalData() ([]byte, error) {
	view := struct {
		Index      int    `json:"index"`
		Timestamp  string `json:"timestamp"`
		Project    string `json:"project"`
		BuildID    string `json:"buildId"`
		Result     string `json:"result"`
		StartedAt  string `json:"startedAt"`
		FinishedAt string `json:"finishedAt"`
		LogPath    string `json:"logPath"`
		LogHash    string `json:"logHash"`
		PrevHash   string `json:"prevHash"`
		AgentID    string `json:"agentId"`
	}{
		Index:      e.Index,
		Timestamp:  e.Timestamp,
		Project:    e.Project,
		BuildID:    e.BuildID,
		Result:     e.Result,
		StartedAt:  e.StartedAt,
		FinishedAt: e.FinishedAt,
		LogPath:    e.LogPath,
		LogHash:    e.LogHash,
		PrevHash:   e.PrevHash,
		AgentID:    e.AgentID,
	}
	return json.Marshal(view)
}

// ComputeHash returns the SHA-256 of the canonical entry data.
func (e *Entry) ComputeHash() (string, error) {
	data, err := e.canonicalData()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
