package ledger

import (
	"autobuild/internal/core"
	"autobuild/internal/storage"
	"autobuild/pkg/utils"
)

// Sink records finished builds: the log goes to storage and a chained,
// signed entry referencing its hash goes to the ledger.
type Sink struct {
	Ledger  *Ledger
	Logs    *storage.LogStorage
	AgentID string
}

// Append implements core.HistorySink.
func (s *Sink) Append(project string, status *core.BuildStatus) error {
	rec := status.Record()

	var logPath, logHash string
	if s.Logs != nil {
		path, err := s.Logs.SaveBuildLog(project, rec.ID, rec.Timestamp, rec.Log)
		if err != nil {
			return err
		}
		h, err := utils.HashFile(path)
		if err != nil {
			return err
		}
		logPath, logHash = path, h
	} else {
		logHash = utils.HashString(rec.Log)
	}

	return s.Ledger.Append(&Entry{
		Project:    project,
		BuildID:    rec.ID,
		Result:     string(rec.Result),
		StartedAt:  formatTime(rec.Timestamp),
		FinishedAt: formatTime(rec.FinishedAt),
		LogPath:    logPath,
		LogHash:    logHash,
		AgentID:    s.AgentID,
	})
}
