package main

import (
	"regioncore.dev/internal/persistence/indexdb"
	persistlog "regioncore.dev/internal/persistence/log"
)

// transitKinds are the journal events worth a row in the audit index.
var transitKinds = map[string]bool{
	"complete_movement": true,
	"cross_out":         true,
	"teleport_out":      true,
	"local_teleport":    true,
}

// auditedJournal tees journal entries into the sqlite transit index.
type auditedJournal struct {
	journal *persistlog.PresenceJournal
	audit   *indexdb.SQLiteIndex
	handle  uint64
}

func (a *auditedJournal) Write(v any) error {
	if m, ok := v.(map[string]any); ok {
		if kind, _ := m["event"].(string); transitKinds[kind] {
			agent, _ := m["agent"].(string)
			a.audit.Record(indexdb.TransitRow{
				AgentID:    agent,
				Kind:       kind,
				FromRegion: a.handle,
				ToRegion:   a.handle,
				Outcome:    "ok",
			})
		}
	}
	return a.journal.Write(v)
}
