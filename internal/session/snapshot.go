package session

import (
	"github.com/ChuLiYu/reqexec/internal/request"
	"github.com/ChuLiYu/reqexec/internal/snapshot"
)

// SavePrepared writes the prepared metadata cache and keyspace to path. With
// session.snapshot_backups set, the previous snapshots are rotated aside.
func (s *Session) SavePrepared(path string) error {
	keys := s.prepared.Keys()
	entries := make([]request.PreparedEntry, 0, len(keys))
	for _, id := range keys {
		if e, ok := s.prepared.Peek(id); ok {
			entries = append(entries, e)
		}
	}

	data := snapshot.Data{Keyspace: s.Keyspace(), Prepared: entries}
	m := snapshot.NewManager(path)
	var err error
	if keep := s.cfg.Session.SnapshotBackups; keep > 0 {
		err = m.WriteWithBackup(data, keep)
	} else {
		err = m.Write(data)
	}
	if err != nil {
		return err
	}
	s.logger.Info("prepared snapshot saved", "path", m.GetPath(), "entries", len(entries))
	return nil
}

// LoadPrepared fills the prepared metadata cache from the snapshot at path.
// A missing file loads nothing. The snapshot keyspace is used only when
// the session has none.
func (s *Session) LoadPrepared(path string) error {
	m := snapshot.NewManager(path)
	if !m.Exists() {
		s.logger.Debug("no prepared snapshot", "path", path)
		return nil
	}
	data, err := m.Load()
	if err != nil {
		return err
	}
	for _, e := range data.Prepared {
		s.prepared.Add(e.PreparedID, e)
	}
	if s.Keyspace() == "" && data.Keyspace != "" {
		s.keyspace.Store(data.Keyspace)
	}
	s.logger.Info("prepared snapshot loaded", "path", path, "entries", len(data.Prepared))
	return nil
}
