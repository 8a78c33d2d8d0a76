// Package sessiondb is the index over recorded sessions and pitches.
// The video and manifest files in the session tree are the source of
// truth; this database exists so the API can answer "recent pitches"
// style queries without walking the filesystem.
package sessiondb

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/berginj/PitchTracker-sub000/pkg/dbh"
	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

// SessionDB indexes sessions and pitches.
type SessionDB struct {
	log  logs.Log
	db   *gorm.DB
	root string // Storage root (also directory where the sqlite DB lives)
}

// Open or create a session DB inside root.
func Open(log logs.Log, root string) (*SessionDB, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0777); err != nil {
		return nil, fmt.Errorf("Failed to set storage path '%v': %w", root, err)
	}

	dbPath := filepath.Join(root, "sessions.sqlite")
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(dbPath), Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open database %v: %w", dbPath, err)
	}
	return &SessionDB{
		log:  log,
		db:   db,
		root: root,
	}, nil
}

// Root returns the storage root directory.
func (s *SessionDB) Root() string {
	return s.root
}

// BeginSession creates a session record and returns its ID.
func (s *SessionDB) BeginSession(name, dir string, startedAt time.Time) (int64, error) {
	session := &Session{
		Name:      name,
		Dir:       dir,
		StartedAt: dbh.MakeIntTime(startedAt),
	}
	if err := s.db.Create(session).Error; err != nil {
		return 0, err
	}
	return session.ID, nil
}

// EndSession stamps the end time and final counts onto a session record.
func (s *SessionDB) EndSession(id int64, endedAt time.Time, pitchCount int, frameCount int64) error {
	return s.db.Model(&Session{}).Where("id = ?", id).Updates(map[string]any{
		"ended_at":    dbh.MakeIntTime(endedAt),
		"pitch_count": pitchCount,
		"frame_count": frameCount,
	}).Error
}

// AddPitch records a sealed pitch.
func (s *SessionDB) AddPitch(sessionID int64, pitch *defs.PitchData, dir string, frameCount int) error {
	rec := &Pitch{
		SessionID:        sessionID,
		PitchID:          pitch.PitchID,
		PitchIndex:       pitch.PitchIndex,
		StartedAt:        dbh.MakeIntTimeMilli(pitch.StartTimeNS / 1e6),
		EndedAt:          dbh.MakeIntTimeMilli(pitch.EndTimeNS / 1e6),
		Dir:              dir,
		FrameCount:       frameCount,
		ObservationCount: len(pitch.Observations),
	}
	return s.db.Create(rec).Error
}

// GetSession fetches one session by ID.
func (s *SessionDB) GetSession(id int64) (*Session, error) {
	session := Session{}
	if err := s.db.First(&session, id).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// RecentSessions returns the most recently started sessions, newest first.
func (s *SessionDB) RecentSessions(limit int) ([]Session, error) {
	sessions := []Session{}
	err := s.db.Order("started_at DESC").Limit(limit).Find(&sessions).Error
	return sessions, err
}

// RecentPitches returns the most recent pitches across all sessions,
// newest first.
func (s *SessionDB) RecentPitches(limit int) ([]Pitch, error) {
	pitches := []Pitch{}
	err := s.db.Order("started_at DESC").Limit(limit).Find(&pitches).Error
	return pitches, err
}

// PitchesOfSession returns all pitches of a session, in pitch order.
func (s *SessionDB) PitchesOfSession(sessionID int64) ([]Pitch, error) {
	pitches := []Pitch{}
	err := s.db.Where("session_id = ?", sessionID).Order("pitch_index").Find(&pitches).Error
	return pitches, err
}

// RecentPitchPaths returns the directories of the most recent pitches,
// newest first.
func (s *SessionDB) RecentPitchPaths(limit int) ([]string, error) {
	pitches, err := s.RecentPitches(limit)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(pitches))
	for _, p := range pitches {
		paths = append(paths, p.Dir)
	}
	return paths, nil
}

// Close closes the underlying database.
func (s *SessionDB) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
