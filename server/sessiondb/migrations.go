package sessiondb

import (
	"github.com/BurntSushi/migration"
	"github.com/berginj/PitchTracker-sub000/pkg/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE session(
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			dir TEXT NOT NULL,
			started_at INT NOT NULL,
			ended_at INT,
			pitch_count INT NOT NULL DEFAULT 0,
			frame_count INT NOT NULL DEFAULT 0
		);

		CREATE TABLE pitch(
			id INTEGER PRIMARY KEY,
			session_id INT NOT NULL,
			pitch_id TEXT NOT NULL,
			pitch_index INT NOT NULL,
			started_at INT NOT NULL,
			ended_at INT NOT NULL,
			dir TEXT NOT NULL,
			frame_count INT NOT NULL DEFAULT 0,
			observation_count INT NOT NULL DEFAULT 0
		);

	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE INDEX idx_pitch_session_id ON pitch(session_id);
		CREATE INDEX idx_pitch_started_at ON pitch(started_at);
	`))

	return migs
}
