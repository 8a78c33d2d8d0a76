package sessiondb

import (
	"testing"
	"time"

	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *SessionDB {
	db, err := Open(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func makePitch(index int, start time.Time) *defs.PitchData {
	startNS := start.UnixNano()
	return &defs.PitchData{
		PitchIndex:  index,
		PitchID:     uuid.NewString(),
		StartTimeNS: startNS,
		EndTimeNS:   startNS + 400*int64(time.Millisecond),
		Observations: []defs.StereoObservation{
			{X: 0.1, Y: 0.5, Z: 12, TimeNS: startNS},
			{X: 0.1, Y: 0.4, Z: 10, TimeNS: startNS + int64(50*time.Millisecond)},
		},
		Phase: defs.PhaseFinalized,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	db := openTestDB(t)

	start := time.Now()
	id, err := db.BeginSession("morning bullpen", "/data/20260829_081500_morning_bullpen", start)
	require.NoError(t, err)
	require.NotZero(t, id)

	fetched, err := db.GetSession(id)
	require.NoError(t, err)
	require.Equal(t, "morning bullpen", fetched.Name)
	require.Equal(t, start.UnixMilli(), int64(fetched.StartedAt))
	require.True(t, fetched.EndedAt.IsZero())

	end := start.Add(10 * time.Minute)
	require.NoError(t, db.EndSession(id, end, 3, 18000))

	fetched, err = db.GetSession(id)
	require.NoError(t, err)
	require.Equal(t, end.UnixMilli(), int64(fetched.EndedAt))
	require.Equal(t, 3, fetched.PitchCount)
	require.Equal(t, int64(18000), fetched.FrameCount)
}

func TestPitchQueries(t *testing.T) {
	db := openTestDB(t)

	base := time.Now()
	sessionA, err := db.BeginSession("a", "/data/a", base)
	require.NoError(t, err)
	sessionB, err := db.BeginSession("b", "/data/b", base.Add(time.Hour))
	require.NoError(t, err)

	// Two pitches in session A, then one newer pitch in session B.
	for i := 1; i <= 2; i++ {
		pitch := makePitch(i, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, db.AddPitch(sessionA, pitch, "/data/a/pitch_000"+string(rune('0'+i)), 120))
	}
	newest := makePitch(1, base.Add(2*time.Hour))
	require.NoError(t, db.AddPitch(sessionB, newest, "/data/b/pitch_0001", 90))

	recent, err := db.RecentPitches(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, newest.PitchID, recent[0].PitchID)
	require.Equal(t, 2, recent[0].ObservationCount)

	paths, err := db.RecentPitchPaths(10)
	require.NoError(t, err)
	require.Equal(t, []string{"/data/b/pitch_0001", "/data/a/pitch_0002", "/data/a/pitch_0001"}, paths)

	ofA, err := db.PitchesOfSession(sessionA)
	require.NoError(t, err)
	require.Len(t, ofA, 2)
	require.Equal(t, 1, ofA[0].PitchIndex)
	require.Equal(t, 2, ofA[1].PitchIndex)

	sessions, err := db.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "b", sessions[0].Name)
}

func TestReopenKeepsData(t *testing.T) {
	root := t.TempDir()
	log := logs.NewTestingLog(t)

	db, err := Open(log, root)
	require.NoError(t, err)
	id, err := db.BeginSession("keep", "/data/keep", time.Now())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(log, root)
	require.NoError(t, err)
	defer db2.Close()
	fetched, err := db2.GetSession(id)
	require.NoError(t, err)
	require.Equal(t, "keep", fetched.Name)
}
