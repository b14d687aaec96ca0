package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locate-go/fusion"
	"locate-go/logging"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "locate.db")
	s, err := Open(path, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func sampleRecord() fusion.Record {
	return fusion.Record{
		Anchors: []fusion.Anchor{
			{ID: "AA:BB:CC:DD:EE:02", Position: fusion.At(120.5, 80), Floor: 0},
			{ID: "AA:BB:CC:DD:EE:01", Floor: 1},
			{ID: "AA:BB:CC:DD:EE:03", Position: fusion.At(0, 0), Floor: 1},
		},
		Params: fusion.NewParamsRecord(fusion.PathLoss{RSSIAt1m: -61, Exponent: 2.2}),
		Broker: &fusion.BrokerRecord{Broker: "sink", Port: 8883, Protocol: "wss"},
		Floors: []string{"ISIS 10A", "ISIS R+1"},
	}
}

func TestOpen_Migrates(t *testing.T) {
	s, _ := openTestStore(t)
	v, dirty, err := s.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	assert.False(t, dirty)
}

func TestLoad_Empty(t *testing.T) {
	s, _ := openTestStore(t)
	_, found, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()
	want := sampleRecord()
	require.NoError(t, s.Save(ctx, want))

	got, found, err := s.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Empty(t, cmp.Diff(want, got, cmp.AllowUnexported(fusion.Position{})))

	// Reopening the file applies no further migrations and keeps the data.
	require.NoError(t, s.Close())
	again, err := Open(path, logging.Discard())
	require.NoError(t, err)
	defer again.Close()
	got, found, err = again.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, got.Anchors, 3)
	assert.Equal(t, "AA:BB:CC:DD:EE:02", got.Anchors[0].ID, "insertion order is kept")
}

func TestSave_Overwrites(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleRecord()))

	smaller := fusion.Record{Anchors: []fusion.Anchor{{ID: "AA:BB:CC:DD:EE:09"}}}
	require.NoError(t, s.Save(ctx, smaller))

	got, found, err := s.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, got.Anchors, 1)
	assert.False(t, got.Anchors[0].Position.Placed())
	assert.Nil(t, got.Params)
	assert.Nil(t, got.Broker)
	assert.Empty(t, got.Floors)
}

func TestSave_DuplicateRollsBack(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleRecord()))

	dup := fusion.Record{Anchors: []fusion.Anchor{{ID: "AA:BB:CC:DD:EE:01"}, {ID: "AA:BB:CC:DD:EE:01"}}}
	require.Error(t, s.Save(ctx, dup))

	got, _, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got.Anchors, 3, "a failed save leaves the previous record intact")
}

func TestEngineRecordThroughStore(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	opts := fusion.DefaultOptions()
	opts.Logger = logging.Discard()
	e := fusion.NewEngine(opts)
	_, err := e.AddAnchor("aa:bb:cc:dd:ee:01", 0)
	require.NoError(t, err)
	_, err = e.SetAnchorPosition("AA:BB:CC:DD:EE:01", 5, 6, 1)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, e.Snapshot()))

	rec, found, err := s.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)

	restored := fusion.NewEngine(opts)
	require.NoError(t, restored.Apply(rec))
	a, ok := restored.Anchor("aa:bb:cc:dd:ee:01")
	require.True(t, ok)
	assert.Equal(t, 1, a.Floor)
	assert.Equal(t, fusion.DefaultPathLossModel(), restored.Params())
}
