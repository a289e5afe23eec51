package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ajnotify/internal/ns"
	logx "ajnotify/pkg/logx"
)

var drivers = []string{"file", "sqlite"}

func openTest(t *testing.T, driver, dir string, limit int) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, "nsd.db"), HistoryLimit: limit}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		assert.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestMessageIDSurvivesReopen(t *testing.T) {
	t.Parallel()
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			dir := t.TempDir()
			app := uuid.New()
			other := uuid.New()

			st := openTest(t, driver, dir, 0)
			_, ok, err := st.LastMessageID(ctx, app)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.PutLastMessageID(ctx, app, 7))
			require.NoError(t, st.PutLastMessageID(ctx, app, 8))
			require.NoError(t, st.PutLastMessageID(ctx, other, 100))
			require.NoError(t, st.Close())

			st = openTest(t, driver, dir, 0)
			defer st.Close()
			id, ok, err := st.LastMessageID(ctx, app)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.EqualValues(t, 8, id)

			id, _, err = st.LastMessageID(ctx, other)
			require.NoError(t, err)
			assert.EqualValues(t, 100, id)
		})
	}
}

func TestFileStoreWarnsOnUnreadableJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	app := uuid.New()

	journal := `{"app":"` + app.String() + `","id":12}` + "\n" + strings.Repeat("x", 128*1024) + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nsd.ids.journal.jsonl"), []byte(journal), 0o600))

	var buf bytes.Buffer
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "nsd.db")}, logx.NewWriter(&buf, "warn"))
	require.NoError(t, err)
	defer st.Close()

	assert.Contains(t, buf.String(), "id journal unreadable")
	id, ok, err := st.LastMessageID(ctx, app)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 12, id)
}

func TestHistoryNewestFirstAndCapped(t *testing.T) {
	t.Parallel()
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			dir := t.TempDir()
			app := uuid.New()
			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

			st := openTest(t, driver, dir, 5)
			for i := 1; i <= 12; i++ {
				kind := KindReceived
				if i%2 == 0 {
					kind = KindDismissed
				}
				require.NoError(t, st.AppendHistory(ctx, HistoryEntry{
					At:       base.Add(time.Duration(i) * time.Second),
					Kind:     kind,
					MsgID:    int32(i),
					AppID:    app,
					Category: ns.Warning,
					Sender:   ":1.4",
					Text:     "door open",
				}))
			}

			got, err := st.RecentHistory(ctx, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.EqualValues(t, 12, got[0].MsgID)
			assert.EqualValues(t, 10, got[2].MsgID)
			assert.Equal(t, KindDismissed, got[0].Kind)
			assert.Equal(t, app, got[0].AppID)
			assert.Equal(t, ns.Warning, got[0].Category)
			assert.Equal(t, "door open", got[1].Text)
			assert.True(t, got[0].At.Equal(base.Add(12*time.Second)))

			none, err := st.RecentHistory(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, none)
			require.NoError(t, st.Close())

			st = openTest(t, driver, dir, 5)
			defer st.Close()
			all, err := st.RecentHistory(ctx, 100)
			require.NoError(t, err)
			assert.NotEmpty(t, all)
			assert.EqualValues(t, 12, all[0].MsgID)
		})
	}
}

func TestFileStoreClosed(t *testing.T) {
	t.Parallel()
	st := openTest(t, "file", t.TempDir(), 0)
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.AppendHistory(context.Background(), HistoryEntry{Kind: KindReceived}), ErrClosed)
	assert.ErrorIs(t, st.PutLastMessageID(context.Background(), uuid.New(), 1), ErrClosed)
}
