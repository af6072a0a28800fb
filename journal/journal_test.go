package journal

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	f, err := os.CreateTemp("", "chatd-journal-*.txt")
	require.NoError(t, err)
	path := f.Name()
	require.NoError(t, f.Close())
	require.NoError(t, os.Remove(path))
	t.Cleanup(func() { os.Remove(path) })

	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func TestAppendAndReplayRoundTrip(t *testing.T) {
	j, path := tempJournal(t)

	j.Append(Record{Type: NewUser, Name: "alice"})
	j.Append(Record{Type: UpdateID, ID: 1})
	j.Append(Record{Type: NewMessage, Sender: "alice", RecipientType: 0, Recipient: "bob", Content: "hi"})
	j.Append(Record{Type: DeleteMessage, ID: 1})
	j.Append(Record{Type: NewGroup, Name: "friends", Members: []string{"alice", "bob"}})
	require.NoError(t, j.Close())

	replay, err := Open(path)
	require.NoError(t, err)
	defer replay.Close()

	var got []Record
	for replay.HasMore() {
		rec, ok := replay.Next()
		require.True(t, ok)
		got = append(got, rec)
	}

	require.False(t, replay.Invalid())
	require.Len(t, got, 5)
	assert.Equal(t, NewUser, got[0].Type)
	assert.Equal(t, "alice", got[0].Name)
	assert.Equal(t, UpdateID, got[1].Type)
	assert.EqualValues(t, 1, got[1].ID)
	assert.Equal(t, NewMessage, got[2].Type)
	assert.Equal(t, "bob", got[2].Recipient)
	assert.Equal(t, "hi", got[2].Content)
	assert.Equal(t, DeleteMessage, got[3].Type)
	assert.Equal(t, NewGroup, got[4].Type)
	assert.Equal(t, []string{"alice", "bob"}, got[4].Members)
}

func TestNextOnCorruptRecordInvalidatesJournal(t *testing.T) {
	j, path := tempJournal(t)
	require.NoError(t, j.Close())

	require.NoError(t, os.WriteFile(path, []byte("NEW_USER not-quoted\n"), 0644))

	replay, err := Open(path)
	require.NoError(t, err)
	defer replay.Close()

	require.True(t, replay.HasMore())
	_, ok := replay.Next()
	assert.False(t, ok)
	assert.True(t, replay.Invalid())
	assert.False(t, replay.HasMore())
}

func TestAppendDroppedAfterInvalid(t *testing.T) {
	j, path := tempJournal(t)
	require.NoError(t, j.Close())

	require.NoError(t, os.WriteFile(path, []byte("GARBAGE\n"), 0644))

	replay, err := Open(path)
	require.NoError(t, err)
	defer replay.Close()

	_, ok := replay.Next()
	require.False(t, ok)
	require.True(t, replay.Invalid())

	replay.Append(Record{Type: NewUser, Name: "carol"})

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(contents), "carol")
}

func TestHasMoreSkipsWhitespaceOnly(t *testing.T) {
	j, path := tempJournal(t)
	require.NoError(t, j.Close())

	require.NoError(t, os.WriteFile(path, []byte("\n\n   \t\n"), 0644))

	replay, err := Open(path)
	require.NoError(t, err)
	defer replay.Close()

	assert.False(t, replay.HasMore())
}
