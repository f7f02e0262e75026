package subscription

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sub string

func (s sub) ID() string { return string(s) }

func TestTableAddAndSnapshot(t *testing.T) {
	table := NewTable[sub]()
	require.NoError(t, table.Add("alerts", "a"))
	require.NoError(t, table.Add("alerts", "b"))
	require.NoError(t, table.Add("reports", "c"))

	assert.ElementsMatch(t, []sub{"a", "b"}, table.Snapshot("alerts"))
	assert.Equal(t, []sub{"c"}, table.Snapshot("reports"))
	assert.Empty(t, table.Snapshot("Alerts"))
	assert.Equal(t, 3, table.Len())
	assert.Equal(t, []TopicInfo{{"alerts", 2}, {"reports", 1}}, table.Topics())
}

func TestTableRejectsDuplicates(t *testing.T) {
	table := NewTable[sub]()
	require.NoError(t, table.Add("alerts", "a"))
	assert.ErrorIs(t, table.Add("alerts", "a"), ErrAlreadySubscribed)
	assert.ErrorIs(t, table.Add("reports", "a"), ErrAlreadySubscribed)
	assert.ErrorIs(t, table.Add("", "b"), ErrEmptyTopic)
	assert.Equal(t, 1, table.Count("alerts"))
	assert.Zero(t, table.Count("reports"))
}

func TestTableRemove(t *testing.T) {
	table := NewTable[sub]()
	require.NoError(t, table.Add("alerts", "a"))
	snapshot := table.Snapshot("alerts")

	topic, ok := table.Remove("a")
	assert.True(t, ok)
	assert.Equal(t, "alerts", topic)
	_, ok = table.Remove("a")
	assert.False(t, ok)

	assert.Empty(t, table.Snapshot("alerts"))
	assert.Empty(t, table.Topics())
	// earlier snapshots are unaffected
	assert.Equal(t, []sub{"a"}, snapshot)

	// a removed subscriber may register again
	require.NoError(t, table.Add("reports", "a"))
}

func TestTableConcurrentUse(t *testing.T) {
	table := NewTable[sub]()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := sub(fmt.Sprintf("s-%d", i))
			topic := fmt.Sprintf("t-%d", i%4)
			assert.NoError(t, table.Add(topic, id))
			_ = table.Snapshot(topic)
			if i%2 == 0 {
				table.Remove(string(id))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, table.Len())
}
