package livecall

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(text string) ConversationMessage {
	return ConversationMessage{UserID: "1", Text: text, Timestamp: 1700000000000}
}

func TestLedgerFlushAtThreshold(t *testing.T) {
	l := NewLedger(3)

	assert.Nil(t, l.Append(msg("one")))
	assert.Nil(t, l.Append(msg("two")))
	assert.Equal(t, 2, l.Len())

	batch := l.Append(msg("three"))
	require.Len(t, batch, 3)
	assert.Equal(t, "one", batch[0].Text)
	assert.Equal(t, "two", batch[1].Text)
	assert.Equal(t, "three", batch[2].Text)
	assert.Equal(t, 0, l.Len(), "flush must empty the ledger")
}

func TestLedgerNoMessageInTwoBatches(t *testing.T) {
	l := NewLedger(2)

	first := l.Append(msg("b"))
	assert.Nil(t, first)
	first = l.Append(msg("a"))
	require.Len(t, first, 2)

	second := l.Append(msg("c"))
	assert.Nil(t, second)
	second = l.Append(msg("d"))
	require.Len(t, second, 2)
	assert.Equal(t, "c", second[0].Text)
	assert.Equal(t, "d", second[1].Text)
}

func TestLedgerRestore(t *testing.T) {
	l := NewLedger(3)

	assert.Nil(t, l.Append(msg("one")))
	assert.Nil(t, l.Append(msg("two")))
	batch := l.Append(msg("three"))
	require.Len(t, batch, 3)

	// a message arrives while the push is in flight, then the push fails
	assert.Nil(t, l.Append(msg("four")))
	l.Restore(batch)
	assert.Equal(t, 4, l.Len(), "restore alone never flushes")

	// restored messages come out ahead of the newer one
	var next []ConversationMessage
	for i := 0; next == nil; i++ {
		next = l.Append(msg("extra" + strconv.Itoa(i)))
	}
	require.GreaterOrEqual(t, len(next), 4)
	assert.Equal(t, "one", next[0].Text)
	assert.Equal(t, "two", next[1].Text)
	assert.Equal(t, "three", next[2].Text)
	assert.Equal(t, "four", next[3].Text)
}

func TestLedgerRestoreEmptyBatch(t *testing.T) {
	l := NewLedger(2)
	l.Restore(nil)
	assert.Equal(t, 0, l.Len())
}
