package journal

import (
	"testing"

	"scalefs/internal/blockdev"

	"github.com/stretchr/testify/require"
)

func TestAppendAndRecoverRoundTrip(t *testing.T) {
	dev := blockdev.NewMemDevice(32)
	j := New(dev, 0, 16)

	var block1 [blockdev.BlockSize]byte
	copy(block1[:], "hello world")
	var block2 [blockdev.BlockSize]byte
	copy(block2[:], "second block")

	release := j.PrepareForCommit()
	err := j.AppendTransaction(42, []DiskBlock{
		{BlockNum: 20, Data: block1},
		{BlockNum: 21, Data: block2},
	})
	release()
	require.NoError(t, err)

	txns, err := j.Recover()
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.Equal(t, uint64(42), txns[0].Timestamp)
	require.Len(t, txns[0].Blocks, 2)
	require.Equal(t, uint32(20), txns[0].Blocks[0].BlockNum)
	require.Equal(t, block1, txns[0].Blocks[0].Data)
	require.Equal(t, uint32(21), txns[0].Blocks[1].BlockNum)
	require.Equal(t, block2, txns[0].Blocks[1].Data)
}

func TestRecoverIsIdempotentOnEmptyJournal(t *testing.T) {
	dev := blockdev.NewMemDevice(32)
	j := New(dev, 0, 16)

	txns, err := j.Recover()
	require.NoError(t, err)
	require.Empty(t, txns)

	txns, err = j.Recover()
	require.NoError(t, err)
	require.Empty(t, txns)
}

func TestTruncateZeroesJournalRegion(t *testing.T) {
	dev := blockdev.NewMemDevice(32)
	j := New(dev, 0, 16)

	var block1 [blockdev.BlockSize]byte
	copy(block1[:], "data")
	release := j.PrepareForCommit()
	require.NoError(t, j.AppendTransaction(1, []DiskBlock{{BlockNum: 5, Data: block1}}))
	release()

	require.NoError(t, j.Truncate())

	txns, err := j.Recover()
	require.NoError(t, err)
	require.Empty(t, txns)
}

func TestUncommittedTransactionIsNotReplayed(t *testing.T) {
	dev := blockdev.NewMemDevice(32)
	j := New(dev, 0, 16)

	var buf [headerSize]byte
	buf[12] = byte(recStart)
	require.NoError(t, dev.WriteBlock(0, buf[:]))

	txns, err := j.Recover()
	require.NoError(t, err)
	require.Empty(t, txns)
}
