package sched

import (
	"testing"

	"github.com/alkhe/runtime/kthread"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_drainAcrossChunks(t *testing.T) {
	m := newMailbox(7)
	assert.Equal(t, kthread.ThreadID(7), m.ID())
	assert.Nil(t, m.Drain())

	const n = chunkSize*2 + 3
	sent := make([]kthread.Message, n)
	for i := range sent {
		sent[i] = &kthread.TimeoutEvent{TimeoutID: uint32(i)}
		require.NoError(t, m.push(sent[i]))
	}
	assert.Equal(t, n, m.len())

	got := m.Drain()
	require.Len(t, got, n)
	for i := range got {
		assert.Same(t, sent[i], got[i])
	}
	assert.Zero(t, m.len())
	assert.Nil(t, m.Drain())

	require.NoError(t, m.push(&kthread.Empty{}))
	assert.Len(t, m.Drain(), 1)
}

func TestMailbox_close(t *testing.T) {
	m := newMailbox(1)
	require.NoError(t, m.push(&kthread.Empty{}))
	require.NoError(t, m.push(&kthread.Empty{}))
	assert.Equal(t, 2, m.close())
	assert.ErrorIs(t, m.push(&kthread.Empty{}), kthread.ErrThreadTerminated)
	assert.Nil(t, m.Drain())
}

func TestMailbox_rejectsNil(t *testing.T) {
	m := newMailbox(1)
	assert.ErrorIs(t, m.push(nil), ErrNilMessage)
	assert.Zero(t, m.len())
	assert.Nil(t, m.Drain())
}

func TestReturnChunk_clearsMessages(t *testing.T) {
	c := newChunk()
	c.msgs[0] = &kthread.Empty{}
	c.pos = 1
	returnChunk(c)
	assert.Nil(t, c.msgs[0])
	assert.Zero(t, c.pos)
}
