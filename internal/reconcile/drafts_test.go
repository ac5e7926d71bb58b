package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmbapp/bmb/internal/scenario"
)

func TestFieldBuffer_RemoteDoesNotClobberFocusedDraft(t *testing.T) {
	b := NewFieldBuffer("50")

	b.Edit("7")
	b.ApplyRemote("60")
	assert.Equal(t, "7", b.Value())
	assert.Equal(t, "60", b.Remote())

	b.Edit("75")
	v, ok := b.Commit()
	require.True(t, ok)
	assert.Equal(t, "75", v)
	assert.True(t, b.Pending())
	assert.Equal(t, "75", b.Value())

	// echo of our own write
	b.ApplyRemote("75")
	assert.False(t, b.Pending())
	assert.Equal(t, "75", b.Value())

	// later remote changes apply immediately
	b.ApplyRemote("80")
	assert.Equal(t, "80", b.Value())
}

func TestFieldBuffer_RemoteAppliesWhenNotEditing(t *testing.T) {
	b := NewFieldBuffer("a")
	b.ApplyRemote("b")
	assert.Equal(t, "b", b.Value())

	b.Focus()
	b.ApplyRemote("c")
	assert.Equal(t, "b", b.Value())

	// blur without edits takes the latest remote
	_, ok := b.Commit()
	assert.False(t, ok)
	assert.Equal(t, "c", b.Value())
}

func TestFieldBuffer_CommitUnchangedSendsNothing(t *testing.T) {
	b := NewFieldBuffer(10)
	b.Edit(10)
	_, ok := b.Commit()
	assert.False(t, ok)
	assert.False(t, b.Pending())
}

func TestFieldBuffer_FailRollsBack(t *testing.T) {
	b := NewFieldBuffer("old")
	b.Edit("new")
	_, ok := b.Commit()
	require.True(t, ok)

	b.Fail()
	assert.Equal(t, "old", b.Value())
	assert.False(t, b.Pending())
}

func TestFieldBuffer_AckTakesStoreValue(t *testing.T) {
	b := NewFieldBuffer("1")
	b.Edit("2.50")
	_, ok := b.Commit()
	require.True(t, ok)

	b.Ack("2.5")
	assert.Equal(t, "2.5", b.Value())
	assert.False(t, b.Pending())
}

func TestFieldBuffer_Cancel(t *testing.T) {
	b := NewFieldBuffer("x")
	b.Edit("y")
	b.ApplyRemote("z")
	b.Cancel()
	assert.Equal(t, "z", b.Value())
	assert.False(t, b.Focused())
}

func TestDrafts_PerEditorOverrides(t *testing.T) {
	d := NewDrafts()
	s := &scenario.Scenario{ID: "s1", Description: "Juggle", DonationAmount: "50"}

	alice := DraftKey{Editor: "alice", ScenarioID: "s1", Field: FieldAmount}
	d.Edit(alice, s.DonationAmount, "70")

	assert.Equal(t, map[Field]string{FieldAmount: "70"}, d.Overrides("alice", "s1"))
	assert.Nil(t, d.Overrides("bob", "s1"))

	// a remote edit by the other party arrives while alice types
	remote := *s
	remote.DonationAmount = "55"
	d.ApplyRemote(&remote)
	assert.Equal(t, "70", d.Overrides("alice", "s1")[FieldAmount])

	v, ok := d.Commit(alice)
	require.True(t, ok)
	assert.Equal(t, "70", v)

	remote.DonationAmount = "70"
	d.Ack(alice, &remote)
	assert.Nil(t, d.Overrides("alice", "s1"))
	assert.Equal(t, 0, d.Len())
}

func TestDrafts_FailAndCancel(t *testing.T) {
	d := NewDrafts()
	k := DraftKey{Editor: "alice", ScenarioID: "s1", Field: FieldDescription}

	d.Edit(k, "old", "new")
	_, ok := d.Commit(k)
	require.True(t, ok)
	d.Fail(k)
	assert.Equal(t, 0, d.Len())

	d.Focus(k, "old")
	assert.Equal(t, "old", d.Overrides("alice", "s1")[FieldDescription])
	d.Cancel(k)
	assert.Equal(t, 0, d.Len())

	_, ok = d.Commit(DraftKey{Editor: "nobody"})
	assert.False(t, ok)
}
