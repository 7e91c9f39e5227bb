package fence

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fencekv/pkg/errkind"
)

func TestNewValidatesArguments(t *testing.T) {
	assert := assert.New(t)

	_, err := New("", 1)
	assert.Error(err)
	assert.True(errkind.Is(err, errkind.InvalidArgument))

	_, err = New("name", 0)
	assert.Error(err)

	f, err := New("name", 2)
	assert.NoError(err)
	assert.Equal(2, f.NProcs)
	assert.Equal(0, f.Count)
}

func TestEligibleTracksParticipantCount(t *testing.T) {
	assert := assert.New(t)

	f, err := New("fence", 2)
	assert.NoError(err)
	assert.False(f.Eligible())

	f.AddOps([]Op{{Key: "a", Dirent: nil}})
	assert.False(f.Eligible())

	f.AddOps([]Op{{Key: "b", Dirent: nil}})
	assert.True(f.Eligible())
}

func TestMergeRespectsNoMerge(t *testing.T) {
	assert := assert.New(t)

	target, _ := New("target", 1)
	target.AddOps([]Op{{Key: "a"}})
	donor, _ := New("donor", 1)
	donor.AddOps([]Op{{Key: "b"}})

	ok := Merge(target, donor)
	assert.True(ok)
	assert.Len(target.Ops, 2)

	target2, _ := New("t2", 1)
	donor2, _ := New("d2", 1)
	donor2.Flags = NoMerge
	ok = Merge(target2, donor2)
	assert.False(ok)
	assert.Len(target2.Ops, 0)
}

func TestMergePreservesTargetIdentity(t *testing.T) {
	assert := assert.New(t)

	target, _ := New("target", 1)
	donor, _ := New("donor", 1)
	originalID := target.ID
	originalName := target.Name

	Merge(target, donor)
	assert.Equal(originalID, target.ID)
	assert.Equal(originalName, target.Name)
}

func TestHasFlag(t *testing.T) {
	assert := assert.New(t)

	f := &Fence{Flags: NoMerge}
	assert.True(f.HasFlag(NoMerge))

	f2 := &Fence{}
	assert.False(f2.HasFlag(NoMerge))
}

