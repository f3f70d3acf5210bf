// SPDX-License-Identifier: MIT

package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	now := time.Now()
	s := New("s1", 8, now)

	assert.Equal(t, DefaultTempoBPM, s.TempoBPM)
	assert.EqualValues(t, 0, s.PositionMs)
	assert.False(t, s.IsPlaying)
	assert.False(t, s.HasLeader())
	assert.Equal(t, 8, s.Settings.MaxMembers)
	assert.Equal(t, now, s.CreatedAt)
}

func TestPatchApply(t *testing.T) {
	now := time.Now()
	s := New("s1", 8, now.Add(-time.Minute))

	later := now.Add(time.Second)
	Patch{
		TempoBPM:           IntPtr(140),
		IsPlaying:          BoolPtr(true),
		LeaderConnectionID: StringPtr("conn-a"),
	}.Apply(s, later)

	assert.Equal(t, 140, s.TempoBPM)
	assert.True(t, s.IsPlaying)
	assert.Equal(t, "conn-a", s.LeaderConnectionID)
	assert.Equal(t, later, s.LastActiveAt)
	// untouched fields survive
	assert.EqualValues(t, 0, s.PositionMs)
}

func TestPatchClearsLeader(t *testing.T) {
	s := New("s1", 8, time.Now())
	s.LeaderConnectionID = "conn-a"

	Patch{LeaderConnectionID: StringPtr("")}.Apply(s, time.Now())
	assert.False(t, s.HasLeader())
}

func TestCloneIsIndependent(t *testing.T) {
	s := New("s1", 8, time.Now())
	cp := s.Clone()
	cp.TempoBPM = 90

	assert.Equal(t, DefaultTempoBPM, s.TempoBPM)
}

func TestSeniorMember(t *testing.T) {
	base := time.Now()
	a := &Member{ConnectionID: "a", JoinedAt: base.Add(time.Second)}
	b := &Member{ConnectionID: "b", JoinedAt: base}
	c := &Member{ConnectionID: "c", JoinedAt: base}

	require.Nil(t, SeniorMember(nil))
	assert.Equal(t, "b", SeniorMember([]*Member{a, b, c}).ConnectionID)
	// tie on JoinedAt breaks by lexicographic connection ID
	assert.Equal(t, "b", SeniorMember([]*Member{c, b}).ConnectionID)
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleLeader.Valid())
	assert.True(t, RoleFollower.Valid())
	assert.False(t, Role("conductor").Valid())
}

func TestLockTableSerializesPerSession(t *testing.T) {
	lt := NewLockTable()

	var mu sync.Mutex
	order := make([]int, 0, 2)

	unlock := lt.Lock("s1")
	done := make(chan struct{})
	go func() {
		u := lt.Lock("s1")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		u()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	unlock()
	<-done

	assert.Equal(t, []int{1, 2}, order)
}

func TestLockTableIndependentSessions(t *testing.T) {
	lt := NewLockTable()

	unlockA := lt.Lock("a")
	defer unlockA()

	acquired := make(chan struct{})
	go func() {
		u := lt.Lock("b")
		u()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on distinct session blocked")
	}
}

func TestLockTableForget(t *testing.T) {
	lt := NewLockTable()
	u := lt.Lock("gone")
	u()
	assert.Equal(t, 1, lt.Len())
	lt.Forget("gone")
	assert.Equal(t, 0, lt.Len())
}
