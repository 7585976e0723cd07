package history

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1_700_000_000, 0)

func TestPushEvictsOldest(t *testing.T) {
	b := New[int](3)
	require.Zero(t, b.Len())
	require.Empty(t, b.GetAll())
	_, ok := b.Latest()
	require.False(t, ok)

	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	require.Equal(t, 3, b.Len())
	require.Equal(t, 3, b.Cap())
	require.Equal(t, []int{3, 4, 5}, b.GetAll())
	v, ok := b.Latest()
	require.True(t, ok)
	require.Equal(t, 5, v)
}

func TestPushSequences(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		capacity := 1 + r.Intn(16)
		pushes := r.Intn(64)
		b := New[float64](capacity)
		var all []float64
		for i := 0; i < pushes; i++ {
			v := r.Float64()
			all = append(all, v)
			b.Push(v)
			if b.Len() > capacity {
				t.Fatalf("len %d exceeds capacity %d", b.Len(), capacity)
			}
		}
		want := all
		if len(want) > capacity {
			want = want[len(want)-capacity:]
		}
		if len(want) == 0 {
			require.Empty(t, b.GetAll())
			continue
		}
		require.Equal(t, want, b.GetAll(), "capacity %d pushes %d", capacity, pushes)
	}
}

func TestGetAllReturnsCopy(t *testing.T) {
	b := New[int](2)
	b.Push(1)
	got := b.GetAll()
	got[0] = 99
	require.Equal(t, []int{1}, b.GetAll())
}

func TestGetRangeAnchorsOnNewest(t *testing.T) {
	b := New[int](10)
	for i := 0; i < 6; i++ {
		b.PushAt(t0.Add(time.Duration(i)*time.Second), i)
	}
	require.Equal(t, []int{3, 4, 5}, b.GetRange(2*time.Second))
	require.Equal(t, []int{5}, b.GetRange(0))
	require.Equal(t, []int{0, 1, 2, 3, 4, 5}, b.GetRange(time.Hour))

	// long after the producer stopped, the newest-anchored range is unchanged
	late := t0.Add(time.Hour)
	require.Empty(t, b.GetRangeAt(late, 2*time.Second))
	require.Equal(t, []int{4, 5}, b.GetRangeAt(t0.Add(5*time.Second), time.Second))
}

func TestGetRangeAfterWrap(t *testing.T) {
	b := New[string](3)
	for i, v := range []string{"a", "b", "c", "d", "e"} {
		b.PushAt(t0.Add(time.Duration(i)*time.Second), v)
	}
	require.Equal(t, []string{"d", "e"}, b.GetRange(time.Second))
	require.Equal(t, []string{"c", "d", "e"}, b.GetRange(time.Minute))

	samples := b.Samples()
	require.Len(t, samples, 3)
	require.Equal(t, t0.Add(2*time.Second), samples[0].At)
	require.Equal(t, "e", samples[2].Value)
}

func TestGetRangeEmpty(t *testing.T) {
	b := New[int](4)
	require.Nil(t, b.GetRange(time.Second))
	require.Nil(t, b.GetRangeAt(t0, time.Second))
}

func TestPushUsesClock(t *testing.T) {
	b := New[int](2)
	b.now = func() time.Time { return t0 }
	b.Push(1)
	require.Equal(t, t0, b.Samples()[0].At)
}

func TestZeroCapacity(t *testing.T) {
	b := New[int](0)
	b.Push(1)
	b.Push(2)
	require.Equal(t, []int{2}, b.GetAll())
}

func TestPushDoesNotAllocate(t *testing.T) {
	b := New[float64](64)
	allocs := testing.AllocsPerRun(1000, func() { b.PushAt(t0, 1.5) })
	if allocs != 0 {
		t.Fatalf("Push allocated %v times", allocs)
	}
}
