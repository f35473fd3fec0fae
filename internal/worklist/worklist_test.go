package worklist

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type job struct {
	Links
	id int
}

func ids(q *List[*job]) []int {
	var out []int
	q.Each(func(j *job) bool {
		out = append(out, j.id)
		return true
	})
	return out
}

func TestList_FIFO(t *testing.T) {
	var q List[*job]
	for i := range 4 {
		require.True(t, q.PushBack(&job{id: i}))
	}
	assert.Equal(t, 4, q.Len())
	assert.Equal(t, []int{0, 1, 2, 3}, ids(&q))

	for want := range 4 {
		j, ok := q.PopFront()
		require.True(t, ok)
		assert.Equal(t, want, j.id)
		assert.False(t, j.Queued())
	}
	_, ok := q.PopFront()
	assert.False(t, ok)
	assert.True(t, q.IsEmpty())
}

func TestList_Front(t *testing.T) {
	var q List[*job]
	_, ok := q.Front()
	assert.False(t, ok)

	q.PushBack(&job{id: 0})
	q.PushBack(&job{id: 1})
	front, ok := q.Front()
	require.True(t, ok)
	assert.Equal(t, 0, front.id)
	assert.Equal(t, 2, q.Len(), "Front does not dequeue")
}

func TestList_ItemOnAtMostOneList(t *testing.T) {
	var a, b List[*job]
	j := &job{id: 7}

	require.True(t, a.PushBack(j))
	assert.False(t, a.PushBack(j))
	assert.False(t, b.PushBack(j))
	assert.False(t, b.Remove(j), "item belongs to a")
	assert.True(t, a.Contains(j))

	require.True(t, a.Remove(j))
	assert.False(t, j.Queued())
	assert.True(t, b.PushBack(j))
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 0, a.Len())
}

func TestList_RemoveFromMiddle(t *testing.T) {
	var q List[*job]
	jobs := make([]*job, 5)
	for i := range jobs {
		jobs[i] = &job{id: i}
		q.PushBack(jobs[i])
	}
	require.True(t, q.Remove(jobs[2]))
	require.True(t, q.Remove(jobs[4]))
	assert.Equal(t, []int{0, 1, 3}, ids(&q))
	require.True(t, q.PushBack(jobs[2]))
	assert.Equal(t, []int{0, 1, 3, 2}, ids(&q))
}

func TestList_ClaimThenPush(t *testing.T) {
	var q List[*job]
	j := &job{id: 1}

	require.True(t, j.Claim())
	assert.False(t, j.Claim())
	assert.False(t, q.PushBack(j), "claimed items cannot be pushed twice")
	q.PushClaimed(j)
	assert.Equal(t, 1, q.Len())

	other := &job{id: 2}
	require.True(t, other.Claim())
	other.Unclaim()
	assert.False(t, other.Queued())
	assert.Panics(t, func() { q.PushClaimed(other) })
}

func TestList_Take(t *testing.T) {
	var q List[*job]
	for i := range 3 {
		q.PushBack(&job{id: i})
	}
	taken := q.Take()
	assert.True(t, q.IsEmpty())
	assert.Equal(t, []int{0, 1, 2}, ids(taken))

	j, _ := taken.Front()
	assert.True(t, taken.Contains(j))
	assert.False(t, q.Contains(j))
	assert.True(t, j.Queued())

	q.PushBack(&job{id: 9})
	assert.Equal(t, []int{9}, ids(&q))
}

func TestLinks_ConcurrentClaim(t *testing.T) {
	j := &job{}
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if j.Claim() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
