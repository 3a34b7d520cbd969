package framework

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeRef struct {
	id      int64
	ranking int
}

func (r *fakeRef) ID() int64                          { return r.id }
func (r *fakeRef) Ranking() int                       { return r.ranking }
func (r *fakeRef) Property(string) interface{}        { return nil }
func (r *fakeRef) Properties() map[string]interface{} { return nil }
func (r *fakeRef) Interfaces() []string               { return nil }
func (r *fakeRef) Bundle() Bundle                     { return nil }

func TestSortReferencesRankingThenID(t *testing.T) {
	a := &fakeRef{id: 100, ranking: 5}
	b := &fakeRef{id: 50, ranking: 5}
	c := &fakeRef{id: 20, ranking: 10}

	refs := []ServiceReference{a, b, c}
	SortReferences(refs)

	assert.Equal(t, []ServiceReference{c, b, a}, refs)
}

func TestCompareReferences(t *testing.T) {
	low := &fakeRef{id: 1, ranking: 0}
	high := &fakeRef{id: 2, ranking: 3}
	older := &fakeRef{id: 3, ranking: 3}

	assert.Positive(t, CompareReferences(high, low))
	assert.Negative(t, CompareReferences(low, high))
	assert.Positive(t, CompareReferences(high, older))
	assert.Zero(t, CompareReferences(high, high))
}

type countingReactivator struct{ calls int }

func (c *countingReactivator) Reactivate(context.Context) { c.calls++ }

func TestActivateManagersDeduplicatesAndDrains(t *testing.T) {
	m := &countingReactivator{}
	event := NewServiceEvent(Registered, &fakeRef{id: 1})

	event.AddComponentManager(m)
	event.AddComponentManager(m)
	event.ActivateManagers(context.Background())
	event.ActivateManagers(context.Background())

	assert.Equal(t, 1, m.calls)
	assert.Equal(t, "REGISTERED", event.Type.String())
}
