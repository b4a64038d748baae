package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotSortsByURL(t *testing.T) {
	s := NewSnapshot([]Endpoint{
		{URL: "http://c", Model: "m"},
		{URL: "http://a", Model: "m"},
		{URL: "http://b", Model: "m"},
	})

	urls := make([]string, 0, 3)
	for _, e := range s.Endpoints() {
		urls = append(urls, e.URL)
	}
	assert.Equal(t, []string{"http://a", "http://b", "http://c"}, urls)
}

func TestSnapshotForModelFiltersAndPreservesOrder(t *testing.T) {
	s := NewSnapshot([]Endpoint{
		{URL: "http://b", Model: "m2"},
		{URL: "http://a", Model: "m1"},
		{URL: "http://c", Model: "m1"},
	})

	got := s.ForModel("m1")
	assert.Len(t, got, 2)
	assert.Equal(t, "http://a", got[0].URL)
	assert.Equal(t, "http://c", got[1].URL)
}

func TestSnapshotModelsDeduplicates(t *testing.T) {
	s := NewSnapshot([]Endpoint{
		{URL: "http://a", Model: "m"},
		{URL: "http://b", Model: "m"},
		{URL: "http://c", Model: "n"},
	})
	assert.ElementsMatch(t, []string{"m", "n"}, s.Models())
}

func TestSnapshotLookup(t *testing.T) {
	s := NewSnapshot([]Endpoint{{URL: "http://a", Model: "m"}})
	e, ok := s.Lookup("http://a")
	assert.True(t, ok)
	assert.Equal(t, "m", e.Model)

	_, ok = s.Lookup("http://missing")
	assert.False(t, ok)
}

func TestRegistryPublishIsVisibleToReaders(t *testing.T) {
	r := New()
	assert.Empty(t, r.Current().Endpoints())

	r.Publish(NewSnapshot([]Endpoint{{URL: "http://a", Model: "m"}}))
	assert.Len(t, r.Current().Endpoints(), 1)
}

func TestNewSnapshotNilSafe(t *testing.T) {
	var s *Snapshot
	assert.Nil(t, s.Endpoints())
	assert.Nil(t, s.ForModel("x"))
	assert.Nil(t, s.Models())
	_, ok := s.Lookup("x")
	assert.False(t, ok)
}
