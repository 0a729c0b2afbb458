package routing

import (
	"testing"

	"github.com/google/uuid"
)

func TestCacheInvalidate(t *testing.T) {
	s, err := NewService(nil, nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	areaID := uuid.New()
	s.cache.Add(areaID, &cacheEntry{version: 1, graph: NewGraph()})

	s.Invalidate(areaID)

	if _, ok := s.cache.Get(areaID); ok {
		t.Error("entry should be gone after Invalidate")
	}
}
