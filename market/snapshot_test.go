package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewSnapshot(t *testing.T) {
	now := time.Now()
	s := NewSnapshot("ETHUSDC", []Level{{Price: 99, Size: 1}}, []Level{{Price: 101, Size: 2}}, now)
	assert.Equal(t, 100.0, s.Mid)
	assert.Equal(t, 2.0, s.Spread())
	assert.True(t, s.Valid())
	assert.Equal(t, 5*time.Second, s.Age(now.Add(5*time.Second)))
}

func TestSnapshotInvalid(t *testing.T) {
	assert.False(t, Snapshot{}.Valid())
	crossed := Snapshot{Mid: 100, BestBid: 101, BestAsk: 99}
	assert.False(t, crossed.Valid())
	oneSided := NewSnapshot("ETHUSDC", []Level{{Price: 99, Size: 1}}, nil, time.Now())
	assert.False(t, oneSided.Valid())
	assert.Equal(t, 0.0, oneSided.Spread())
}
