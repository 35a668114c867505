package merge

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/inovacc/tillsync/internal/model"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func stamp(wall int64, logical uint64, device string) model.VersionStamp {
	return model.VersionStamp{WallClock: wall, Logical: logical, DeviceID: device}
}

func product(payload string, v model.VersionStamp) model.Record {
	return model.Record{Collection: "products", ID: "p1", Payload: []byte(payload), Version: v}
}

func tombstone(v model.VersionStamp) model.Record {
	at := time.UnixMilli(v.WallClock).UTC()
	return model.Record{Collection: "products", ID: "p1", Version: v, DeletedAt: &at}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b model.VersionStamp
		want int
	}{
		{"equal", stamp(10, 1, "a"), stamp(10, 1, "a"), 0},
		{"wall clock wins first", stamp(11, 0, "a"), stamp(10, 99, "z"), 1},
		{"logical breaks wall tie", stamp(10, 2, "a"), stamp(10, 1, "z"), 1},
		{"device breaks full tie", stamp(10, 1, "a"), stamp(10, 1, "b"), -1},
		{"older wall loses", stamp(9, 5, "z"), stamp(10, 0, "a"), -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.a, tt.b))
			assert.Equal(t, -tt.want, Compare(tt.b, tt.a))
		})
	}
}

func TestResolve(t *testing.T) {
	older := product("old", stamp(100, 1, "dev-a"))
	newer := product("new", stamp(200, 1, "dev-b"))

	t.Run("absent existing takes incoming", func(t *testing.T) {
		assert.Equal(t, older, Resolve(nil, older))
	})

	t.Run("newer incoming wins", func(t *testing.T) {
		assert.Equal(t, newer, Resolve(&older, newer))
	})

	t.Run("stale incoming ignored", func(t *testing.T) {
		assert.Equal(t, newer, Resolve(&newer, older))
		assert.False(t, Supersedes(&newer, older))
	})

	t.Run("replay is a no-op", func(t *testing.T) {
		assert.False(t, Supersedes(&newer, newer))
	})

	t.Run("same stamp different body is deterministic", func(t *testing.T) {
		a := product("a", stamp(300, 1, "dev-a"))
		b := product("b", stamp(300, 1, "dev-a"))
		assert.Equal(t, Resolve(&a, b).Digest(), Resolve(&b, a).Digest())
	})
}

func TestTombstoneSuppressesStaleCreate(t *testing.T) {
	v1 := stamp(1_000, 1, "kiosk")
	v2 := stamp(2_000, 1, "owner")

	deleted := tombstone(v2)
	staleCreate := product("resurrected", v1)

	got := Resolve(&deleted, staleCreate)
	assert.True(t, got.IsTombstone())
	assert.Equal(t, v2, got.Version)

	got = Resolve(&staleCreate, deleted)
	assert.True(t, got.IsTombstone())
}

func TestFold(t *testing.T) {
	_, ok := Fold(nil)
	assert.False(t, ok)

	records := []model.Record{
		product("a", stamp(1, 1, "x")),
		product("c", stamp(3, 1, "x")),
		product("b", stamp(2, 1, "x")),
	}

	winner, ok := Fold(records)
	assert.True(t, ok)
	assert.Equal(t, "c", string(winner.Payload))
}

// recordFromSeed builds a record with a small value space so collisions on
// every stamp component are common.
func recordFromSeed(seed int) model.Record {
	devices := []string{"owner", "staff-1", "staff-2", "kiosk"}
	v := stamp(int64(seed/5), uint64(seed%3), devices[seed%len(devices)])

	if seed%7 == 0 {
		return tombstone(v)
	}

	return product(fmt.Sprintf("payload-%d", seed%11), v)
}

func TestProperty_FoldIsOrderIndependent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("any permutation folds to the same winner", prop.ForAll(
		func(seeds []int, shuffleSeed int64) bool {
			if len(seeds) == 0 {
				return true
			}

			records := make([]model.Record, len(seeds))
			for i, s := range seeds {
				records[i] = recordFromSeed(s)
			}

			shuffled := append([]model.Record(nil), records...)
			rng := rand.New(rand.NewSource(shuffleSeed))
			rng.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			a, _ := Fold(records)
			b, _ := Fold(shuffled)

			if a.Version != b.Version || a.Digest() != b.Digest() {
				t.Logf("diverged: %s vs %s", a.Version, b.Version)
				return false
			}

			return true
		},
		gen.SliceOf(gen.IntRange(0, 60)),
		gen.Int64(),
	))

	properties.Property("resolve is commutative", prop.ForAll(
		func(x, y int) bool {
			a, b := recordFromSeed(x), recordFromSeed(y)
			return Resolve(&a, b).Digest() == Resolve(&b, a).Digest() &&
				Resolve(&a, b).Version == Resolve(&b, a).Version
		},
		gen.IntRange(0, 60),
		gen.IntRange(0, 60),
	))

	properties.Property("resolve is associative", prop.ForAll(
		func(x, y, z int) bool {
			a, b, c := recordFromSeed(x), recordFromSeed(y), recordFromSeed(z)

			ab := Resolve(&a, b)
			left := Resolve(&ab, c)

			bc := Resolve(&b, c)
			right := Resolve(&a, bc)

			return left.Version == right.Version && left.Digest() == right.Digest()
		},
		gen.IntRange(0, 60),
		gen.IntRange(0, 60),
		gen.IntRange(0, 60),
	))

	properties.TestingRun(t)
}
