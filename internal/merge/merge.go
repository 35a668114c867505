// Package merge decides which of two versions of the same record wins.
//
// The policy is last-writer-wins over the total order of
// [model.VersionStamp]: wall clock first, then the logical counter, then
// the device id. Tombstones take part in the order like any other record,
// so a delete with a newer stamp suppresses every older live copy.
//
// Resolve is pure and commutative, which is what lets every device that
// eventually sees the same set of records, in any order, settle on the
// same winner without coordinating.
package merge

import (
	"strings"

	"github.com/inovacc/tillsync/internal/model"
)

// Compare orders two version stamps. It returns -1 if a < b, 0 if equal and +1 if a > b.
func Compare(a, b model.VersionStamp) int {
	switch {
	case a.WallClock < b.WallClock:
		return -1
	case a.WallClock > b.WallClock:
		return 1
	}

	switch {
	case a.Logical < b.Logical:
		return -1
	case a.Logical > b.Logical:
		return 1
	}

	return strings.Compare(a.DeviceID, b.DeviceID)
}

// CompareRecords orders two records of the same key. Equal stamps fall back to the
// body digest so that two distinct bodies carrying the same stamp still have a
// deterministic winner.
func CompareRecords(a, b model.Record) int {
	if c := Compare(a.Version, b.Version); c != 0 {
		return c
	}

	return strings.Compare(a.Digest(), b.Digest())
}

// Resolve returns the winning record. A nil existing record always loses.
// On a full tie the existing record is kept, which makes replays a no-op.
func Resolve(existing *model.Record, incoming model.Record) model.Record {
	if existing == nil {
		return incoming
	}

	if CompareRecords(incoming, *existing) > 0 {
		return incoming
	}

	return *existing
}

// Supersedes reports whether incoming would replace existing.
func Supersedes(existing *model.Record, incoming model.Record) bool {
	if existing == nil {
		return true
	}

	return CompareRecords(incoming, *existing) > 0
}

// Fold resolves a sequence of records for the same key down to the winner.
// It reports false when records is empty.
func Fold(records []model.Record) (model.Record, bool) {
	if len(records) == 0 {
		return model.Record{}, false
	}

	winner := records[0]
	for _, rec := range records[1:] {
		winner = Resolve(&winner, rec)
	}

	return winner, true
}
