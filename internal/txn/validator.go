package txn

import (
	"sort"

	"github.com/devrev/pairdb/txnstore/internal/model"
)

// ReadSet maps each explicitly read key to the version observed
type ReadSet map[string]uint64

// WriteSet maps each buffered key to its new value
type WriteSet map[string][]byte

// CASSet maps each compare-and-set key to the caller's expected version
type CASSet map[string]uint64

// Versioner exposes live per-key versions to the validator
type Versioner interface {
	Version(key string) uint64
}

// ValidationInput is everything a transaction hands to validation
type ValidationInput struct {
	Reads        ReadSet
	Writes       WriteSet
	CAS          CASSet
	StartVersion uint64
}

// ValidationResult lists every conflict found. Conflicts are ordered by key,
// with a read-write conflict ahead of a CAS conflict on the same key.
type ValidationResult struct {
	Conflicts []model.Conflict
}

// OK reports whether the transaction may commit
func (r ValidationResult) OK() bool {
	return len(r.Conflicts) == 0
}

// Validate checks a transaction against live versions. It has no side
// effects and never stops at the first conflict.
//
// Only the read-set and CAS-set can conflict. A key that was written but
// never read is a blind write and always passes; the later committer wins.
// A CAS expectation of 0 requires the key to be absent.
func Validate(in ValidationInput, live Versioner) ValidationResult {
	var conflicts []model.Conflict

	for key, seen := range in.Reads {
		if cur := live.Version(key); cur != seen {
			conflicts = append(conflicts, model.ReadWriteConflict{
				Key:            key,
				ReadVersion:    seen,
				CurrentVersion: cur,
			})
		}
	}

	for key, expected := range in.CAS {
		if cur := live.Version(key); cur != expected {
			conflicts = append(conflicts, model.CASConflict{
				Key:             key,
				ExpectedVersion: expected,
				CurrentVersion:  cur,
			})
		}
	}

	sort.Slice(conflicts, func(i, j int) bool {
		ki, kj := conflicts[i].ConflictKey(), conflicts[j].ConflictKey()
		if ki != kj {
			return ki < kj
		}
		return conflicts[i].Kind() == model.ConflictKindReadWrite && conflicts[j].Kind() != model.ConflictKindReadWrite
	})

	return ValidationResult{Conflicts: conflicts}
}

// involvedKeys returns the union of read, write and CAS keys, sorted
func involvedKeys(in ValidationInput) []string {
	seen := make(map[string]struct{}, len(in.Reads)+len(in.Writes)+len(in.CAS))
	for k := range in.Reads {
		seen[k] = struct{}{}
	}
	for k := range in.Writes {
		seen[k] = struct{}{}
	}
	for k := range in.CAS {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
