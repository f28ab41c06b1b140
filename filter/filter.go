package filter

import (
	"github.com/sirupsen/logrus"
)

// Snapshot is a point-in-time set of shareable facts about a user, keyed by
// sensitivity category. Snapshots are produced fresh for every send cycle
// and never cached, so a relationship change takes effect immediately.
type Snapshot map[Category]string

// Apply computes the subset of a snapshot permitted to cross the trust
// boundary for the given relationship. It is pure and total:
//
//   - categories outside the relationship's allowed set are dropped,
//   - categories not in the known set are dropped (fail-closed),
//   - an empty or nil snapshot yields an empty snapshot.
//
// The returned snapshot is always a fresh map; the input is never mutated.
func Apply(snapshot Snapshot, rel Relationship) Snapshot {
	allowed := Allowed(rel)
	filtered := make(Snapshot, len(snapshot))

	for category, value := range snapshot {
		if !knownCategories[category] {
			// Fail closed: a category the policy tables do not cover is
			// never shared, for any relationship.
			logrus.WithFields(logrus.Fields{
				"function": "Apply",
				"category": string(category),
			}).Warn("Dropping unrecognized context category")
			continue
		}
		if !allowed[category] {
			continue
		}
		filtered[category] = value
	}

	return filtered
}
