package filter

import (
	"errors"
	"fmt"
)

// Category names a sensitivity class of user context.
type Category string

const (
	CategoryGeneralMood        Category = "general_mood"
	CategoryBasicStatus        Category = "basic_status"
	CategoryActivities         Category = "activities"
	CategoryInterests          Category = "interests"
	CategoryGeneralLifeUpdates Category = "general_life_updates"
	CategoryFamilyIssues       Category = "family_issues"
	CategoryFinancialInfo      Category = "financial_info"
	CategoryIntimateDetails    Category = "intimate_details"
	CategoryPrivateThoughts    Category = "private_thoughts"
)

// knownCategories is the closed set of categories the policy tables cover.
// A snapshot category outside this set is denied for every relationship.
var knownCategories = map[Category]bool{
	CategoryGeneralMood:        true,
	CategoryBasicStatus:        true,
	CategoryActivities:         true,
	CategoryInterests:          true,
	CategoryGeneralLifeUpdates: true,
	CategoryFamilyIssues:       true,
	CategoryFinancialInfo:      true,
	CategoryIntimateDetails:    true,
	CategoryPrivateThoughts:    true,
}

// KnownCategories returns the closed category set covered by the baseline
// policy tables.
func KnownCategories() []Category {
	out := make([]Category, 0, len(knownCategories))
	for c := range knownCategories {
		out = append(out, c)
	}
	return out
}

// RelationshipType classifies the social connection between two users.
type RelationshipType uint8

const (
	// RelationshipStranger is the fail-closed default for unknown users.
	RelationshipStranger RelationshipType = iota
	RelationshipFriend
	RelationshipFamily
	// RelationshipCustom is the friend baseline narrowed by user-defined
	// hidden-topic tags.
	RelationshipCustom
)

// String returns the lowercase name of the relationship type.
func (t RelationshipType) String() string {
	switch t {
	case RelationshipStranger:
		return "stranger"
	case RelationshipFriend:
		return "friend"
	case RelationshipFamily:
		return "family"
	case RelationshipCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// ParseRelationshipType converts a string to a RelationshipType. Anything
// unrecognized maps to stranger, keeping the default fail-closed.
func ParseRelationshipType(s string) RelationshipType {
	switch s {
	case "friend":
		return RelationshipFriend
	case "family":
		return RelationshipFamily
	case "custom":
		return RelationshipCustom
	default:
		return RelationshipStranger
	}
}

// Relationship is a directed fact about how the local user relates to a
// remote user. HiddenTags apply only to custom relationships and may only
// narrow sharing. Unhidden applies only to family relationships and may
// only re-allow private_thoughts.
type Relationship struct {
	Type       RelationshipType
	HiddenTags []Category
	Unhidden   []Category
}

// Stranger returns the fail-closed default relationship.
func Stranger() Relationship {
	return Relationship{Type: RelationshipStranger}
}

var (
	// ErrPolicyWidening indicates a relationship whose tags would widen the
	// baseline policy. Widening is never permitted.
	ErrPolicyWidening = errors.New("relationship tags would widen baseline policy")
)

// strangerAllowed and friendAllowed are the baseline allowed sets. Family
// allows every known category except private_thoughts; anything not in a
// type's allowed set is denied.
var strangerAllowed = map[Category]bool{
	CategoryGeneralMood: true,
	CategoryBasicStatus: true,
}

var friendAllowed = map[Category]bool{
	CategoryGeneralMood:        true,
	CategoryBasicStatus:        true,
	CategoryActivities:         true,
	CategoryInterests:          true,
	CategoryGeneralLifeUpdates: true,
}

// baselineAllowed returns the allowed category set for a relationship type,
// before per-relationship tags are applied. Custom starts from the friend
// baseline.
func baselineAllowed(t RelationshipType) map[Category]bool {
	switch t {
	case RelationshipStranger:
		return strangerAllowed
	case RelationshipFriend, RelationshipCustom:
		return friendAllowed
	case RelationshipFamily:
		allowed := make(map[Category]bool, len(knownCategories))
		for c := range knownCategories {
			if c != CategoryPrivateThoughts {
				allowed[c] = true
			}
		}
		return allowed
	default:
		// Unknown relationship types share nothing.
		return map[Category]bool{}
	}
}

// Validate checks the hard policy invariants on a relationship: tags may
// only narrow the baseline, never widen it. Called before every send.
func Validate(rel Relationship) error {
	if len(rel.HiddenTags) > 0 && rel.Type != RelationshipCustom {
		return fmt.Errorf("%w: hidden tags on %s relationship", ErrPolicyWidening, rel.Type)
	}

	for _, c := range rel.Unhidden {
		if rel.Type != RelationshipFamily || c != CategoryPrivateThoughts {
			return fmt.Errorf("%w: un-hiding %q on %s relationship", ErrPolicyWidening, c, rel.Type)
		}
	}

	return nil
}

// Allowed computes the effective allowed set for a relationship: the
// baseline for its type, minus hidden tags, plus the single family un-hide
// exception. Hidden tags naming baseline-denied categories are no-ops, so
// application is monotonically restrictive relative to baseline.
func Allowed(rel Relationship) map[Category]bool {
	baseline := baselineAllowed(rel.Type)

	allowed := make(map[Category]bool, len(baseline))
	for c := range baseline {
		allowed[c] = true
	}

	if rel.Type == RelationshipCustom {
		for _, tag := range rel.HiddenTags {
			delete(allowed, tag)
		}
	}

	if rel.Type == RelationshipFamily {
		for _, c := range rel.Unhidden {
			if c == CategoryPrivateThoughts {
				allowed[c] = true
			}
		}
	}

	return allowed
}
