// Package knowledge defines the observation/triple typing (SPEC_FULL
// §4.15, C15) agents use to record structured facts about a codebase:
// categorized observations and a closed-vocabulary relationship graph
// between them.
package knowledge

import (
	"fmt"

	"github.com/agenttrace/core/internal/domain"
	"github.com/agenttrace/core/internal/domain/edge"
)

// Category is the top-level observation category named in spec §3.
type Category string

const (
	CategoryDevelopment   Category = "development"
	CategoryArchitecture  Category = "architecture"
	CategoryInvestigation Category = "investigation"
	CategoryDocumentation Category = "documentation"
	CategoryOther         Category = "other"
)

// observationType is a category's fixed type vocabulary, plus the escape
// hatch Custom(string) each category allows.
type observationType struct {
	name   string
	custom string // set only when name == "custom"
}

// Custom constructs the category's Custom(value) escape type.
func Custom(value string) observationType {
	return observationType{name: "custom", custom: value}
}

func fixed(name string) observationType { return observationType{name: name} }

// String renders "custom(value)" for the escape case, or the bare type
// name otherwise.
func (t observationType) String() string {
	if t.name == "custom" {
		return fmt.Sprintf("custom(%s)", t.custom)
	}
	return t.name
}

var categoryTypes = map[Category]map[string]bool{
	CategoryDevelopment:   {"feature": true, "bugfix": true, "refactor": true, "test": true},
	CategoryArchitecture:  {"component": true, "dependency": true, "pattern": true, "boundary": true},
	CategoryInvestigation: {"hypothesis": true, "finding": true, "dead_end": true},
	CategoryDocumentation: {"api": true, "guide": true, "changelog": true},
	CategoryOther:         {},
}

// ValidType reports whether t is one of category's fixed types, or the
// custom escape.
func ValidType(category Category, t observationType) bool {
	if t.name == "custom" {
		return true
	}
	types, ok := categoryTypes[category]
	if !ok {
		return false
	}
	if category == CategoryOther {
		return true
	}
	return types[t.name]
}

// Observation is one categorized, typed fact recorded against a session.
type Observation struct {
	ID         string
	Category   Category
	Type       observationType
	Content    string
	SourceEdge *edge.ID
	Confidence float32
}

// Validate checks category/type consistency and the confidence bound.
func (o Observation) Validate() error {
	if !ValidType(o.Category, o.Type) {
		return fmt.Errorf("%w: observation type %q is not valid for category %q", domain.ErrValidation, o.Type, o.Category)
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("%w: observation confidence %f out of [0,1]", domain.ErrValidation, o.Confidence)
	}
	if o.Content == "" {
		return fmt.Errorf("%w: observation content must not be empty", domain.ErrValidation)
	}
	return nil
}

// Predicate is the closed vocabulary a Triple's relation may take.
type Predicate string

const (
	PredicateDependsOn Predicate = "depends_on"
	PredicateCalls     Predicate = "calls"
	PredicateUses      Predicate = "uses"
	PredicateBreaks    Predicate = "breaks"
	PredicateFixedBy   Predicate = "fixed_by"
	PredicateContains  Predicate = "contains"
	PredicatePartOf    Predicate = "part_of"
	PredicateProduces  Predicate = "produces"
	PredicateConsumes  Predicate = "consumes"
	PredicateCauses    Predicate = "causes"
	PredicateRelatedTo Predicate = "related_to"
	PredicateSimilarTo Predicate = "similar_to"
)

var validPredicates = map[Predicate]bool{
	PredicateDependsOn: true, PredicateCalls: true, PredicateUses: true,
	PredicateBreaks: true, PredicateFixedBy: true, PredicateContains: true,
	PredicatePartOf: true, PredicateProduces: true, PredicateConsumes: true,
	PredicateCauses: true, PredicateRelatedTo: true, PredicateSimilarTo: true,
}

// Triple is a directed relationship between two observations (referenced
// by opaque id, never by pointer, so the graph tolerates cycles).
type Triple struct {
	Subject    string
	Predicate  Predicate
	Object     string
	Confidence float32
	SourceEdge *edge.ID
}

// Validate checks the predicate vocabulary and confidence bound.
func (t Triple) Validate() error {
	if !validPredicates[t.Predicate] {
		return fmt.Errorf("%w: unknown triple predicate %q", domain.ErrValidation, t.Predicate)
	}
	if t.Subject == "" || t.Object == "" {
		return fmt.Errorf("%w: triple subject and object must not be empty", domain.ErrValidation)
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return fmt.Errorf("%w: triple confidence %f out of [0,1]", domain.ErrValidation, t.Confidence)
	}
	return nil
}

// Predefined observation types, exported for callers constructing
// Observations without spelling out the fixed() helper.
var (
	TypeFeature     = fixed("feature")
	TypeBugfix      = fixed("bugfix")
	TypeRefactor    = fixed("refactor")
	TypeTest        = fixed("test")
	TypeComponent   = fixed("component")
	TypeDependency  = fixed("dependency")
	TypePattern     = fixed("pattern")
	TypeBoundary    = fixed("boundary")
	TypeHypothesis  = fixed("hypothesis")
	TypeFinding     = fixed("finding")
	TypeDeadEnd     = fixed("dead_end")
	TypeAPI         = fixed("api")
	TypeGuide       = fixed("guide")
	TypeChangelog   = fixed("changelog")
)
