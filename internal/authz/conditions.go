package authz

import (
	"fmt"
	"time"

	"admin-security/internal/models"
)

// Condition is a predicate attached to a permission. The set of implementations
// is closed; Evaluate switches over every variant.
type Condition interface {
	Kind() string
	condition()
}

type OwnOnly struct{}

type SameDepartment struct{}

type MaxRecords struct {
	Limit int
}

type CreatedAfter struct {
	After time.Time
}

type ExcludeFields struct {
	Fields []string
}

func (OwnOnly) Kind() string        { return models.ConditionOwnOnly }
func (SameDepartment) Kind() string { return models.ConditionSameDepartment }
func (MaxRecords) Kind() string     { return models.ConditionMaxRecords }
func (CreatedAfter) Kind() string   { return models.ConditionCreatedAfter }
func (ExcludeFields) Kind() string  { return models.ConditionExcludeFields }

func (OwnOnly) condition()        {}
func (SameDepartment) condition() {}
func (MaxRecords) condition()     {}
func (CreatedAfter) condition()   {}
func (ExcludeFields) condition()  {}

// RequestContext carries the facts about the target of an authorization
// request. Zero values mean "not supplied".
type RequestContext struct {
	IP               string
	ActorID          string
	ActorDepartment  string
	OwnerID          string
	TargetDepartment string
	RecordCount      int
	ResourceCreated  time.Time
	Fields           []string
}

// ParseCondition converts a stored spec into its typed variant.
func ParseCondition(spec models.ConditionSpec) (Condition, error) {
	switch spec.Kind {
	case models.ConditionOwnOnly:
		return OwnOnly{}, nil
	case models.ConditionSameDepartment:
		return SameDepartment{}, nil
	case models.ConditionMaxRecords:
		if spec.Limit <= 0 {
			return nil, models.NewValidationError("conditions.limit", "must be positive")
		}
		return MaxRecords{Limit: spec.Limit}, nil
	case models.ConditionCreatedAfter:
		if spec.After.IsZero() {
			return nil, models.NewValidationError("conditions.after", "required")
		}
		return CreatedAfter{After: spec.After}, nil
	case models.ConditionExcludeFields:
		if len(spec.Fields) == 0 {
			return nil, models.NewValidationError("conditions.fields", "required")
		}
		return ExcludeFields{Fields: append([]string(nil), spec.Fields...)}, nil
	default:
		return nil, models.NewValidationError("conditions.kind", fmt.Sprintf("unknown condition %q", spec.Kind))
	}
}

// ParseConditions converts every spec, failing on the first invalid one.
func ParseConditions(specs []models.ConditionSpec) ([]Condition, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make([]Condition, 0, len(specs))
	for _, spec := range specs {
		c, err := ParseCondition(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Evaluate reports whether c holds for ctx. Missing context fails closed.
func Evaluate(c Condition, ctx RequestContext) bool {
	switch cond := c.(type) {
	case OwnOnly:
		return ctx.ActorID != "" && ctx.OwnerID != "" && ctx.ActorID == ctx.OwnerID
	case SameDepartment:
		return ctx.ActorDepartment != "" && ctx.TargetDepartment != "" &&
			ctx.ActorDepartment == ctx.TargetDepartment
	case MaxRecords:
		return ctx.RecordCount > 0 && ctx.RecordCount <= cond.Limit
	case CreatedAfter:
		return !ctx.ResourceCreated.IsZero() && ctx.ResourceCreated.After(cond.After)
	case ExcludeFields:
		// no explicit projection means every field would be returned
		if len(ctx.Fields) == 0 {
			return false
		}
		for _, f := range ctx.Fields {
			for _, excluded := range cond.Fields {
				if f == excluded {
					return false
				}
			}
		}
		return true
	default:
		return false
	}
}

// CheckConditions evaluates every condition; all must hold.
func CheckConditions(conds []Condition, ctx RequestContext) bool {
	for _, c := range conds {
		if !Evaluate(c, ctx) {
			return false
		}
	}
	return true
}
