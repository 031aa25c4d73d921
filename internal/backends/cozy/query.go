package cozy

import (
	"github.com/inokufu/ralph/internal/backends"
)

// buildFindQuery translates the canonical query into a mango query over the
// wrapped source documents.
func buildFindQuery(q backends.Query) (FindQuery, error) {
	selector := map[string]any{}

	if id, voided, ok := q.TargetID(); ok {
		selector["source.statement.id"] = id
		selector["source.metadata.voided"] = voided
	} else {
		selector["source.metadata.voided"] = false
	}

	if !q.Agent.IsZero() {
		addAgentSelector(selector, q.Agent, "actor", q.RelatedAgents)
	}
	if !q.Authority.IsZero() {
		addAgentSelector(selector, q.Authority, "authority", false)
	}

	if q.Verb != "" {
		selector["source.statement.verb.id"] = q.Verb
	}
	if q.Activity != "" {
		if q.RelatedActivities {
			addRelatedActivitySelector(selector, q.Activity)
		} else {
			selector["source.statement.object.id"] = q.Activity
		}
	}
	if q.Registration != "" {
		selector["source.statement.context.registration"] = q.Registration
	}

	if q.Since != "" || q.Until != "" {
		rangeSel := map[string]any{}
		if q.Since != "" {
			rangeSel["$gt"] = q.Since
		}
		if q.Until != "" {
			rangeSel["$lte"] = q.Until
		}
		selector["source.statement.timestamp"] = rangeSel
	}

	dir := "desc"
	if q.Ascending {
		dir = "asc"
	}
	return FindQuery{
		Selector: selector,
		Limit:    q.Limit,
		Sort: []map[string]string{
			{"source.statement.timestamp": dir},
			{"source.statement.id": dir},
		},
		Bookmark: q.SearchAfter,
		Fields:   []string{"_id", "_rev", "source"},
	}, nil
}

// addAgentSelector matches the winning identifier at the given position;
// with related it becomes an $or over every agent position, one level of
// sub-statement included.
func addAgentSelector(selector map[string]any, params backends.AgentParams, field string, related bool) {
	fields := func(prefix string) map[string]any {
		if name, value, ok := params.Identifier(); ok {
			return map[string]any{prefix + "." + name: value}
		}
		return map[string]any{
			prefix + ".account.name":     params.AccountName,
			prefix + ".account.homePage": params.AccountHomePage,
		}
	}
	if !related {
		for k, v := range fields("source.statement." + field) {
			selector[k] = v
		}
		return
	}
	positions := []string{
		"actor", "object", "authority", "context.instructor", "context.team",
		"object.actor", "object.object", "object.context.instructor", "object.context.team",
	}
	var alts []any
	for _, pos := range positions {
		alts = append(alts, fields("source.statement."+pos))
	}
	addOr(selector, alts)
}

// addRelatedActivitySelector widens the activity match to the context
// activity lists and one level of sub-statement. Groups may hold a single
// object or an array; $elemMatch covers the array shape.
func addRelatedActivitySelector(selector map[string]any, activityID string) {
	var alts []any
	for _, base := range []string{"source.statement", "source.statement.object"} {
		alts = append(alts, map[string]any{base + ".object.id": activityID})
		for _, group := range []string{"parent", "grouping", "category", "other"} {
			path := base + ".context.contextActivities." + group
			alts = append(alts,
				map[string]any{path + ".id": activityID},
				map[string]any{path: map[string]any{"$elemMatch": map[string]any{"id": activityID}}},
			)
		}
	}
	addOr(selector, alts)
}

// addOr stacks disjunctions under $and so several widened filters can
// coexist in one selector.
func addOr(selector map[string]any, alts []any) {
	and, _ := selector["$and"].([]any)
	selector["$and"] = append(and, map[string]any{"$or": alts})
}
