package fs

import (
	"github.com/inokufu/ralph/internal/backends"
	"github.com/inokufu/ralph/internal/xapi"
)

type filter func(record) bool

func matchAll(filters []filter, rec record) bool {
	for _, f := range filters {
		if !f(rec) {
			return false
		}
	}
	return true
}

// buildFilters translates the canonical query into predicate closures applied
// to each scanned record, in order.
func buildFilters(q backends.Query) ([]filter, error) {
	var filters []filter

	if id, voided, ok := q.TargetID(); ok {
		filters = append(filters, func(rec record) bool {
			return rec.Statement.ID() == id && rec.Metadata.Voided == voided
		})
	} else {
		filters = append(filters, func(rec record) bool {
			return !rec.Metadata.Voided
		})
	}

	if !q.Agent.IsZero() {
		filters = append(filters, agentFilter(q.Agent, "actor", q.RelatedAgents))
	}
	if !q.Authority.IsZero() {
		filters = append(filters, agentFilter(q.Authority, "authority", false))
	}

	if q.Verb != "" {
		verb := q.Verb
		filters = append(filters, func(rec record) bool {
			return rec.Statement.VerbID() == verb
		})
	}

	if q.Activity != "" {
		activity := q.Activity
		if q.RelatedActivities {
			filters = append(filters, func(rec record) bool {
				return matchRelatedActivity(map[string]any(rec.Statement), activity)
			})
		} else {
			filters = append(filters, func(rec record) bool {
				return rec.Statement.ObjectID() == activity
			})
		}
	}

	if q.Registration != "" {
		registration := q.Registration
		filters = append(filters, func(rec record) bool {
			context, _ := rec.Statement["context"].(map[string]any)
			reg, _ := context["registration"].(string)
			return reg == registration
		})
	}

	if q.Since != "" {
		since, ok := xapi.ParseTime(q.Since)
		if !ok {
			return nil, backends.Parameterf("invalid since timestamp %q", q.Since)
		}
		filters = append(filters, func(rec record) bool {
			ts, ok := rec.Statement.ParseTimestamp()
			return ok && ts.After(since)
		})
	}
	if q.Until != "" {
		until, ok := xapi.ParseTime(q.Until)
		if !ok {
			return nil, backends.Parameterf("invalid until timestamp %q", q.Until)
		}
		filters = append(filters, func(rec record) bool {
			ts, ok := rec.Statement.ParseTimestamp()
			return ok && !ts.After(until)
		})
	}

	if q.SearchAfter != "" {
		// Stateful: skip everything up to and including the cursor
		// statement, then let the rest through. Resumption cost is O(n).
		seen := false
		cursor := q.SearchAfter
		filters = append(filters, func(rec record) bool {
			if seen {
				return true
			}
			if rec.Statement.ID() == cursor {
				seen = true
			}
			return false
		})
	}

	return filters, nil
}

// agentFilter matches the winning identifier of params against the agent at
// the given statement position. With related, the match widens to every agent
// position, recursing into sub-statements.
func agentFilter(params backends.AgentParams, field string, related bool) filter {
	match := func(agent map[string]any) bool {
		if agent == nil {
			return false
		}
		if name, value, ok := params.Identifier(); ok {
			s, _ := agent[name].(string)
			return s == value
		}
		account, _ := agent["account"].(map[string]any)
		name, _ := account["name"].(string)
		home, _ := account["homePage"].(string)
		return name == params.AccountName && home == params.AccountHomePage
	}
	if !related {
		return func(rec record) bool {
			agent, _ := rec.Statement[field].(map[string]any)
			return match(agent)
		}
	}
	return func(rec record) bool {
		return matchRelatedAgent(map[string]any(rec.Statement), match)
	}
}

// relatedAgents yields the statement positions an agent can occupy: actor,
// object, authority, context instructor and context team.
func relatedAgents(statement map[string]any) []map[string]any {
	get := func(m map[string]any, key string) map[string]any {
		v, _ := m[key].(map[string]any)
		return v
	}
	context := get(statement, "context")
	return []map[string]any{
		get(statement, "actor"),
		get(statement, "object"),
		get(statement, "authority"),
		get(context, "instructor"),
		get(context, "team"),
	}
}

func matchRelatedAgent(statement map[string]any, match func(map[string]any) bool) bool {
	for _, agent := range relatedAgents(statement) {
		if match(agent) {
			return true
		}
	}
	object, _ := statement["object"].(map[string]any)
	if t, _ := object["objectType"].(string); t == "SubStatement" {
		return matchRelatedAgent(object, match)
	}
	return false
}

func matchRelatedActivity(statement map[string]any, activityID string) bool {
	object, _ := statement["object"].(map[string]any)
	if id, _ := object["id"].(string); id == activityID {
		return true
	}
	context, _ := statement["context"].(map[string]any)
	activities, _ := context["contextActivities"].(map[string]any)
	for _, group := range activities {
		switch group := group.(type) {
		case map[string]any:
			if id, _ := group["id"].(string); id == activityID {
				return true
			}
		case []any:
			for _, activity := range group {
				m, _ := activity.(map[string]any)
				if id, _ := m["id"].(string); id == activityID {
					return true
				}
			}
		}
	}
	if t, _ := object["objectType"].(string); t == "SubStatement" {
		return matchRelatedActivity(object, activityID)
	}
	return false
}
