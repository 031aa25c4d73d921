package es

import (
	"strings"

	"github.com/inokufu/ralph/internal/backends"
)

// buildSearch translates the canonical query into a search body: bool filter
// clauses, deterministic sort, and the resumed search_after tuple.
func buildSearch(q backends.Query) (map[string]any, error) {
	var filters []map[string]any

	if id, voided, ok := q.TargetID(); ok {
		filters = append(filters,
			term("_id", id),
			term("metadata.voided", voided),
		)
	} else {
		filters = append(filters, term("metadata.voided", false))
	}

	if !q.Agent.IsZero() {
		filters = append(filters, agentFilter(q.Agent, "actor", q.RelatedAgents))
	}
	if !q.Authority.IsZero() {
		filters = append(filters, agentFilter(q.Authority, "authority", false))
	}

	if q.Verb != "" {
		filters = append(filters, term("statement.verb.id.keyword", q.Verb))
	}
	if q.Activity != "" {
		if q.RelatedActivities {
			filters = append(filters, relatedActivityFilter(q.Activity))
		} else {
			filters = append(filters, term("statement.object.id.keyword", q.Activity))
		}
	}
	if q.Registration != "" {
		filters = append(filters, term("statement.context.registration.keyword", q.Registration))
	}

	if q.Since != "" {
		filters = append(filters, map[string]any{
			"range": map[string]any{"statement.timestamp": map[string]any{"gt": q.Since}},
		})
	}
	if q.Until != "" {
		filters = append(filters, map[string]any{
			"range": map[string]any{"statement.timestamp": map[string]any{"lte": q.Until}},
		})
	}

	dir := "desc"
	if q.Ascending {
		dir = "asc"
	}
	body := map[string]any{
		"query": map[string]any{"bool": map[string]any{"filter": filters}},
		"sort": []any{
			map[string]any{"statement.timestamp": map[string]any{"order": dir}},
			map[string]any{"_shard_doc": map[string]any{"order": dir}},
		},
	}
	if q.Limit > 0 {
		body["size"] = q.Limit
	}
	if q.SearchAfter != "" {
		parts := strings.Split(q.SearchAfter, "|")
		tuple := make([]any, len(parts))
		for i, p := range parts {
			tuple[i] = p
		}
		body["search_after"] = tuple
	}
	return body, nil
}

func term(field string, value any) map[string]any {
	return map[string]any{"term": map[string]any{field: value}}
}

// agentFilter matches the winning identifier at the given position; with
// related it becomes a should over every agent position, one level of
// sub-statement included.
func agentFilter(params backends.AgentParams, field string, related bool) map[string]any {
	clause := func(prefix string) map[string]any {
		if name, value, ok := params.Identifier(); ok {
			return term(prefix+"."+name+".keyword", value)
		}
		return map[string]any{"bool": map[string]any{"filter": []map[string]any{
			term(prefix+".account.name.keyword", params.AccountName),
			term(prefix+".account.homePage.keyword", params.AccountHomePage),
		}}}
	}
	if !related {
		return clause("statement." + field)
	}
	positions := []string{
		"actor", "object", "authority", "context.instructor", "context.team",
		"object.actor", "object.object", "object.context.instructor", "object.context.team",
	}
	var should []map[string]any
	for _, pos := range positions {
		should = append(should, clause("statement."+pos))
	}
	return map[string]any{"bool": map[string]any{"should": should, "minimum_should_match": 1}}
}

// relatedActivityFilter widens the activity match to the context activity
// lists and one level of sub-statement.
func relatedActivityFilter(activityID string) map[string]any {
	var should []map[string]any
	for _, base := range []string{"statement", "statement.object"} {
		should = append(should, term(base+".object.id.keyword", activityID))
		for _, group := range []string{"parent", "grouping", "category", "other"} {
			should = append(should, term(base+".context.contextActivities."+group+".id.keyword", activityID))
		}
	}
	return map[string]any{"bool": map[string]any{"should": should, "minimum_should_match": 1}}
}
