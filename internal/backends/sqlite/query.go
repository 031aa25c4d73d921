package sqlite

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/inokufu/ralph/internal/backends"
)

// buildWhere translates the canonical query into WHERE clauses over the
// JSON document column.
func buildWhere(q backends.Query) (clauses []string, args []any, err error) {
	if id, voided, ok := q.TargetID(); ok {
		clauses = append(clauses, "statement_id=?", "voided=?")
		args = append(args, id, boolInt(voided))
	} else {
		clauses = append(clauses, "voided=0")
	}

	if !q.Agent.IsZero() {
		c, a := agentClause(q.Agent, "actor", q.RelatedAgents)
		clauses = append(clauses, c)
		args = append(args, a...)
	}
	if !q.Authority.IsZero() {
		c, a := agentClause(q.Authority, "authority", false)
		clauses = append(clauses, c)
		args = append(args, a...)
	}

	if q.Verb != "" {
		clauses = append(clauses, "json_extract(doc,'$.verb.id')=?")
		args = append(args, q.Verb)
	}

	if q.Activity != "" {
		if q.RelatedActivities {
			c, a := relatedActivityClause(q.Activity)
			clauses = append(clauses, c)
			args = append(args, a...)
		} else {
			clauses = append(clauses, "json_extract(doc,'$.object.id')=?")
			args = append(args, q.Activity)
		}
	}

	if q.Registration != "" {
		clauses = append(clauses, "json_extract(doc,'$.context.registration')=?")
		args = append(args, q.Registration)
	}

	if q.Since != "" {
		clauses = append(clauses, "json_extract(doc,'$.timestamp') > ?")
		args = append(args, q.Since)
	}
	if q.Until != "" {
		clauses = append(clauses, "json_extract(doc,'$.timestamp') <= ?")
		args = append(args, q.Until)
	}

	if q.SearchAfter != "" {
		seq, perr := strconv.ParseInt(q.SearchAfter, 10, 64)
		if perr != nil {
			return nil, nil, backends.Parameterf("invalid search_after cursor %q", q.SearchAfter)
		}
		op := "<"
		if q.Ascending {
			op = ">"
		}
		clauses = append(clauses, fmt.Sprintf("seq %s ?", op))
		args = append(args, seq)
	}

	return clauses, args, nil
}

// agentClause matches the winning identifier at the given statement position.
// With related, the match widens to every agent position including one level
// of sub-statement.
func agentClause(params backends.AgentParams, field string, related bool) (string, []any) {
	positions := []string{field}
	if related {
		positions = []string{
			"actor", "object", "authority", "context.instructor", "context.team",
			"object.actor", "object.object", "object.context.instructor", "object.context.team",
		}
	}
	if name, value, ok := params.Identifier(); ok {
		var alts []string
		var args []any
		for _, pos := range positions {
			alts = append(alts, fmt.Sprintf("json_extract(doc,'$.%s.%s')=?", pos, name))
			args = append(args, value)
		}
		return or(alts), args
	}
	var alts []string
	var args []any
	for _, pos := range positions {
		alts = append(alts, fmt.Sprintf("(json_extract(doc,'$.%s.account.name')=? AND json_extract(doc,'$.%s.account.homePage')=?)", pos, pos))
		args = append(args, params.AccountName, params.AccountHomePage)
	}
	return or(alts), args
}

// relatedActivityClause matches object.id, the context activity lists and one
// level of sub-statement. Context activity groups may hold a single object or
// an array; both shapes are checked.
func relatedActivityClause(activityID string) (string, []any) {
	var alts []string
	var args []any
	for _, base := range []string{"$", "$.object"} {
		alts = append(alts, fmt.Sprintf("json_extract(doc,'%s.object.id')=?", base))
		args = append(args, activityID)
		for _, group := range []string{"parent", "grouping", "category", "other"} {
			path := fmt.Sprintf("%s.context.contextActivities.%s", base, group)
			alts = append(alts, fmt.Sprintf("json_extract(doc,'%s.id')=?", path))
			args = append(args, activityID)
			alts = append(alts, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM json_each(doc,'%s') WHERE json_type(value)='object' AND json_extract(value,'$.id')=?)", path))
			args = append(args, activityID)
		}
	}
	return or(alts), args
}

func or(alts []string) string {
	return "(" + strings.Join(alts, " OR ") + ")"
}
