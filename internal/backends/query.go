package backends

// AgentParams identifies an agent by exactly one inverse functional
// identifier. The first non-empty field wins, checked in the order mbox,
// mbox_sha1sum, openid, account.
type AgentParams struct {
	Mbox            string
	MboxSHA1Sum     string
	OpenID          string
	AccountName     string
	AccountHomePage string
}

func (a AgentParams) IsZero() bool {
	return a.Mbox == "" && a.MboxSHA1Sum == "" && a.OpenID == "" &&
		a.AccountName == "" && a.AccountHomePage == ""
}

// Identifier returns the winning simple identifier as a (field, value) pair.
// ok is false when the agent is identified by account instead (or not at all);
// translators then read AccountName/AccountHomePage directly.
func (a AgentParams) Identifier() (field, value string, ok bool) {
	switch {
	case a.Mbox != "":
		return "mbox", a.Mbox, true
	case a.MboxSHA1Sum != "":
		return "mbox_sha1sum", a.MboxSHA1Sum, true
	case a.OpenID != "":
		return "openid", a.OpenID, true
	}
	return "", "", false
}

// ParseAgent extracts identifier parameters from an agent document.
func ParseAgent(doc map[string]any) AgentParams {
	str := func(key string) string {
		s, _ := doc[key].(string)
		return s
	}
	p := AgentParams{
		Mbox:        str("mbox"),
		MboxSHA1Sum: str("mbox_sha1sum"),
		OpenID:      str("openid"),
	}
	if account, ok := doc["account"].(map[string]any); ok {
		if s, ok := account["name"].(string); ok {
			p.AccountName = s
		}
		if s, ok := account["homePage"].(string); ok {
			p.AccountHomePage = s
		}
	}
	return p
}

// Query is the canonical statement filter every adapter translates into its
// engine's native form.
//
// Semantics shared by all translators:
//   - StatementID / VoidedStatementID select a single statement; the first
//     implies voided == false, the second voided == true. Queries without
//     either carry an implicit voided == false filter.
//   - Since is exclusive (strictly after), Until is inclusive.
//   - Agent and Authority match the statement's actor / authority by the
//     winning identifier; with RelatedAgents the agent filter widens to
//     object, context instructor, context team and sub-statement positions.
//   - Activity matches object.id; with RelatedActivities it widens to the
//     context activity lists and sub-statement objects.
//   - Results are ordered by (timestamp, tiebreak), ascending or descending.
//   - SearchAfter and PitID resume a previous page; both are opaque to the
//     caller and only meaningful to the adapter that produced them.
type Query struct {
	StatementID       string
	VoidedStatementID string
	Agent             AgentParams
	Verb              string
	Activity          string
	Registration      string
	Authority         AgentParams
	Since             string
	Until             string
	RelatedAgents     bool
	RelatedActivities bool
	Ascending         bool
	Limit             int
	SearchAfter       string
	PitID             string
}

// TargetID returns the single statement id a by-id query selects, along with
// the voided value it implies. ok is false for list queries.
func (q Query) TargetID() (id string, voided, ok bool) {
	if q.StatementID != "" {
		return q.StatementID, false, true
	}
	if q.VoidedStatementID != "" {
		return q.VoidedStatementID, true, true
	}
	return "", false, false
}
