package matching

import (
	"fmt"
	"strings"

	"job-alert-pipeline/internal/models"
)

// BuildFilter translates an alert's structured criteria into the index's
// conjunctive filter expression. Each populated criterion becomes one clause;
// clauses are joined with &&. When a location criterion is present and the
// alert includes remote work, the location clause is widened with
// `|| isRemote:true` so a location filter never excludes remote postings.
// An alert with no criteria yields an empty filter (matches everything).
func BuildFilter(a models.Alert) string {
	var clauses []string

	location := make([]string, 0, 2)
	if a.City != "" {
		location = append(location, "city:"+a.City)
	}
	if a.State != "" {
		location = append(location, "state:"+a.State)
	}
	if len(location) > 0 {
		expr := strings.Join(location, " && ")
		if a.IncludeRemote {
			expr = fmt.Sprintf("(%s || isRemote:true)", expr)
		}
		clauses = append(clauses, expr)
	}

	if len(a.JobTypes) > 0 {
		clauses = append(clauses, listClause("jobType", normalizeJobTypes(a.JobTypes)))
	}
	if len(a.ExperienceLevels) > 0 {
		clauses = append(clauses, listClause("experienceLevel", a.ExperienceLevels))
	}
	if len(a.Skills) > 0 {
		clauses = append(clauses, listClause("skills", a.Skills))
	}

	return strings.Join(clauses, " && ")
}

func listClause(field string, values []string) string {
	return fmt.Sprintf("%s:[%s]", field, strings.Join(values, ","))
}

// normalizeJobTypes rewrites stored job-type slugs to the index's hyphenated
// form, e.g. "full_time" -> "full-time".
func normalizeJobTypes(types []string) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = strings.ReplaceAll(t, "_", "-")
	}
	return out
}
