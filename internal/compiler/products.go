package compiler

import (
	"fmt"
	"strings"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/registry"
	"duck-analytics/internal/schema"
)

var errorTrackingOrder = map[string]string{
	"":            "last_seen",
	"last_seen":   "last_seen",
	"first_seen":  "first_seen",
	"occurrences": "occurrences",
	"users":       "users",
	"sessions":    "sessions",
}

// errorTrackingSQL lists issues with occurrences of their $exception events
// in the date range. Event filters apply to the occurrences; issue filters
// to the issue row.
func (c *compilation) errorTrackingSQL(q *schema.ErrorTrackingQuery) (string, page, error) {
	issues, issuesDesc, err := c.sourceOf(registry.TableErrorTrackingIssues)
	if err != nil {
		return "", page{}, err
	}
	events, _, err := c.sourceOf(registry.TableEvents)
	if err != nil {
		return "", page{}, err
	}
	i, e := c.alias("i"), c.alias("e")
	rng, err := c.dateRange(q.DateRange, schema.IntervalDay)
	if err != nil {
		return "", page{}, err
	}
	fs := filterScope{c: c, events: e, alias: i, table: issuesDesc}
	props, err := fs.predicate(q.Properties)
	if err != nil {
		return "", page{}, err
	}
	issueKey, err := jsonPath(col(e, "properties"), "$exception_issue_id")
	if err != nil {
		return "", page{}, err
	}
	preds := []string{
		col(e, "event") + " = '$exception'",
		timeBounds(col(e, "timestamp"), rng),
		props,
	}
	if q.Status != "" && q.Status != "all" {
		preds = append(preds, col(i, "status")+" = "+strLit(q.Status))
	}
	if q.IssueID != nil && *q.IssueID != "" {
		preds = append(preds, col(i, "id")+" = "+strLit(*q.IssueID))
	}
	if q.SearchQuery != nil && strings.TrimSpace(*q.SearchQuery) != "" {
		term := strLit(strings.TrimSpace(*q.SearchQuery))
		preds = append(preds, fmt.Sprintf("(contains(lower(coalesce(%s, '')), lower(%s)) OR contains(lower(coalesce(%s, '')), lower(%s)))",
			col(i, "name"), term, col(i, "description"), term))
	}
	p := c.page(q.Limit, q.Offset)
	sql := fmt.Sprintf(`SELECT %[1]s AS id, %[2]s AS status, %[3]s AS name, %[4]s AS description, %[5]s AS first_seen,
  max(%[6]s) AS last_seen, count(*) AS occurrences, count(DISTINCT %[7]s) AS users, count(DISTINCT %[8]s) AS sessions
FROM %[9]s AS %[10]s JOIN %[11]s AS %[12]s ON %[13]s = CAST(%[1]s AS VARCHAR)
WHERE %[14]s
GROUP BY ALL ORDER BY %[15]s DESC, id ASC%[16]s`,
		col(i, "id"), col(i, "status"), col(i, "name"), col(i, "description"), col(i, "first_seen"),
		col(e, "timestamp"), actorExpr(e), col(e, "session_id"),
		issues, i, events, e, issueKey,
		and(preds...), errorTrackingOrder[q.OrderBy], p.clause())
	return sql, p, nil
}

// tracesSQL groups $ai_* events into traces by $ai_trace_id.
func (c *compilation) tracesSQL(q *schema.TracesQuery) (string, page, error) {
	src, desc, err := c.sourceOf(registry.TableEvents)
	if err != nil {
		return "", page{}, err
	}
	e := c.alias("e")
	rng, err := c.dateRange(q.DateRange, schema.IntervalDay)
	if err != nil {
		return "", page{}, err
	}
	props, err := c.eventsScope(e, desc).predicate(q.Properties)
	if err != nil {
		return "", page{}, err
	}
	prop := func(key string) string {
		expr, _ := jsonPath(col(e, "properties"), key)
		return expr
	}
	traceID := prop("$ai_trace_id")
	preds := []string{
		fmt.Sprintf("starts_with(%s, '$ai_')", col(e, "event")),
		traceID + " IS NOT NULL",
		timeBounds(col(e, "timestamp"), rng),
		props,
	}
	if q.TraceID != nil && *q.TraceID != "" {
		preds = append(preds, traceID+" = "+strLit(*q.TraceID))
	}
	num := func(key string) string {
		return fmt.Sprintf("sum(TRY_CAST(%s AS DOUBLE))", prop(key))
	}
	p := c.page(q.Limit, q.Offset)
	sql := fmt.Sprintf(`SELECT %s AS id, min(%s) AS created_at, min(%s) AS distinct_id,
  %s AS total_latency, %s AS input_tokens, %s AS output_tokens, %s AS total_cost, count(*) AS events
FROM %s AS %s WHERE %s
GROUP BY 1 ORDER BY created_at DESC, id ASC%s`,
		traceID, col(e, "timestamp"), col(e, "distinct_id"),
		num("$ai_latency"), num("$ai_input_tokens"), num("$ai_output_tokens"), num("$ai_total_cost_usd"),
		src, e, and(preds...), p.clause())
	return sql, p, nil
}

// vectorSearchSQL ranks document embeddings by cosine distance to the
// query embedding.
func (c *compilation) vectorSearchSQL(q *schema.VectorSearchQuery) (string, page, error) {
	src, _, err := c.sourceOf(registry.TableDocumentEmbeddings)
	if err != nil {
		return "", page{}, err
	}
	d := c.alias("d")
	values := make([]any, 0, len(q.Embedding))
	for _, v := range q.Embedding {
		values = append(values, v)
	}
	vector, err := typedLit(values)
	if err != nil {
		return "", page{}, err
	}
	where := "TRUE"
	if q.Product != "" {
		where = col(d, "product") + " = " + strLit(q.Product)
	}
	p := c.page(q.Limit, nil)
	p.paged = false
	sql := fmt.Sprintf(`SELECT %s AS document_id, %s AS product, %s AS document_type, %s AS content, %s AS timestamp,
  1 - list_cosine_similarity(CAST(%s AS DOUBLE[]), CAST(%s AS DOUBLE[])) AS distance
FROM %s AS %s WHERE %s AND len(%s) = %d
ORDER BY distance ASC, document_id ASC LIMIT %d`,
		col(d, "document_id"), col(d, "product"), col(d, "document_type"), col(d, "content"), col(d, "timestamp"),
		col(d, "embedding"), vector, src, d, where, col(d, "embedding"), len(q.Embedding), p.limit)
	return sql, p, nil
}

// databaseSchema answers from the registry without touching the engine.
func (c *compilation) databaseSchema() (*Plan, error) {
	tables := c.catalog.Tables(c.ctx, c.teamID)
	out := schema.DatabaseSchemaResult{Tables: make(map[string]schema.DatabaseSchemaTable, len(tables))}
	for name, desc := range tables {
		out.Tables[name] = desc.SchemaTable()
	}
	return &Plan{
		assemble: func([]*domain.Rows) (schema.Result, error) { return out, nil },
	}, nil
}
