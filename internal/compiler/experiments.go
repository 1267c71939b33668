package compiler

import (
	"fmt"
	"strings"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/registry"
	"duck-analytics/internal/schema"
)

// exposuresCTE selects each actor's first exposure to one of the variants
// of a feature flag.
func (c *compilation) exposuresCTE(flag string, variants []string, rng schema.ResolvedRange) (string, error) {
	src, desc, err := c.sourceOf(registry.TableEvents)
	if err != nil {
		return "", err
	}
	e := c.alias("e")
	fs := c.eventsScope(e, desc)
	key, err := fs.column(schema.PropertyEvent, "$feature_flag", nil)
	if err != nil {
		return "", err
	}
	response, err := fs.column(schema.PropertyEvent, "$feature_flag_response", nil)
	if err != nil {
		return "", err
	}
	lits := make([]string, 0, len(variants))
	for _, v := range variants {
		lits = append(lits, strLit(v))
	}
	return fmt.Sprintf("SELECT %s AS actor, arg_min(%s, %s) AS variant, min(%s) AS first_exposure FROM %s AS %s WHERE %s GROUP BY 1",
		actorExpr(e), response, col(e, "timestamp"), col(e, "timestamp"), src, e,
		and(
			col(e, "event")+" = '$feature_flag_called'",
			key+" = "+strLit(flag),
			fmt.Sprintf("%s IN (%s)", response, strings.Join(lits, ", ")),
			timeBounds(col(e, "timestamp"), rng),
		)), nil
}

// experiment counts exposed actors per variant and the metric events they
// performed after their first exposure. metric_value sums the metric's
// per-event values; count metrics contribute 1 per event.
func (c *compilation) experiment(q *schema.ExperimentQuery) (*Plan, error) {
	rng, err := c.dateRange(q.DateRange, schema.IntervalDay)
	if err != nil {
		return nil, err
	}
	exposures, err := c.exposuresCTE(q.FeatureFlagKey, q.Variants, rng)
	if err != nil {
		return nil, err
	}
	src, err := c.seriesSource(q.Metric, schema.Properties{})
	if err != nil {
		return nil, err
	}
	common := q.Metric.Common()
	value := "1.0"
	if common.MathOrDefault().NeedsProperty() {
		v, err := src.scope.column(schema.PropertyEvent, common.MathProperty, nil)
		if err != nil {
			return nil, err
		}
		value = "TRY_CAST(" + v + " AS DOUBLE)"
	}
	sql := fmt.Sprintf(`WITH exposures AS (%s), metric AS (
  SELECT %s AS actor, %s AS ts, %s AS value FROM %s WHERE %s
)
SELECT x.variant AS variant, count(DISTINCT x.actor) AS exposures, count(DISTINCT m.actor) AS conversions,
  coalesce(sum(m.value), 0) AS metric_value
FROM exposures AS x LEFT JOIN metric AS m ON m.actor = x.actor AND m.ts >= x.first_exposure
GROUP BY 1`,
		exposures, src.actor, src.ts, value, src.from, and(src.where, timeBounds(src.ts, rng)))

	variants := q.Variants
	return &Plan{
		Statements: []Statement{{Name: "experiment", SQL: sql}},
		assemble: func(rows []*domain.Rows) (schema.Result, error) {
			idx := columnIndex(rows[0])
			byVariant := map[string][]any{}
			for _, row := range rows[0].Values {
				byVariant[toString(cell(idx, row, "variant"))] = row
			}
			out := schema.ExperimentResult{Variants: []schema.ExperimentVariantResult{}}
			for _, v := range variants {
				res := schema.ExperimentVariantResult{Key: v}
				if row, ok := byVariant[v]; ok {
					res.Exposures = toInt(cell(idx, row, "exposures"))
					res.Conversions = toInt(cell(idx, row, "conversions"))
					res.MetricValue = toFloat(cell(idx, row, "metric_value"))
				}
				out.Variants = append(out.Variants, res)
			}
			return out, nil
		},
	}, nil
}

func (c *compilation) experimentExposure(q *schema.ExperimentExposureQuery) (*Plan, error) {
	rng, err := c.seriesRange(q.DateRange, schema.IntervalDay)
	if err != nil {
		return nil, err
	}
	exposures, err := c.exposuresCTE(q.FeatureFlagKey, q.Variants, rng)
	if err != nil {
		return nil, err
	}
	sql := fmt.Sprintf("WITH exposures AS (%s) SELECT variant, %s AS day, count(*) AS exposures FROM exposures GROUP BY 1, 2",
		exposures, c.bucketLabel("first_exposure", schema.IntervalDay))

	ax := c.axis(rng, schema.IntervalDay)
	variants := q.Variants
	return &Plan{
		Statements: []Statement{{Name: "exposures", SQL: sql}},
		assemble: func(rows []*domain.Rows) (schema.Result, error) {
			idx := columnIndex(rows[0])
			counts := map[string]map[string]int64{}
			for _, row := range rows[0].Values {
				v := toString(cell(idx, row, "variant"))
				if counts[v] == nil {
					counts[v] = map[string]int64{}
				}
				counts[v][toString(cell(idx, row, "day"))] += toInt(cell(idx, row, "exposures"))
			}
			out := schema.ExperimentExposureResult{Timeseries: []schema.ExposureSeries{}, TotalExposures: map[string]int64{}}
			for _, v := range variants {
				series := schema.ExposureSeries{Variant: v, Days: append([]string{}, ax.days...), ExposureCounts: []int64{}}
				var total int64
				for _, day := range ax.days {
					n := counts[v][day]
					series.ExposureCounts = append(series.ExposureCounts, n)
					total += n
				}
				out.Timeseries = append(out.Timeseries, series)
				out.TotalExposures[v] = total
			}
			return out, nil
		},
	}, nil
}
