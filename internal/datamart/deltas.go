package datamart

import "sort"

// bucket identifies one aggregate row.
type bucket struct {
	report      string
	statistic   string
	dataSource1 string
	dataSource2 string
	matchKey    string
	principle   string
}

type counts struct {
	entities  int64
	records   int64
	relations int64
}

// ComputeDeltas derives the additive report updates that move the mart from
// the old entity state to the new one. Either state may be zero-valued (no
// records, no relations) to express creation or deletion.
func ComputeDeltas(oldState, newState EntityState) []ReportDelta {
	acc := make(map[bucket]*counts)
	add := func(b bucket, c counts) {
		cur, ok := acc[b]
		if !ok {
			cur = &counts{}
			acc[b] = cur
		}
		cur.entities += c.entities
		cur.records += c.records
		cur.relations += c.relations
	}

	accumulate(add, oldState, -1)
	accumulate(add, newState, +1)

	out := make([]ReportDelta, 0, len(acc))
	for b, c := range acc {
		if c.entities == 0 && c.records == 0 && c.relations == 0 {
			continue
		}
		out = append(out, ReportDelta{
			Report:        b.report,
			Statistic:     b.statistic,
			DataSource1:   b.dataSource1,
			DataSource2:   b.dataSource2,
			MatchKey:      b.matchKey,
			Principle:     b.principle,
			EntityDelta:   c.entities,
			RecordDelta:   c.records,
			RelationDelta: c.relations,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.Report != b.Report:
			return a.Report < b.Report
		case a.Statistic != b.Statistic:
			return a.Statistic < b.Statistic
		case a.DataSource1 != b.DataSource1:
			return a.DataSource1 < b.DataSource1
		case a.DataSource2 != b.DataSource2:
			return a.DataSource2 < b.DataSource2
		case a.MatchKey != b.MatchKey:
			return a.MatchKey < b.MatchKey
		default:
			return a.Principle < b.Principle
		}
	})
	return out
}

// accumulate folds one entity state into the delta accumulator with the given
// sign (+1 for the new state, -1 for the old).
func accumulate(add func(bucket, counts), state EntityState, sign int64) {
	if len(state.Records) == 0 && len(state.Relations) == 0 {
		return
	}

	// Data source summary: record count per source, entity count per source
	// (an entity counts once for every source it has a record in).
	sources := make(map[string]int64)
	for _, rec := range state.Records {
		sources[rec.DataSource]++
	}
	for ds, n := range sources {
		add(bucket{
			report:      ReportDataSourceSummary,
			statistic:   StatRecordCount,
			dataSource1: ds,
		}, counts{records: sign * n})
		add(bucket{
			report:      ReportDataSourceSummary,
			statistic:   StatEntityCount,
			dataSource1: ds,
		}, counts{entities: sign})
	}

	// Matches: one entity holding records from a pair of sources is a match
	// between those sources, broken down by match key and principle of the
	// joining records.
	for b := range matchPairs(state.Records) {
		add(b, counts{entities: sign})
	}

	// Cross-source relations: one relation contributes to every (source of
	// this entity, source of the other entity) pair.
	for _, rel := range state.Relations {
		stat := statisticForRelation(rel.Kind)
		if stat == "" {
			continue
		}
		for ds1 := range sources {
			for _, ds2 := range rel.OtherSources {
				a, b := orderPair(ds1, ds2)
				add(bucket{
					report:      ReportCrossSourceSummary,
					statistic:   stat,
					dataSource1: a,
					dataSource2: b,
					matchKey:    rel.MatchKey,
					principle:   rel.Principle,
				}, counts{relations: sign})
			}
		}
	}
}

// matchPairs yields one bucket per (source pair, match key, principle)
// combination present within a single entity's records. Records resolved into
// the same entity with distinct sources represent a cross-source match; a
// source matched against itself represents duplicate records in one source.
func matchPairs(records []RecordRef) map[bucket]struct{} {
	out := make(map[bucket]struct{})
	for i := 0; i < len(records); i++ {
		for j := i + 1; j < len(records); j++ {
			a, b := orderPair(records[i].DataSource, records[j].DataSource)
			// The joining record's match key and principle describe why the
			// pair resolved together; the first record of a load carries
			// none.
			mk, pr := records[j].MatchKey, records[j].Principle
			if mk == "" && pr == "" {
				mk, pr = records[i].MatchKey, records[i].Principle
			}
			out[bucket{
				report:      ReportCrossSourceSummary,
				statistic:   StatMatchedCount,
				dataSource1: a,
				dataSource2: b,
				matchKey:    mk,
				principle:   pr,
			}] = struct{}{}
		}
	}
	return out
}

func orderPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// TouchedSources returns the distinct data sources appearing in either state,
// sorted. The handler schedules one summary recalculation follow-up per
// touched source.
func TouchedSources(oldState, newState EntityState) []string {
	set := make(map[string]struct{})
	for _, r := range oldState.Records {
		set[r.DataSource] = struct{}{}
	}
	for _, r := range newState.Records {
		set[r.DataSource] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for ds := range set {
		out = append(out, ds)
	}
	sort.Strings(out)
	return out
}
