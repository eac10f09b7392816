package ingest

import (
	"log/slog"
	"sort"
	"time"

	"github.com/lox/wxdb/internal/metrics"
	"github.com/lox/wxdb/internal/models"
	"github.com/lox/wxdb/internal/units"
)

const (
	DropUnknownVariable = "unknown_variable"
	DropBadUnit         = "bad_unit"
	DropNoTimestamp     = "no_timestamp"
)

// ValidateObservations converts provider observations to metric units and
// pivots them into one record per station and timestamp, ordered by time.
// Observations for variables outside the schema or in units that cannot be
// converted are dropped with a warning.
func ValidateObservations(source models.Source, obs []models.Observation, logger *slog.Logger) []models.Record {
	type key struct {
		station string
		at      time.Time
	}
	byKey := make(map[key]*models.Record)
	var order []key
	warned := make(map[string]bool)

	drop := func(reason string, o models.Observation, attrs ...any) {
		metrics.ObservationsDropped.WithLabelValues(string(source), reason).Inc()
		// one warning per reason and variable keeps a bad feed from flooding the log
		if w := reason + "/" + string(o.Variable); !warned[w] {
			warned[w] = true
			logger.Warn("ingest: dropping observations", append([]any{
				"source", source, "station", o.StationID, "variable", o.Variable, "reason", reason,
			}, attrs...)...)
		}
	}

	for _, o := range obs {
		if o.ObservedAt.IsZero() {
			drop(DropNoTimestamp, o)
			continue
		}
		if !models.Known(o.Variable) {
			drop(DropUnknownVariable, o)
			continue
		}
		value, err := units.Convert(o.Variable, o.Unit, o.Value)
		if err != nil {
			drop(DropBadUnit, o, "unit", o.Unit, "error", err)
			continue
		}

		k := key{station: o.StationID, at: o.ObservedAt.UTC().Truncate(time.Second)}
		rec, ok := byKey[k]
		if !ok {
			rec = &models.Record{StationID: k.station, ObservedAt: k.at}
			byKey[k] = rec
			order = append(order, k)
		}
		rec.Set(o.Variable, value)
	}

	sort.SliceStable(order, func(i, j int) bool {
		if !order[i].at.Equal(order[j].at) {
			return order[i].at.Before(order[j].at)
		}
		return order[i].station < order[j].station
	})
	out := make([]models.Record, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out
}
