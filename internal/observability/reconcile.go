package observability

import (
	"sync"

	"github.com/rs/zerolog"
)

// ReconcileObserver logs reconciliation outcomes and raises an alert line when
// the same account keeps drifting.
type ReconcileObserver struct {
	logger zerolog.Logger

	mu          sync.Mutex
	driftCounts map[string]int64
}

func NewReconcileObserver(logger zerolog.Logger) *ReconcileObserver {
	return &ReconcileObserver{
		logger:      logger.With().Str("component", "reconcile").Logger(),
		driftCounts: make(map[string]int64),
	}
}

// Outcome is the subset of a reconciliation result the observer reports on.
type Outcome struct {
	AccountID      string
	SourceEventID  string
	Source         string
	PreviousStatus string
	NewStatus      string
	Changed        bool
	Duplicate      bool
	Stale          bool
	DriftRepaired  bool
	Intent         string
}

func (o *ReconcileObserver) Record(out Outcome) {
	if o == nil {
		return
	}
	label := "unchanged"
	switch {
	case out.Duplicate:
		label = "duplicate"
	case out.Stale:
		label = "stale"
	case out.Changed:
		label = "changed"
	}
	ReconciliationsTotal.WithLabelValues(out.Source, label).Inc()

	evt := o.logger.Debug()
	if out.Changed {
		evt = o.logger.Info()
	}
	evt.Str("account_id", out.AccountID).
		Str("event_id", out.SourceEventID).
		Str("source", out.Source).
		Str("previous_status", out.PreviousStatus).
		Str("new_status", out.NewStatus).
		Str("outcome", label).
		Str("intent", out.Intent).
		Msg("Reconciliation applied")

	if !out.DriftRepaired {
		return
	}
	DriftRepairsTotal.Inc()

	o.mu.Lock()
	o.driftCounts[out.AccountID]++
	count := o.driftCounts[out.AccountID]
	o.mu.Unlock()

	o.logger.Warn().
		Str("account_id", out.AccountID).
		Str("event_id", out.SourceEventID).
		Int64("drift_count", count).
		Msg("Active billing record had unconfirmed payment; repaired")

	if count%10 == 0 {
		o.logger.Error().
			Str("account_id", out.AccountID).
			Int64("repeated_drift_count", count).
			Msg("Repeated payment drift for account")
	}
}

func (o *ReconcileObserver) RecordError(accountID, source string, err error) {
	if o == nil {
		return
	}
	ReconciliationsTotal.WithLabelValues(source, "error").Inc()
	o.logger.Error().Err(err).Str("account_id", accountID).Str("source", source).Msg("Reconciliation failed")
}

// DriftCount reports how many repairs were seen for an account by this process.
func (o *ReconcileObserver) DriftCount(accountID string) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.driftCounts[accountID]
}
