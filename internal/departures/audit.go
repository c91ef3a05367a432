package departures

// AuditRow explains where a departure row came from. It is rebuilt for
// every response and never stored.
type AuditRow struct {
	Key              string      `json:"key"`
	SourceTags       []SourceTag `json:"sourceTags"`
	ExistsBecause    string      `json:"existsBecause"`
	CancelledBecause *string     `json:"cancelledBecause"`
	AlertIDs         []string    `json:"alertIds"`
}

// BuildDepartureAudit maps each row to its provenance record.
func BuildDepartureAudit(rows []Row) []AuditRow {
	out := make([]AuditRow, 0, len(rows))
	for _, r := range rows {
		audit := AuditRow{
			Key:           r.Key,
			SourceTags:    r.Source.Tags(),
			ExistsBecause: r.Source.ExistsBecause(),
			AlertIDs:      make([]string, 0, len(r.Alerts)),
		}
		if r.Cancelled {
			reason := CancelledBecause(r.CancelReasonCode)
			audit.CancelledBecause = &reason
		}
		for _, a := range r.Alerts {
			if a.ID != "" {
				audit.AlertIDs = append(audit.AlertIDs, a.ID)
			}
		}
		out = append(out, audit)
	}
	return out
}

// CancelledBecause classifies a cancellation reason code.
func CancelledBecause(code string) string {
	switch code {
	case ReasonSkippedStop:
		return "stop_skipped"
	case ReasonCanceledTrip:
		return "trip_cancelled"
	case ReasonAlertNoService:
		return "alert_no_service"
	default:
		return "other"
	}
}
