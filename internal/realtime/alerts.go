package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
)

// ActivePeriod bounds are Unix seconds; zero means open-ended.
type ActivePeriod struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

// Contains reports whether t falls inside the period.
func (p ActivePeriod) Contains(t time.Time) bool {
	sec := t.Unix()
	if p.Start != 0 && sec < p.Start {
		return false
	}
	if p.End != 0 && sec > p.End {
		return false
	}
	return true
}

type InformedEntity struct {
	AgencyID string `json:"agencyId,omitempty"`
	RouteID  string `json:"routeId,omitempty"`
	StopID   string `json:"stopId,omitempty"`
	TripID   string `json:"tripId,omitempty"`
}

type Translation struct {
	Language string `json:"language,omitempty"`
	Text     string `json:"text"`
}

type ServiceAlert struct {
	ID               string           `json:"id"`
	ActivePeriods    []ActivePeriod   `json:"activePeriods"`
	InformedEntities []InformedEntity `json:"informedEntities"`
	HeaderText       string           `json:"headerText"`
	DescriptionText  string           `json:"descriptionText"`
	Header           []Translation    `json:"header,omitempty"`
	Description      []Translation    `json:"description,omitempty"`
	Cause            string           `json:"cause,omitempty"`
	Effect           string           `json:"effect,omitempty"`
	Severity         string           `json:"severity,omitempty"`
}

// Alert effects referenced by the board.
const (
	EffectNoService         = "NO_SERVICE"
	EffectReducedService    = "REDUCED_SERVICE"
	EffectModifiedService   = "MODIFIED_SERVICE"
	EffectAdditionalService = "ADDITIONAL_SERVICE"
	EffectDetour            = "DETOUR"
)

// InPeriod reports whether t falls inside any active period. An alert
// without periods is always in period.
func (a ServiceAlert) InPeriod(t time.Time) bool {
	if len(a.ActivePeriods) == 0 {
		return true
	}
	for _, p := range a.ActivePeriods {
		if p.Contains(t) {
			return true
		}
	}
	return false
}

// FullText joins header and description across every translation, which
// is what free-text window detection scans.
func (a ServiceAlert) FullText() string {
	var b strings.Builder
	write := func(s string) {
		if s == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s)
	}
	write(a.HeaderText)
	write(a.DescriptionText)
	for _, tr := range a.Header {
		if tr.Text != a.HeaderText {
			write(tr.Text)
		}
	}
	for _, tr := range a.Description {
		if tr.Text != a.DescriptionText {
			write(tr.Text)
		}
	}
	return b.String()
}

// Text returns the header in the first available preferred language.
func (a ServiceAlert) Text(langs ...string) string {
	return pickTranslation(a.Header, langs...)
}

func pickTranslation(trs []Translation, langs ...string) string {
	for _, lang := range langs {
		for _, tr := range trs {
			if strings.EqualFold(tr.Language, lang) {
				return tr.Text
			}
		}
	}
	var first string
	for _, tr := range trs {
		if tr.Language == "" {
			return tr.Text
		}
		if first == "" {
			first = tr.Text
		}
	}
	return first
}

// DecodeAlerts converts the alert entities of a GTFS-RT payload.
func DecodeAlerts(payload []byte) ([]ServiceAlert, error) {
	msg, err := ParseFeedMessage(payload)
	if err != nil {
		return nil, err
	}
	alerts := make([]ServiceAlert, 0, len(msg.GetEntity()))
	for _, entity := range msg.GetEntity() {
		if entity.GetIsDeleted() || entity.GetAlert() == nil {
			continue
		}
		alerts = append(alerts, convertAlert(entity.GetId(), entity.GetAlert()))
	}
	return alerts, nil
}

func convertAlert(id string, a *gtfsrt.Alert) ServiceAlert {
	out := ServiceAlert{
		ID:          id,
		Header:      translations(a.GetHeaderText()),
		Description: translations(a.GetDescriptionText()),
		Cause:       a.GetCause().String(),
		Effect:      a.GetEffect().String(),
		Severity:    a.GetSeverityLevel().String(),
	}
	out.HeaderText = pickTranslation(out.Header)
	out.DescriptionText = pickTranslation(out.Description)

	for _, tr := range a.GetActivePeriod() {
		out.ActivePeriods = append(out.ActivePeriods, ActivePeriod{
			Start: int64(tr.GetStart()),
			End:   int64(tr.GetEnd()),
		})
	}
	for _, ie := range a.GetInformedEntity() {
		out.InformedEntities = append(out.InformedEntities, InformedEntity{
			AgencyID: ie.GetAgencyId(),
			RouteID:  ie.GetRouteId(),
			StopID:   ie.GetStopId(),
			TripID:   ie.GetTrip().GetTripId(),
		})
	}
	return out
}

func translations(ts *gtfsrt.TranslatedString) []Translation {
	var out []Translation
	for _, tr := range ts.GetTranslation() {
		if tr.GetText() == "" {
			continue
		}
		out = append(out, Translation{Language: tr.GetLanguage(), Text: tr.GetText()})
	}
	return out
}

// EncodeAlerts and DecodeAlertSnapshot move alerts through the parsed cache.
func EncodeAlerts(alerts []ServiceAlert) ([]byte, error) {
	if alerts == nil {
		alerts = []ServiceAlert{}
	}
	b, err := json.Marshal(alerts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode alerts: %w", err)
	}
	return b, nil
}

func DecodeAlertSnapshot(b []byte) ([]ServiceAlert, error) {
	var alerts []ServiceAlert
	if err := json.Unmarshal(b, &alerts); err != nil {
		return nil, fmt.Errorf("%w: alerts snapshot: %w", ErrMalformedPayload, err)
	}
	return alerts, nil
}
