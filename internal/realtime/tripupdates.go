package realtime

import (
	"errors"
	"fmt"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
)

// ErrMalformedPayload wraps every decode failure so pollers can classify it.
var ErrMalformedPayload = errors.New("malformed realtime payload")

// GTFS-RT TripDescriptor.ScheduleRelationship values. Compared as numbers
// so that values newer than the generated bindings still decode.
const (
	tripScheduled   = 0
	tripAdded       = 1
	tripUnscheduled = 2
	tripCanceled    = 3
	tripReplacement = 5
	tripDuplicated  = 6
	tripDeleted     = 7
	tripNew         = 8
)

// GTFS-RT StopTimeUpdate.ScheduleRelationship values.
const (
	stopScheduled   = 0
	stopSkipped     = 1
	stopNoData      = 2
	stopUnscheduled = 3
)

// ParseFeedMessage unmarshals a GTFS-RT protobuf payload.
func ParseFeedMessage(payload []byte) (*gtfsrt.FeedMessage, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	msg := &gtfsrt.FeedMessage{}
	if err := proto.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return msg, nil
}

// DecodeTripUpdates builds the incoming DelayIndex of one poll. Entries are
// stamped with nowMs so a decoded index can also be served on its own.
func DecodeTripUpdates(payload []byte, nowMs int64) (*DelayIndex, error) {
	msg, err := ParseFeedMessage(payload)
	if err != nil {
		return nil, err
	}
	idx := NewDelayIndex()
	idx.FeedTimestamp = int64(msg.GetHeader().GetTimestamp())
	idx.BuiltAtMs = nowMs
	for _, entity := range msg.GetEntity() {
		if entity.GetIsDeleted() || entity.GetTripUpdate() == nil {
			continue
		}
		idx.addTripUpdate(entity.GetTripUpdate(), nowMs)
	}
	idx.rebuildCancelledStartDates()
	return idx, nil
}

func (d *DelayIndex) addTripUpdate(tu *gtfsrt.TripUpdate, nowMs int64) {
	td := tu.GetTrip()
	tripID := td.GetTripId()
	if tripID == "" {
		return
	}
	startDate := td.GetStartDate()
	routeID := td.GetRouteId()
	relationship := int32(td.GetScheduleRelationship())
	startKey := TripStartKey(tripID, startDate)
	d.mention(tripID, startDate)

	refEpoch := int64(0)
	for _, stu := range tu.GetStopTimeUpdate() {
		if e := eventEpoch(stu); e > refEpoch {
			refEpoch = e
		}
	}

	if relationship == tripCanceled || relationship == tripDeleted {
		c := CancelledTrip{
			TripID:        tripID,
			TripStartDate: startDate,
			RouteID:       routeID,
			RefEpoch:      refEpoch,
			LastSeenAtMs:  nowMs,
		}
		if startDate != "" {
			d.CancelledTripByStartKey[startKey] = c
		} else {
			d.CancelledTripIDs[tripID] = c
		}
		return
	}

	flags := TripFlags{
		TripID:        tripID,
		TripStartDate: startDate,
		RouteID:       routeID,
		RefEpoch:      refEpoch,
		LastSeenAtMs:  nowMs,
	}
	switch relationship {
	case tripReplacement:
		flags.Flags = append(flags.Flags, FlagReplacement)
	case tripAdded, tripUnscheduled, tripNew:
		flags.Flags = append(flags.Flags, FlagAdded)
	case tripDuplicated:
		flags.Flags = append(flags.Flags, FlagDuplicated)
	}
	if tu.Delay != nil {
		flags.TripDelaySec = int(tu.GetDelay())
		flags.HasTripDelay = true
	}
	if len(flags.Flags) > 0 || flags.HasTripDelay {
		d.TripFlagsByTripID[tripID] = flags
		if startDate != "" {
			d.TripFlagsByTripStartKey[startKey] = flags
		}
	}

	added := flags.Has(FlagAdded)
	for _, stu := range tu.GetStopTimeUpdate() {
		stopID := stu.GetStopId()
		seq := NoStopSequence
		if stu.StopSequence != nil {
			seq = int(stu.GetStopSequence())
		}
		if stopID == "" && seq == NoStopSequence {
			continue
		}
		key := Key(tripID, stopID, seq, startDate)
		epoch := eventEpoch(stu)
		delay, hasDelay := eventDelay(stu)
		stopRel := int32(stu.GetScheduleRelationship())

		if added || stopRel == stopUnscheduled {
			if stopRel == stopSkipped {
				continue
			}
			d.AddedTripStopUpdates = append(d.AddedTripStopUpdates, AddedStop{
				TripID:         tripID,
				RouteID:        routeID,
				StopID:         stopID,
				StopSequence:   seq,
				TripStartDate:  startDate,
				DepartureEpoch: stu.GetDeparture().GetTime(),
				ArrivalEpoch:   stu.GetArrival().GetTime(),
				DelaySec:       delay,
				LastSeenAtMs:   nowMs,
			})
			continue
		}

		switch stopRel {
		case stopSkipped, stopNoData:
			status := StopSkipped
			if stopRel == stopNoData {
				status = StopNoData
			}
			d.StopStatusByKey[key] = StopStatus{
				TripID:                tripID,
				StopID:                stopID,
				StopSequence:          seq,
				TripStartDate:         startDate,
				Relationship:          status,
				UpdatedDepartureEpoch: epoch,
				LastSeenAtMs:          nowMs,
			}
			continue
		}

		if epoch == 0 && !hasDelay {
			continue
		}
		d.ByKey[key] = DelayEntry{
			TripID:                tripID,
			StopID:                stopID,
			StopSequence:          seq,
			DelaySec:              delay,
			DelayMin:              DelayMinutes(delay),
			HasDelay:              hasDelay,
			UpdatedDepartureEpoch: epoch,
			TripStartDate:         startDate,
			LastSeenAtMs:          nowMs,
		}
	}
}

// DelayMinutes truncates toward zero: a train 59 seconds late shows no delay.
func DelayMinutes(delaySec int) int {
	return delaySec / 60
}

// eventEpoch prefers the departure event and falls back to the arrival.
func eventEpoch(stu *gtfsrt.TripUpdate_StopTimeUpdate) int64 {
	if t := stu.GetDeparture().GetTime(); t != 0 {
		return t
	}
	return stu.GetArrival().GetTime()
}

func eventDelay(stu *gtfsrt.TripUpdate_StopTimeUpdate) (int, bool) {
	if dep := stu.GetDeparture(); dep != nil && dep.Delay != nil {
		return int(dep.GetDelay()), true
	}
	if arr := stu.GetArrival(); arr != nil && arr.Delay != nil {
		return int(arr.GetDelay()), true
	}
	return 0, false
}
