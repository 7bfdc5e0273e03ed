package calendar

import (
	"time"

	"github.com/teambition/rrule-go"

	logx "studyagent/pkg/logx"
)

const maxOccurrencesPerEvent = 1000

// Occurrence is a single concrete instance of a calendar event.
type Occurrence struct {
	SourceID    string
	UID         string
	Summary     string
	Description string
	Location    string
	AllDay      bool
	Start       time.Time
	End         time.Time

	// RecurrenceID is the RRULE slot this instance fills; zero for
	// non-recurring events. It does not move when the instance is
	// rescheduled.
	RecurrenceID time.Time
}

// Key identifies one instance across syncs. It ignores Start so a moved
// event keeps its key.
func (o Occurrence) Key() string {
	if o.RecurrenceID.IsZero() {
		return o.UID
	}
	return o.UID + "/" + o.RecurrenceID.UTC().Format("20060102T150405Z")
}

// expand turns parsed events into occurrences overlapping [from, to]. RRULE,
// EXDATE and RECURRENCE-ID overrides are honoured.
func expand(events []parsedEvent, from, to time.Time, log logx.Logger) []Occurrence {
	if to.Before(from) {
		return nil
	}
	base := make(map[string][]parsedEvent)
	overrides := make(map[string][]parsedEvent)
	order := make([]string, 0)
	for _, ev := range events {
		if ev.Recurrence != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		if _, seen := base[ev.UID]; !seen {
			order = append(order, ev.UID)
		}
		base[ev.UID] = append(base[ev.UID], ev)
	}

	out := make([]Occurrence, 0)
	for _, uid := range order {
		for _, ev := range base[uid] {
			if ev.RawRRule == "" {
				start, end, src := ev.Start, ev.End, ev
				if o, ok := findOverride(overrides[uid], ev.Start); ok {
					start, end, src = o.Start, o.End, o
				}
				if overlaps(start, end, from, to) {
					out = append(out, makeOccurrence(src, start, end, time.Time{}))
				}
				continue
			}
			out = append(out, expandRecurring(ev, overrides[uid], from, to, log)...)
		}
	}
	return out
}

func expandRecurring(ev parsedEvent, ovs []parsedEvent, from, to time.Time, log logx.Logger) []Occurrence {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		log.Debug("ics rrule skipped", logx.String("uid", ev.UID), logx.String("rrule", ev.RawRRule), logx.Err(err))
		return nil
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	dur := ev.End.Sub(ev.Start)
	// Widen the window by the duration so instances already running at
	// `from` are still found.
	times := set.Between(from.Add(-dur).In(ev.Start.Location()), to.In(ev.Start.Location()), true)
	if len(times) > maxOccurrencesPerEvent {
		log.Warn("ics occurrences truncated", logx.String("uid", ev.UID), logx.Int("cap", maxOccurrencesPerEvent))
		times = times[:maxOccurrencesPerEvent]
	}

	out := make([]Occurrence, 0, len(times))
	for _, slot := range times {
		start, end, src := slot, slot.Add(dur), ev
		if o, ok := findOverride(ovs, slot); ok {
			start, end, src = o.Start, o.End, o
		}
		if overlaps(start, end, from, to) {
			out = append(out, makeOccurrence(src, start, end, slot))
		}
	}
	return out
}

func findOverride(ovs []parsedEvent, start time.Time) (parsedEvent, bool) {
	for _, o := range ovs {
		if o.Recurrence != nil && o.Recurrence.Equal(start) {
			return o, true
		}
	}
	return parsedEvent{}, false
}

func makeOccurrence(ev parsedEvent, start, end, slot time.Time) Occurrence {
	return Occurrence{
		SourceID:     ev.Source.ID,
		UID:          ev.UID,
		Summary:      ev.Summary,
		Description:  ev.Description,
		Location:     ev.Location,
		AllDay:       ev.AllDay,
		Start:        start,
		End:          end,
		RecurrenceID: slot,
	}
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Before(aStart) {
		aEnd = aStart
	}
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}
