package calendar

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"studyagent/internal/store"
	logx "studyagent/pkg/logx"
)

// ErrNoSources is returned by Sync when no feed is configured.
var ErrNoSources = errors.New("calendar: no sources configured")

type Config struct {
	Sources    []string
	CacheDir   string
	Timeout    time.Duration
	UserAgent  string
	IncludeAll bool // keep events that do not look like assignments
}

// Service pulls ICS feeds and writes assignment-like occurrences to a sink.
type Service struct {
	cfg   Config
	fetch *fetcher
	sink  store.RecordSink
	log   logx.Logger
	now   func() time.Time
}

func New(cfg Config, sink store.RecordSink, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		fetch: newFetcher(cfg.CacheDir, cfg.UserAgent, cfg.Timeout, log),
		sink:  sink,
		log:   log,
		now:   time.Now,
	}
}

func (s *Service) sources() []Source {
	out := make([]Source, 0, len(s.cfg.Sources))
	for i, u := range s.cfg.Sources {
		out = append(out, Source{ID: "ics" + strconv.Itoa(i), URL: u})
	}
	return out
}

// Sync imports occurrences in [now, now+daysAhead]. It reports false when any
// source could not be fetched or parsed; records from healthy sources are
// still written. A sink failure is returned as an error.
func (s *Service) Sync(ctx context.Context, daysAhead int) (bool, error) {
	sources := s.sources()
	if len(sources) == 0 {
		return false, ErrNoSources
	}
	if daysAhead <= 0 {
		daysAhead = 1
	}
	from := s.now()
	to := from.AddDate(0, 0, daysAhead)
	synced := from.UTC()

	ok := true
	records := make([]store.Record, 0)
	skipped := 0
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		res, err := s.fetch.fetch(ctx, src)
		if err != nil {
			ok = false
			s.log.Warn("calendar source fetch failed", logx.String("source", src.ID), logx.String("url", redactURL(src.URL)), logx.Err(err))
			continue
		}
		events, err := parseICS(src, res.Body, s.log)
		if err != nil {
			ok = false
			s.log.Warn("calendar source parse failed", logx.String("source", src.ID), logx.Err(err))
			continue
		}
		for _, occ := range expand(events, from, to, s.log) {
			rec, keep := s.toRecord(occ, synced)
			if !keep {
				skipped++
				continue
			}
			records = append(records, rec)
		}
	}

	if len(records) > 0 {
		if _, err := s.sink.UpsertRecords(ctx, records); err != nil {
			return false, fmt.Errorf("upsert records: %w", err)
		}
	}
	s.log.Info("calendar synced",
		logx.Int("sources", len(sources)),
		logx.Int("records", len(records)),
		logx.Int("skipped", skipped),
		logx.Bool("complete", ok),
	)
	return ok, nil
}

func (s *Service) toRecord(occ Occurrence, synced time.Time) (store.Record, bool) {
	typ, matched := Classify(occ.Summary, occ.Description)
	if !matched && !s.cfg.IncludeAll {
		return store.Record{}, false
	}
	rec := store.Record{
		SourceKey:   occ.Key(),
		Title:       occ.Summary,
		Description: occ.Description,
		Course:      ExtractCourse(occ.Summary),
		Type:        typ,
		Topics:      ExtractTopics(occ.Description),
		StartAt:     occ.Start.UTC(),
		SyncedAt:    synced,
	}
	if !occ.End.IsZero() && occ.End.After(occ.Start) {
		end := occ.End.UTC()
		rec.EndAt = &end
	}
	return rec, true
}
