// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"inkdex.io/inkdex/private/kvstore"
)

// SaveRunReport stores the report of a finished crawl run.
func (db *DB) SaveRunReport(ctx context.Context, report RunReport) (err error) {
	defer mon.Task()(&ctx)(&err)

	if report.ScrapeRunID == "" {
		return ErrInvalidRecord.New("scrape run id is required")
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(db.store.Put(ctx, runReportKey(report.ScrapeRunID), raw))
}

// GetRunReport returns the report of a run, or ErrNotFound.
func (db *DB) GetRunReport(ctx context.Context, runID string) (_ RunReport, err error) {
	defer mon.Task()(&ctx)(&err)

	raw, err := db.store.Get(ctx, runReportKey(runID))
	if kvstore.ErrKeyNotFound.Has(err) {
		return RunReport{}, ErrNotFound.New("run %s", runID)
	}
	if err != nil {
		return RunReport{}, Error.Wrap(err)
	}
	var report RunReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return RunReport{}, ErrInvalidRecord.Wrap(err)
	}
	return report, nil
}

// ListRunReports returns up to limit reports, most recent first.
func (db *DB) ListRunReports(ctx context.Context, limit int) (_ []RunReport, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 20
	}
	var reports []RunReport
	err = db.store.IteratePrefix(ctx, kvstore.Key(runReportScanPrefix), func(ctx context.Context, item kvstore.Item) error {
		var report RunReport
		if err := json.Unmarshal(item.Value, &report); err != nil {
			return ErrInvalidRecord.Wrap(err)
		}
		reports = append(reports, report)
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].StartedAt.After(reports[j].StartedAt) })
	if len(reports) > limit {
		reports = reports[:limit]
	}
	return reports, nil
}

// DeleteRunReportsBefore removes reports of runs started before
// cutoff and returns how many were removed.
func (db *DB) DeleteRunReportsBefore(ctx context.Context, cutoff time.Time) (deleted int, err error) {
	defer mon.Task()(&ctx)(&err)

	var stale []kvstore.Key
	err = db.store.IteratePrefix(ctx, kvstore.Key(runReportScanPrefix), func(ctx context.Context, item kvstore.Item) error {
		var report RunReport
		if err := json.Unmarshal(item.Value, &report); err != nil {
			return ErrInvalidRecord.Wrap(err)
		}
		if report.StartedAt.Before(cutoff) {
			stale = append(stale, item.Key.Clone())
		}
		return nil
	})
	if err != nil {
		return 0, Error.Wrap(err)
	}
	for _, key := range stale {
		if err := db.store.Delete(ctx, key); err != nil {
			return deleted, Error.Wrap(err)
		}
		deleted++
	}
	return deleted, nil
}
