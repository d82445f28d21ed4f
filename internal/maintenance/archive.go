// Package maintenance holds the bulk jobs run against whole boards: archiving
// stale items and closing the subitems of a finished group. Both pace their
// mutations to stay under the platform's rate limits.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chxlky/boardhooks/internal/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const ArchiveAutomation = "archive"

var ErrAlreadyRunning = errors.New("archive already running")

type Recorder interface {
	Record(ctx context.Context, run *models.AutomationRun) error
}

type ArchiveClient interface {
	ItemsPage(ctx context.Context, boardID, cursor string, limit int) (*models.ItemsPage, error)
	ArchiveItem(ctx context.Context, itemID string) error
}

type ArchiveOptions struct {
	BoardIDs []string
	Days     int
	// DryRun lists what would be archived without archiving it.
	DryRun    bool
	PageSize  int
	Pause     time.Duration
	PagePause time.Duration
}

type ArchiveReport struct {
	BoardIDs   []string  `json:"boardIds"`
	DryRun     bool      `json:"dryRun"`
	Cutoff     time.Time `json:"cutoff"`
	Scanned    int       `json:"scanned"`
	Undated    int       `json:"undated"`
	Stale      int       `json:"stale"`
	Archived   int       `json:"archived"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

type Archiver struct {
	client  ArchiveClient
	runs    Recorder
	opts    ArchiveOptions
	now     func() time.Time
	running atomic.Bool
}

func NewArchiver(client ArchiveClient, runs Recorder, opts ArchiveOptions) *Archiver {
	if opts.PageSize <= 0 {
		opts.PageSize = 200
	}
	if opts.PagePause <= 0 {
		opts.PagePause = 300 * time.Millisecond
	}
	return &Archiver{client: client, runs: runs, opts: opts, now: time.Now}
}

// DryRun reports whether runs only list candidates.
func (a *Archiver) DryRun() bool { return a.opts.DryRun }

// Run walks every configured board and archives items not updated within
// the configured number of days. A failing page stops that board; a failing
// archive is counted and the walk continues. Only one run at a time.
func (a *Archiver) Run(ctx context.Context) (ArchiveReport, error) {
	if !a.running.CompareAndSwap(false, true) {
		return ArchiveReport{}, ErrAlreadyRunning
	}
	defer a.running.Store(false)

	report := ArchiveReport{
		BoardIDs:  a.opts.BoardIDs,
		DryRun:    a.opts.DryRun,
		StartedAt: a.now(),
	}
	report.Cutoff = report.StartedAt.AddDate(0, 0, -a.opts.Days)
	zap.L().Info("Archive run started",
		zap.Strings("boardIDs", a.opts.BoardIDs),
		zap.Int("days", a.opts.Days),
		zap.Time("cutoff", report.Cutoff),
		zap.Bool("dryRun", a.opts.DryRun))

	var errs error
	for _, board := range a.opts.BoardIDs {
		if err := a.archiveBoard(ctx, board, &report); err != nil {
			errs = multierr.Append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	report.FinishedAt = a.now()

	zap.L().Info("Archive run finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("stale", report.Stale),
		zap.Int("archived", report.Archived),
		zap.Int("failed", report.Failed),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)),
		zap.Error(errs))
	a.record(ctx, report, errs)
	return report, errs
}

func (a *Archiver) archiveBoard(ctx context.Context, boardID string, report *ArchiveReport) error {
	log := zap.L().With(zap.String("boardID", boardID))
	var errs error
	cursor := ""
	for page := 1; ; page++ {
		p, err := a.client.ItemsPage(ctx, boardID, cursor, a.opts.PageSize)
		if err != nil {
			return multierr.Append(errs, fmt.Errorf("board %s page %d: %w", boardID, page, err))
		}
		if p == nil {
			log.Info("No more pages", zap.Int("page", page))
			return errs
		}
		log.Debug("Page fetched", zap.Int("page", page), zap.Int("items", len(p.Items)))

		for _, it := range p.Items {
			report.Scanned++
			last, ok := LastUpdated(it)
			if !ok {
				report.Undated++
				continue
			}
			if !last.Before(report.Cutoff) {
				continue
			}
			report.Stale++
			if a.opts.DryRun {
				log.Info("Would archive item", zap.String("itemID", it.ID), zap.String("name", it.Name), zap.Time("lastUpdated", last))
				continue
			}
			if err := a.client.ArchiveItem(ctx, it.ID); err != nil {
				report.Failed++
				errs = multierr.Append(errs, fmt.Errorf("archiving %s: %w", it.ID, err))
				log.Error("Failed to archive item", zap.String("itemID", it.ID), zap.Error(err))
			} else {
				report.Archived++
				log.Info("Item archived", zap.String("itemID", it.ID), zap.String("name", it.Name), zap.Time("lastUpdated", last))
			}
			if err := sleep(ctx, a.opts.Pause); err != nil {
				return multierr.Append(errs, err)
			}
		}

		if p.Cursor == "" {
			return errs
		}
		cursor = p.Cursor
		if err := sleep(ctx, a.opts.PagePause); err != nil {
			return multierr.Append(errs, err)
		}
	}
}

func (a *Archiver) record(ctx context.Context, report ArchiveReport, err error) {
	if a.runs == nil {
		return
	}
	run := &models.AutomationRun{
		Automation: ArchiveAutomation,
		Status:     models.RunSuccess,
		Message: fmt.Sprintf("scanned %d, stale %d, archived %d, failed %d, dry run %t",
			report.Scanned, report.Stale, report.Archived, report.Failed, report.DryRun),
	}
	if err != nil {
		run.Status = models.RunFailed
		run.Message += ": " + err.Error()
	}
	if rerr := a.runs.Record(context.WithoutCancel(ctx), run); rerr != nil {
		zap.L().Warn("Failed to record archive run", zap.Error(rerr))
	}
}

// Start runs the archiver every interval until ctx is done.
func (a *Archiver) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				zap.L().Info("Archive worker shutting down")
				return
			case <-ticker.C:
				if _, err := a.Run(ctx); err != nil {
					zap.L().Error("Scheduled archive run failed", zap.Error(err))
				}
			}
		}
	}()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
