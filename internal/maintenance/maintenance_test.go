package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chxlky/boardhooks/internal/models"
)

func TestParseDate(t *testing.T) {
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }
	cases := map[string]time.Time{
		"2024-03-05":                     day(2024, time.March, 5),
		"updated 2024-03-05T10:11:12.5Z": time.Date(2024, time.March, 5, 10, 11, 12, 500000000, time.UTC),
		"5/3/2024":                       day(2024, time.March, 5),
		"em 25/12/2023 às 10h":           day(2023, time.December, 25),
		"Set 9, 2024":                    day(2024, time.September, 9),
		"Fevereiro 1, 2023":              day(2023, time.February, 1),
		"Aug 30, 2022":                   day(2022, time.August, 30),
	}
	for in, want := range cases {
		got, ok := ParseDate(in)
		if !ok || !got.Equal(want) {
			t.Fatalf("ParseDate(%q) = %v %v, want %v", in, got, ok, want)
		}
	}
	for _, in := range []string{"", "Pago", "Responsável", "13/13/2024"} {
		if _, ok := ParseDate(in); ok {
			t.Fatalf("ParseDate(%q) should fail", in)
		}
	}
}

func TestLastUpdated(t *testing.T) {
	it := models.Item{ID: "1", UpdatedAt: "2024-01-02T03:04:05Z"}
	if got, ok := LastUpdated(it); !ok || got.Year() != 2024 || got.Day() != 2 {
		t.Fatalf("expected item updated_at, got %v %v", got, ok)
	}

	it = models.Item{ID: "2", ColumnValues: []models.ColumnValue{
		{ID: "status", Text: "Pago", Value: `{"index":1}`},
		{ID: "date", Value: `{"date":"2023-07-08","changed_at":"x"}`},
	}}
	if got, ok := LastUpdated(it); !ok || !got.Equal(time.Date(2023, 7, 8, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected JSON date, got %v %v", got, ok)
	}

	if _, ok := LastUpdated(models.Item{ID: "3", ColumnValues: []models.ColumnValue{{Text: "nada"}}}); ok {
		t.Fatalf("expected undated item")
	}
}

type fakeBoards struct {
	pages     map[string][]*models.ItemsPage // board -> pages by cursor order
	archived  []string
	failIDs   map[string]bool
	pageCalls []string
}

func (f *fakeBoards) ItemsPage(ctx context.Context, boardID, cursor string, limit int) (*models.ItemsPage, error) {
	f.pageCalls = append(f.pageCalls, boardID+":"+cursor)
	pages, ok := f.pages[boardID]
	if !ok {
		return nil, nil
	}
	idx := 0
	if cursor != "" {
		for i, p := range pages {
			if p.Cursor == cursor {
				idx = i + 1
			}
		}
	}
	if idx >= len(pages) {
		return nil, errors.New("bad cursor")
	}
	return pages[idx], nil
}

func (f *fakeBoards) ArchiveItem(ctx context.Context, itemID string) error {
	if f.failIDs[itemID] {
		return errors.New("rate limited")
	}
	f.archived = append(f.archived, itemID)
	return nil
}

type fakeRecorder struct {
	runs []models.AutomationRun
}

func (r *fakeRecorder) Record(ctx context.Context, run *models.AutomationRun) error {
	r.runs = append(r.runs, *run)
	return nil
}

func boards() *fakeBoards {
	return &fakeBoards{
		failIDs: map[string]bool{},
		pages: map[string][]*models.ItemsPage{
			"10": {
				{Cursor: "c1", Items: []models.Item{
					{ID: "old", UpdatedAt: "2020-01-01T00:00:00Z"},
					{ID: "new", UpdatedAt: "2025-08-30T00:00:00Z"},
				}},
				{Cursor: "", Items: []models.Item{
					{ID: "undated", ColumnValues: []models.ColumnValue{{Text: "x"}}},
					{ID: "oldtext", ColumnValues: []models.ColumnValue{{Text: "01/02/2021"}}},
				}},
			},
		},
	}
}

func newTestArchiver(client ArchiveClient, runs Recorder, dryRun bool, boardIDs ...string) *Archiver {
	a := NewArchiver(client, runs, ArchiveOptions{BoardIDs: boardIDs, Days: 202, DryRun: dryRun, PagePause: time.Millisecond})
	a.now = func() time.Time { return time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC) }
	return a
}

func TestArchiverArchivesStaleItems(t *testing.T) {
	client := boards()
	runs := &fakeRecorder{}
	report, err := newTestArchiver(client, runs, false, "10", "missing").Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Scanned != 4 || report.Stale != 2 || report.Archived != 2 || report.Undated != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(client.archived) != 2 || client.archived[0] != "old" || client.archived[1] != "oldtext" {
		t.Fatalf("unexpected archived %v", client.archived)
	}
	if len(runs.runs) != 1 || runs.runs[0].Status != models.RunSuccess {
		t.Fatalf("unexpected audit %+v", runs.runs)
	}
}

func TestArchiverDryRunDoesNotArchive(t *testing.T) {
	client := boards()
	report, err := newTestArchiver(client, nil, true, "10").Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Stale != 2 || report.Archived != 0 || len(client.archived) != 0 {
		t.Fatalf("dry run archived: %+v %v", report, client.archived)
	}
}

func TestArchiverContinuesPastFailures(t *testing.T) {
	client := boards()
	client.failIDs["old"] = true
	report, err := newTestArchiver(client, nil, false, "10").Run(context.Background())
	if err == nil {
		t.Fatalf("expected aggregated error")
	}
	if report.Failed != 1 || report.Archived != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestArchiverRejectsConcurrentRun(t *testing.T) {
	a := newTestArchiver(boards(), nil, true, "10")
	a.running.Store(true)
	if _, err := a.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

type fakeGroup struct {
	items  []models.Item
	writes map[string]string
	fail   string
}

func (f *fakeGroup) GroupItemsPage(ctx context.Context, boardID, groupID string, page, limit int) ([]models.Item, error) {
	start := (page - 1) * limit
	if start >= len(f.items) {
		return nil, nil
	}
	end := start + limit
	if end > len(f.items) {
		end = len(f.items)
	}
	return f.items[start:end], nil
}

func (f *fakeGroup) ChangeColumnValue(ctx context.Context, boardID, itemID, columnID string, value any) error {
	if itemID == f.fail {
		return errors.New("complexity budget exhausted")
	}
	f.writes[itemID] = boardID
	return nil
}

func TestGroupCloserUpdatesEverySubitem(t *testing.T) {
	client := &fakeGroup{writes: map[string]string{}, fail: "s3"}
	for _, id := range []string{"1", "2", "3"} {
		client.items = append(client.items, models.Item{ID: id, Subitems: []models.Subitem{{ID: "s" + id, Board: models.Board{ID: "sub-board"}}}})
	}
	client.items[0].Subitems[0].Board.ID = ""

	idx := 3
	report, err := NewGroupCloser(client, nil, 0).Close(context.Background(), CloseRequest{
		BoardID: "9852597957", GroupID: "group_done", ColumnID: "status", Index: &idx, PageSize: 2,
	})
	if err == nil {
		t.Fatalf("expected error for failed subitem")
	}
	if report.Items != 3 || report.Subitems != 3 || report.Updated != 2 || len(report.Failed) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if client.writes["s1"] != "9852597957" || client.writes["s2"] != "sub-board" {
		t.Fatalf("unexpected boards %v", client.writes)
	}
}

func TestCloseRequestNeedsOneValue(t *testing.T) {
	idx := 1
	for _, req := range []CloseRequest{{}, {Label: "Fechado", Index: &idx}} {
		if _, err := NewGroupCloser(&fakeGroup{}, nil, 0).Close(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest, got %v", err)
		}
	}
}
