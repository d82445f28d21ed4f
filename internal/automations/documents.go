package automations

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chxlky/boardhooks/internal/actions"
	"github.com/chxlky/boardhooks/internal/event"
	"github.com/chxlky/boardhooks/internal/models"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

type DocumentsClient interface {
	ItemColumnValues(ctx context.Context, itemID string) (*models.Item, error)
	Subitems(ctx context.Context, itemID string) ([]models.Subitem, error)
}

type DocumentsOptions struct {
	Column       string
	RequiredFile string
	FileCount    int
	SubitemName  string
	CheckColumn  string
}

// Documents closes the "open work order" subitem once an item's documents
// column holds exactly the expected number of files, one of them the
// required file.
type Documents struct {
	client DocumentsClient
	exec   *actions.Executor
	runs   Recorder
	opts   DocumentsOptions
}

func NewDocuments(client DocumentsClient, exec *actions.Executor, runs Recorder, opts DocumentsOptions) *Documents {
	return &Documents{client: client, exec: exec, runs: runs, opts: opts}
}

type File struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// DocumentsReport is the trace of one check, returned by Preview.
type DocumentsReport struct {
	ItemID       string   `json:"itemId"`
	ItemName     string   `json:"itemName,omitempty"`
	HasColumn    bool     `json:"hasDocumentsColumn"`
	Files        []File   `json:"files"`
	HasRequired  bool     `json:"hasRequiredFile"`
	ConditionMet bool     `json:"conditionMet"`
	SubitemID    string   `json:"subitemId,omitempty"`
	WouldMark    bool     `json:"wouldMark"`
	Marked       bool     `json:"marked"`
	Steps        []string `json:"steps"`
}

func (r *DocumentsReport) step(format string, args ...any) {
	r.Steps = append(r.Steps, fmt.Sprintf(format, args...))
}

// Handle processes a webhook body. Events on other columns are ignored.
func (d *Documents) Handle(ctx context.Context, body map[string]any) error {
	ev := event.Normalize(body)
	if event.Fold(ev.ColumnTitle) != event.Fold(d.opts.Column) {
		zap.L().Debug("Not a documents column event, ignoring", zap.String("column", ev.ColumnTitle))
		return nil
	}
	if ev.ItemID == "" {
		zap.L().Warn("Documents event without item id")
		return nil
	}

	report, err := d.check(ctx, ev.ItemID, true)
	run := &models.AutomationRun{
		Automation: DocumentsAutomation,
		ItemID:     ev.ItemID,
		TargetID:   report.SubitemID,
		Status:     runStatus(err, report.Marked),
		Message:    strings.Join(report.Steps, "; "),
	}
	if err != nil {
		run.Message = err.Error()
	}
	record(ctx, d.runs, run)
	return err
}

// Preview runs the check without writing anything.
func (d *Documents) Preview(ctx context.Context, itemID string) (*DocumentsReport, error) {
	return d.check(ctx, itemID, false)
}

func (d *Documents) check(ctx context.Context, itemID string, apply bool) (*DocumentsReport, error) {
	report := &DocumentsReport{ItemID: itemID, Files: []File{}}
	log := zap.L().With(zap.String("itemID", itemID))

	item, err := d.client.ItemColumnValues(ctx, itemID)
	if err != nil {
		return report, fmt.Errorf("reading column values of %s: %w", itemID, err)
	}
	report.ItemName = item.Name

	var cell *models.ColumnValue
	want := event.Fold(d.opts.Column)
	for i, cv := range item.ColumnValues {
		if cv.Column != nil && event.Fold(cv.Column.Title) == want {
			cell = &item.ColumnValues[i]
			break
		}
	}
	if cell == nil {
		log.Warn("Documents column not found", zap.String("column", d.opts.Column))
		report.step("column %s not found", d.opts.Column)
		return report, nil
	}
	report.HasColumn = true
	report.Files = ExtractFiles(*cell)

	required := strings.ToLower(d.opts.RequiredFile)
	for _, f := range report.Files {
		if strings.Contains(strings.ToLower(f.Name), required) {
			report.HasRequired = true
			break
		}
	}
	report.ConditionMet = len(report.Files) == d.opts.FileCount && report.HasRequired
	report.step("%d file(s), %s present: %t", len(report.Files), d.opts.RequiredFile, report.HasRequired)
	log.Info("Documents checked",
		zap.Int("files", len(report.Files)),
		zap.Bool("hasRequired", report.HasRequired),
		zap.Bool("conditionMet", report.ConditionMet))
	if !report.ConditionMet {
		return report, nil
	}

	subitems, err := d.client.Subitems(ctx, itemID)
	if err != nil {
		return report, fmt.Errorf("fetching subitems of %s: %w", itemID, err)
	}
	var (
		target models.Subitem
		found  bool
	)
	name := event.Fold(d.opts.SubitemName)
	for _, s := range subitems {
		if event.Fold(s.Name) == name {
			target, found = s, true
			break
		}
	}
	if !found {
		log.Warn("Subitem not found", zap.String("name", d.opts.SubitemName), zap.Int("subitems", len(subitems)))
		report.step("subitem %s not found", d.opts.SubitemName)
		return report, nil
	}
	report.SubitemID = target.ID
	if _, ok := actions.FindColumn(target.Board.Columns, d.opts.CheckColumn, actions.CheckboxTypes...); !ok {
		report.step("column %s not found on subitem %s", d.opts.CheckColumn, target.ID)
		return report, nil
	}
	report.WouldMark = true

	if !apply {
		report.step("preview: subitem %s would be marked %s", target.ID, d.opts.CheckColumn)
		return report, nil
	}
	res, err := d.exec.ForceChecked(ctx, actions.SubitemTarget(target), d.opts.CheckColumn)
	if err != nil {
		return report, err
	}
	report.Marked = res.Wrote()
	report.step("subitem %s marked %s", target.ID, d.opts.CheckColumn)
	log.Info("Work order subitem marked done", zap.String("subitemID", target.ID))
	return report, nil
}

// ExtractFiles reads the files held by a file column: value.files, a bare
// array, value.assets, or failing those the comma separated text.
func ExtractFiles(cv models.ColumnValue) []File {
	var raw []any
	if v := strings.TrimSpace(cv.Value); v != "" && v != "null" {
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			switch x := decoded.(type) {
			case []any:
				raw = x
			case map[string]any:
				if files, ok := x["files"].([]any); ok {
					raw = files
				} else if assets, ok := x["assets"].([]any); ok {
					raw = assets
				}
			}
		}
	}

	files := make([]File, 0, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		f := File{
			ID:   firstOf(m, "id", "asset_id", "fileId"),
			Name: firstOf(m, "name", "file_name", "filename"),
			URL:  firstOf(m, "url", "file_url"),
		}
		if f.ID == "" {
			f.ID = fmt.Sprintf("file-%d", i)
		}
		if f.Name == "" {
			f.Name = "unnamed"
		}
		files = append(files, f)
	}
	if len(files) > 0 {
		return files
	}

	for _, name := range strings.Split(cv.Text, ",") {
		if name = strings.TrimSpace(name); name != "" {
			files = append(files, File{ID: fmt.Sprintf("file-%d", len(files)), Name: name})
		}
	}
	return files
}

func firstOf(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(cast.ToString(m[k])); s != "" {
			return s
		}
	}
	return ""
}
