// Package automations holds the single-purpose webhook handlers that sit
// beside the status dispatcher: document checks, parent relabelling and
// owner-change notifications.
package automations

import (
	"context"

	"github.com/chxlky/boardhooks/internal/models"
	"go.uber.org/zap"
)

// Audit names.
const (
	DocumentsAutomation   = "documents"
	ParentLabelAutomation = "doc-externo"
	OwnerNotifyAutomation = "owner-notify"
)

type Recorder interface {
	Record(ctx context.Context, run *models.AutomationRun) error
}

func record(ctx context.Context, runs Recorder, run *models.AutomationRun) {
	if runs == nil {
		return
	}
	if err := runs.Record(context.WithoutCancel(ctx), run); err != nil {
		zap.L().Warn("Failed to record automation run", zap.String("automation", run.Automation), zap.Error(err))
	}
}

func runStatus(err error, wrote bool) string {
	switch {
	case err != nil:
		return models.RunFailed
	case wrote:
		return models.RunSuccess
	}
	return models.RunSkipped
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
