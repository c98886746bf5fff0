// Package notify delivers rendered proactive messages to the user.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/companion/pkg/types"
)

// Notification is one rendered proactive message.
type Notification struct {
	RuleID    string    `json:"rule_id"`
	HistoryID string    `json:"history_id"`
	Target    string    `json:"target"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Dispatcher sends a notification. Errors wrap types.ErrDeliveryFailure.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// LogDispatcher writes notifications to the logger.
type LogDispatcher struct {
	logger *log.Logger
}

func NewLogDispatcher(logger *log.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(_ context.Context, n Notification) error {
	d.logger.Info("proactive message", "rule", n.RuleID, "target", n.Target, "message", n.Message)
	return nil
}

// Fanout sends to every target and succeeds if at least one did. Audit,
// when set, sees every notification but never counts as a delivery.
type Fanout struct {
	Audit   Dispatcher
	Targets []Dispatcher
}

func (f Fanout) Dispatch(ctx context.Context, n Notification) error {
	if f.Audit != nil {
		_ = f.Audit.Dispatch(ctx, n)
	}
	if len(f.Targets) == 0 {
		return fmt.Errorf("%w: no delivery targets configured", types.ErrDeliveryFailure)
	}
	var errs []error
	for _, d := range f.Targets {
		if err := d.Dispatch(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(f.Targets) {
		return fmt.Errorf("%w: %v", types.ErrDeliveryFailure, errors.Join(errs...))
	}
	return nil
}
