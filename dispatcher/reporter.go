package dispatcher

import (
	"context"
	"fmt"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/fabric"
)

// Reporter returns a logger that also sends its output to the caller of the
// action: Info as an informational report, Warn and above as error reports.
// Trace and Debug stay local. Reports are queued like Report.
func (a *Action) Reporter() drama.Logger {
	return reporter{action: a, logger: a.logger}
}

type reporter struct {
	action *Action
	logger drama.Logger
}

func (r reporter) queue(kind fabric.ReportKind, msg string, args []any) {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	r.action.ctx.reports = append(r.action.ctx.reports, report{kind: kind, text: msg})
}

func (r reporter) Trace(msg string, args ...any) { r.logger.Trace(msg, args...) }
func (r reporter) Debug(msg string, args ...any) { r.logger.Debug(msg, args...) }

func (r reporter) Info(msg string, args ...any) {
	r.logger.Info(msg, args...)
	r.queue(fabric.ReportInfo, msg, args)
}

func (r reporter) Warn(msg string, args ...any) {
	r.logger.Warn(msg, args...)
	r.queue(fabric.ReportError, msg, args)
}

func (r reporter) Error(msg string, args ...any) {
	r.logger.Error(msg, args...)
	r.queue(fabric.ReportError, msg, args)
}

// Fatal queues before logging, the logger may not return.
func (r reporter) Fatal(msg string, args ...any) {
	r.queue(fabric.ReportError, msg, args)
	r.logger.Fatal(msg, args...)
}

func (r reporter) WithContext(ctx context.Context) drama.Logger {
	return reporter{action: r.action, logger: r.logger.WithContext(ctx)}
}

func (r reporter) WithFields(fields map[string]any) drama.Logger {
	return reporter{action: r.action, logger: drama.WithLoggerFields(r.logger, fields)}
}
