package logger

import (
	"log/slog"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

var Module = fx.Module("logger")

// FxLogger returns an fx.Option that routes fx events through slog, or the
// NopLogger when FX_LOGS is off.
func FxLogger(cfg Config) fx.Option {
	if !cfg.FxLogs {
		return fx.WithLogger(func() fxevent.Logger {
			return fxevent.NopLogger
		})
	}
	return fx.WithLogger(func() fxevent.Logger {
		return &SlogFxLogger{}
	})
}

// SlogFxLogger adapts slog for fx logging
type SlogFxLogger struct{}

func (l *SlogFxLogger) LogEvent(event fxevent.Event) {
	switch e := event.(type) {
	case *fxevent.OnStartExecuted:
		if e.Err != nil {
			slog.Error("fx: OnStart failed", "callee", e.FunctionName, "error", e.Err)
		} else {
			slog.Debug("fx: OnStart executed", "callee", e.FunctionName, "runtime", e.Runtime)
		}
	case *fxevent.OnStopExecuted:
		if e.Err != nil {
			slog.Error("fx: OnStop failed", "callee", e.FunctionName, "error", e.Err)
		} else {
			slog.Debug("fx: OnStop executed", "callee", e.FunctionName, "runtime", e.Runtime)
		}
	case *fxevent.Supplied:
		if e.Err != nil {
			slog.Error("fx: supply failed", "type", e.TypeName, "error", e.Err)
		}
	case *fxevent.Provided:
		if e.Err != nil {
			slog.Error("fx: provide failed", "constructor", e.ConstructorName, "error", e.Err)
		} else {
			slog.Debug("fx: provided",
				"constructor", e.ConstructorName,
				"types", strings.Join(e.OutputTypeNames, ", "),
			)
		}
	case *fxevent.Invoked:
		if e.Err != nil {
			slog.Error("fx: invoke failed", "function", e.FunctionName, "error", e.Err)
		}
	case *fxevent.Started:
		if e.Err != nil {
			slog.Error("fx: start failed", "error", e.Err)
		} else {
			slog.Info("fx: application started")
		}
	case *fxevent.Stopped:
		if e.Err != nil {
			slog.Error("fx: stop failed", "error", e.Err)
		} else {
			slog.Info("fx: application stopped")
		}
	case *fxevent.RollingBack:
		slog.Error("fx: rolling back", "error", e.StartErr)
	case *fxevent.RolledBack:
		if e.Err != nil {
			slog.Error("fx: rollback failed", "error", e.Err)
		}
	}
}
