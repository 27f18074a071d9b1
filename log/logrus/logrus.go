// Package logrus adapts a *logrus.Entry to devsync.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"
	"github.com/unkn0wn-root/devsync"
)

var _ devsync.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

func (l LogrusLogger) Debug(msg string, f devsync.Fields) { l.with(f).Debug(msg) }
func (l LogrusLogger) Info(msg string, f devsync.Fields)  { l.with(f).Info(msg) }
func (l LogrusLogger) Warn(msg string, f devsync.Fields)  { l.with(f).Warn(msg) }
func (l LogrusLogger) Error(msg string, f devsync.Fields) { l.with(f).Error(msg) }

func (l LogrusLogger) with(f devsync.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	// "err" is logrus' error key; keep it out of the generic fields
	if err, ok := f["err"].(error); ok {
		rest := make(logrus.Fields, len(f)-1)
		for k, v := range f {
			if k != "err" {
				rest[k] = v
			}
		}
		return l.E.WithError(err).WithFields(rest)
	}
	return l.E.WithFields(logrus.Fields(f))
}
