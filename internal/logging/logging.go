// Package logging configures the process-wide logrus logger and converts
// protocol values into log fields.
package logging

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/chatfs/internal/protocol"
)

// SetLogger sets the default logger's level and formatter. Unknown levels fall
// back to info.
func SetLogger(level string) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = time.RFC3339
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)

	switch strings.ToLower(level) {
	case "trace":
		logrus.SetLevel(logrus.TraceLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// FrameFields describes f without its payload. Chat text and file contents
// never reach the log.
func FrameFields(f protocol.Frame) logrus.Fields {
	fields := logrus.Fields{
		"type": f.Type.String(),
		"len":  len(f.Data),
	}
	if f.Sender != "" {
		fields["sender"] = f.Sender
	}
	return fields
}
