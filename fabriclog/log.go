// Package fabriclog provides the logging infrastructure for the Legacy Data
// Fabric. It routes error-level entries to stderr and everything else to
// stdout so container log collectors can treat the two streams differently,
// and it standardizes the structured fields every fabric component attaches
// to its log entries.
package fabriclog

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// Fields is re-exported so callers don't need a direct logrus import just to
// build a structured log entry.
type Fields = logrus.Fields

// Standard field names attached by fabric components. Not every entry uses
// every field.
const (
	FieldFabric   = "fabric"
	FieldID       = "id"
	FieldAction   = "action"
	FieldEntryID  = "entry_id"
	FieldDuration = "duration_ms"
	FieldAttempt  = "attempt"
	FieldTier     = "tier"
)

// outputSplitter routes logrus-formatted entries to stdout or stderr based
// on level.
type outputSplitter struct{}

func (outputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the package-wide logger used by every fabric component; there is
// no per-component logger option. Tests may swap its output or level;
// production embedders typically leave it as-is.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(outputSplitter{})
}

// For returns a logger entry pre-populated with the fabric name, the way
// every fabric-scoped operation should start its structured fields.
func For(fabricName string) *logrus.Entry {
	return Logger.WithField(FieldFabric, fabricName)
}
