package crypto

import (
	"github.com/sirupsen/logrus"
)

// logEntry returns a crypto log entry tagged with the calling operation.
func logEntry(operation string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"function": operation,
		"package":  "crypto",
	})
}

// blobFields describes data for logs by size and a short content digest.
// The bytes themselves never reach the log.
func blobFields(name string, data []byte) logrus.Fields {
	fields := logrus.Fields{name + "_size": len(data)}
	if len(data) > 0 {
		fields[name+"_digest"] = ContentHash(data)[:12]
	}
	return fields
}
