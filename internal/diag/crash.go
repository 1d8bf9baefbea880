// Package diag writes crash artifacts when a patch run dies.
package diag

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FatalFileName is overwritten on every crash so tooling can always find
// the latest one.
const FatalFileName = "preloader_fatal.log"

// TimestampedName returns the per-crash log name for now,
// preloader_<yyyyMMdd_HHmmss_fff>.log.
func TimestampedName(now time.Time) string {
	return fmt.Sprintf("preloader_%s_%03d.log", now.Format("20060102_150405"), now.Nanosecond()/int(time.Millisecond))
}

// WriteCrash records err and detail (usually the run's log output) in dir,
// once under FatalFileName and once under TimestampedName. It returns the
// paths that were written. Both writes are attempted even if one fails.
func WriteCrash(dir string, err error, detail string, now time.Time) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create crash dir: %w", err)
	}
	content := Format(err, detail, now)

	var written []string
	var errs []error
	for _, name := range []string{FatalFileName, TimestampedName(now)} {
		path := filepath.Join(dir, name)
		if werr := os.WriteFile(path, []byte(content), 0o644); werr != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", path, werr))
			continue
		}
		written = append(written, path)
	}
	return written, errors.Join(errs...)
}

// Format renders a crash report.
func Format(err error, detail string, now time.Time) string {
	var sb strings.Builder
	sb.WriteString("Unhandled exception during patching\n")
	sb.WriteString("Time: " + now.UTC().Format(time.RFC3339Nano) + "\n")
	if err != nil {
		sb.WriteString("Error: " + err.Error() + "\n")
		for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
			sb.WriteString("Caused by: " + cause.Error() + "\n")
		}
	}
	if detail = strings.TrimRight(detail, "\n"); detail != "" {
		sb.WriteString("\n" + detail + "\n")
	}
	return sb.String()
}
