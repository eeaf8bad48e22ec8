package stream

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// FormatFilename expands target filename tags: %app%, %pid%, %capture%
// and the timestamp tags %year% %month% %day% %hour% %min% %sec%.
// The capture counter increments on every target rotation.
func FormatFilename(format string, capture uint, now time.Time) string {
	r := strings.NewReplacer(
		"%app%", appName(),
		"%pid%", fmt.Sprint(os.Getpid()),
		"%capture%", fmt.Sprint(capture),
		"%year%", fmt.Sprintf("%04d", now.Year()),
		"%month%", fmt.Sprintf("%02d", now.Month()),
		"%day%", fmt.Sprintf("%02d", now.Day()),
		"%hour%", fmt.Sprintf("%02d", now.Hour()),
		"%min%", fmt.Sprintf("%02d", now.Minute()),
		"%sec%", fmt.Sprintf("%02d", now.Second()),
	)
	return r.Replace(format)
}
