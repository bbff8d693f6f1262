package engine

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/franksops/hdfsconn/errdefs"
)

// File name tokens.
const (
	TokenFileNum = "%FILENUM"
	TokenTime    = "%TIME"
	TokenHost    = "%HOST"
	TokenProcID  = "%PROCID"
)

// DefaultTimeFormat renders %TIME as yyyyMMdd_HHmmss.
const DefaultTimeFormat = "20060102_150405"

var knownTokens = []string{TokenFileNum, TokenTime, TokenHost, TokenProcID}

// nameTemplate expands a file name pattern for one output file.
type nameTemplate struct {
	pattern    string
	timeFormat string
	host       string
	procID     string
}

func parseNameTemplate(field, pattern, timeFormat string) (*nameTemplate, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, errdefs.Config(field, "must not be empty")
	}

	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '%' {
			continue
		}
		matched := ""
		for _, tok := range knownTokens {
			if strings.HasPrefix(pattern[i:], tok) {
				matched = tok
				break
			}
		}
		if matched == "" {
			return nil, errdefs.Config(field, "unknown token at offset %d in %q", i, pattern)
		}
		i += len(matched) - 1
	}

	if timeFormat == "" {
		timeFormat = DefaultTimeFormat
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}

	return &nameTemplate{
		pattern:    pattern,
		timeFormat: timeFormat,
		host:       host,
		procID:     strconv.Itoa(os.Getpid()),
	}, nil
}

// varies reports whether consecutive files get distinct names.
func (t *nameTemplate) varies() bool {
	return strings.Contains(t.pattern, TokenFileNum) || strings.Contains(t.pattern, TokenTime)
}

func (t *nameTemplate) expand(index uint64, now time.Time) string {
	r := strings.NewReplacer(
		TokenFileNum, strconv.FormatUint(index, 10),
		TokenTime, now.Format(t.timeFormat),
		TokenHost, t.host,
		TokenProcID, t.procID,
	)
	return r.Replace(t.pattern)
}
