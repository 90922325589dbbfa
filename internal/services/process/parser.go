package process

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// longFormat matches one `ps aux` row. Numeric columns accept only plain
// decimals and the command must be non-empty. The command group is greedy so
// that arguments containing whitespace survive intact.
var longFormat = regexp.MustCompile(
	`^\s*(\S+)\s+(\d+)\s+(\d+(?:\.\d+)?)\s+(\d+(?:\.\d+)?)\s+(\d+)\s+(\d+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S.*)$`)

// shortFields is the column count of `ps -ef`: UID PID PPID C STIME TTY TIME CMD.
const shortFields = 8

// Parse converts raw listing output into records. Lines that do not fit the
// detected layout are dropped; Parse never fails.
func Parse(raw string) []Record {
	return ParseWithLogger(raw, nil)
}

// ParseWithLogger is Parse with skipped lines reported at debug level.
func ParseWithLogger(raw string, logger *slog.Logger) []Record {
	records := make([]Record, 0)

	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")

	parseLine := parseShort
	if strings.Contains(lines[0], "USER") {
		parseLine = parseLong
	}

	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, ok := parseLine(line)
		if !ok {
			if logger != nil {
				logger.Debug("skipping unparseable process line", "line", line)
			}
			continue
		}
		records = append(records, rec)
	}

	return records
}

func parseLong(line string) (Record, bool) {
	m := longFormat.FindStringSubmatch(line)
	if m == nil {
		return Record{}, false
	}

	pid, err := strconv.Atoi(m[2])
	if err != nil {
		return Record{}, false
	}
	cpu, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return Record{}, false
	}
	mem, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return Record{}, false
	}
	vsz, err := strconv.ParseInt(m[5], 10, 64)
	if err != nil {
		return Record{}, false
	}
	rss, err := strconv.ParseInt(m[6], 10, 64)
	if err != nil {
		return Record{}, false
	}

	return Record{
		PID:              pid,
		User:             m[1],
		CPUPercent:       cpu,
		MemPercent:       mem,
		VirtualMemoryKB:  vsz,
		ResidentMemoryKB: rss,
		TTY:              m[7],
		State:            m[8],
		StartTime:        m[9],
		CPUTime:          m[10],
		Command:          strings.TrimSpace(m[11]),
	}, true
}

func parseShort(line string) (Record, bool) {
	fields := splitN(strings.TrimSpace(line), shortFields)
	if len(fields) < shortFields {
		return Record{}, false
	}

	if !isDigits(fields[1]) {
		return Record{}, false
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return Record{}, false
	}

	return Record{
		PID:       pid,
		User:      fields[0],
		TTY:       fields[5],
		StartTime: fields[4],
		CPUTime:   fields[6],
		Command:   fields[7],
	}, true
}

// splitN splits s on runs of whitespace into at most n fields. The last field
// keeps the remainder of the line with its internal spacing.
func splitN(s string, n int) []string {
	fields := make([]string, 0, n)
	for len(fields) < n-1 {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			return fields
		}
		end := strings.IndexAny(s, " \t")
		if end < 0 {
			return append(fields, s)
		}
		fields = append(fields, s[:end])
		s = s[end:]
	}
	if s = strings.TrimLeft(s, " \t"); s != "" {
		fields = append(fields, s)
	}
	return fields
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
