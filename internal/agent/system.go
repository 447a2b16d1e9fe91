package agent

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/cbrain/controlplane/internal/models"
)

// procKB reads "Key: value kB" lines from a /proc file into a map.
func procKB(path string) map[string]int64 {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	vals := make(map[string]int64)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		if v, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			vals[key] = v
		}
	}
	return vals
}

// FillHostMetrics adds memory and load figures to an info probe reply.
// Hosts without /proc leave the fields empty.
func FillHostMetrics(info *models.Info) {
	if mem := procKB("/proc/meminfo"); mem != nil {
		total, avail := mem["MemTotal"], mem["MemAvailable"]
		info.MemTotalMB = int(total >> 10)
		if total > avail {
			info.MemUsedMB = int((total - avail) >> 10)
		}
	}
	if b, err := os.ReadFile("/proc/loadavg"); err == nil {
		if f := strings.Fields(string(b)); len(f) >= 3 {
			info.LoadAverage = f[0] + " " + f[1] + " " + f[2]
		}
	}
}
