package render

import (
	"os"
	"runtime"
	"strings"
)

// PhysicalCores returns the number of physical CPU cores. Encodes are
// compute-bound, so sizing the pool to hyperthreads only adds contention.
func PhysicalCores() int {
	if n := physicalCoresFromProcfs("/proc/cpuinfo"); n > 0 {
		return n
	}
	return halveLogical(runtime.NumCPU())
}

// physicalCoresFromProcfs counts distinct (physical id, core id) pairs.
// Returns 0 when the file is unreadable or lacks topology fields, as on
// non-Linux systems and some containers.
func physicalCoresFromProcfs(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}

	cores := make(map[[2]string]struct{})
	var physID, coreID string
	flush := func() {
		if physID != "" && coreID != "" {
			cores[[2]string{physID, coreID}] = struct{}{}
		}
		physID, coreID = "", ""
	}
	for _, line := range strings.Split(string(b), "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "physical id":
			physID = strings.TrimSpace(value)
		case "core id":
			coreID = strings.TrimSpace(value)
		}
	}
	flush()
	return len(cores)
}

// halveLogical guesses physical cores from the logical count: SMT systems
// report double, small machines usually do not lie.
func halveLogical(logical int) int {
	if logical > 2 && logical%2 == 0 {
		return logical / 2
	}
	if logical < 1 {
		return 1
	}
	return logical
}
