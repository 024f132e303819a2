package telemetry

import (
	"fmt"
	"os"
	"strings"
)

// containerIDForPID reads a process's cgroup file and extracts the
// container id it runs under: the first path segment after /docker/, or
// the id inside a docker-<id>.scope unit on cgroup v2 hosts. Returns ""
// for host processes.
func containerIDForPID(procRoot string, pid uint32) string {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/cgroup", procRoot, pid))
	if err != nil {
		return ""
	}

	for _, line := range strings.Split(string(data), "\n") {
		if idx := strings.Index(line, "/docker/"); idx >= 0 {
			id := line[idx+len("/docker/"):]
			if slash := strings.IndexByte(id, '/'); slash >= 0 {
				id = id[:slash]
			}
			return strings.TrimSpace(id)
		}
		if idx := strings.Index(line, "docker-"); idx >= 0 {
			id := line[idx+len("docker-"):]
			if dot := strings.Index(id, ".scope"); dot >= 0 {
				return strings.TrimSpace(id[:dot])
			}
		}
	}
	return ""
}

// matchesContainer reports whether a cgroup-derived container id and a
// registry short id refer to the same container. Either may be a prefix
// of the other (the registry holds 12-hex short ids, cgroups the full
// 64-hex form).
func matchesContainer(cgroupID, shortID string) bool {
	if cgroupID == "" || shortID == "" {
		return false
	}
	return strings.HasPrefix(cgroupID, shortID) || strings.HasPrefix(shortID, cgroupID)
}

// processName reads a process's comm entry, returning "unknown" when the
// process is gone or unreadable.
func processName(procRoot string, pid uint32) string {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/comm", procRoot, pid))
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(data))
}
