package sandbox

import (
	"fmt"

	"github.com/criyle/go-sandbox/pkg/rlimit"
	"golang.org/x/sys/unix"

	"github.com/isdmx/sandboxd/config"
)

// Ceilings are the hard resource limits applied to every process of one execution
type Ceilings struct {
	CPUSeconds    uint64
	Processes     uint64
	FileSizeBytes uint64
	StackBytes    uint64
	DataBytes     uint64
	// HeapMB is handed to the runtime through the {heap} placeholder, not through rlimit
	HeapMB uint64
}

func ceilingsFromConfig(l config.Limits) Ceilings {
	return Ceilings{
		CPUSeconds:    uint64(max(l.CPUSec, 0)),
		Processes:     uint64(max(l.Processes, 0)),
		FileSizeBytes: uint64(max(l.FileSizeKB, 0)) * BytesPerKB,
		StackBytes:    uint64(max(l.StackKB, 0)) * BytesPerKB,
		DataBytes:     uint64(max(l.DataKB, 0)) * BytesPerKB,
		HeapMB:        uint64(max(l.HeapMB, 0)),
	}
}

// RLimits returns the setrlimit values for the ceilings. Core dumps are
// always disabled. The process-count ceiling is not part of the result.
func (c Ceilings) RLimits() []rlimit.RLimit {
	r := rlimit.RLimits{
		CPU:         c.CPUSeconds,
		Data:        c.DataBytes,
		FileSize:    c.FileSizeBytes,
		Stack:       c.StackBytes,
		DisableCore: true,
	}
	return r.PrepareRLimit()
}

// UlimitCommands renders the ceilings as bash ulimit builtins
func (c Ceilings) UlimitCommands() []string {
	var lines []string
	for _, rl := range c.RLimits() {
		flag, unit, ok := ulimitFlag(rl.Res)
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("ulimit -%s %d", flag, rl.Rlim.Cur/unit))
	}
	if c.Processes > 0 {
		lines = append(lines, fmt.Sprintf("ulimit -u %d", c.Processes))
	}
	return lines
}

// ulimitFlag maps a resource to its bash flag and the unit bash expects
func ulimitFlag(res int) (flag string, unit uint64, ok bool) {
	switch res {
	case unix.RLIMIT_CORE:
		return "c", 1, true
	case unix.RLIMIT_CPU:
		return "t", 1, true
	case unix.RLIMIT_DATA:
		return "d", BytesPerKB, true
	case unix.RLIMIT_FSIZE:
		return "f", BytesPerKB, true
	case unix.RLIMIT_STACK:
		return "s", BytesPerKB, true
	case unix.RLIMIT_AS:
		return "v", BytesPerKB, true
	case unix.RLIMIT_NOFILE:
		return "n", 1, true
	default:
		return "", 0, false
	}
}
