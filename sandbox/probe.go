//go:build linux

package sandbox

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Probe describes the namespace and capability state of the current process.
type Probe struct {
	// UIDMap is the content of /proc/self/uid_map.
	UIDMap []IDMapLine
	// CapEff is the effective capability mask.
	CapEff uint64
}

// InsideSandbox reports whether the probed process runs in a user namespace
// (anything other than the identity mapping of the whole id space) with no
// effective capabilities.
func (p Probe) InsideSandbox() bool {
	return !isInitialUserNS(p.UIDMap) && p.CapEff == 0
}

// ProbeSelf inspects /proc/self.
func ProbeSelf() (Probe, error) {
	return probeProc("/proc/self")
}

func probeProc(procDir string) (Probe, error) {
	uidMap, err := readIDMapFile(procDir + "/uid_map")
	if err != nil {
		return Probe{}, err
	}

	capEff, err := readCapEff(procDir + "/status")
	if err != nil {
		return Probe{}, err
	}

	return Probe{UIDMap: uidMap, CapEff: capEff}, nil
}

// isInitialUserNS reports whether lines map the full 32-bit id space onto
// itself, which only the initial user namespace does.
func isInitialUserNS(lines []IDMapLine) bool {
	return len(lines) == 1 && lines[0].Inside == 0 && lines[0].Outside == 0 && lines[0].Count == 4294967295
}

func readIDMapFile(path string) ([]IDMapLine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return parseIDMap(string(data))
}

func parseIDMap(content string) ([]IDMapLine, error) {
	var lines []IDMapLine

	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed id map line %q", line)
		}

		var nums [3]int

		for i, f := range fields {
			n, err := strconv.ParseInt(f, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed id map line %q: %w", line, err)
			}

			nums[i] = int(n)
		}

		lines = append(lines, IDMapLine{Inside: nums[0], Outside: nums[1], Count: nums[2]})
	}

	return lines, nil
}

func readCapEff(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		value, ok := strings.CutPrefix(scanner.Text(), "CapEff:")
		if !ok {
			continue
		}

		capEff, err := strconv.ParseUint(strings.TrimSpace(value), 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parse CapEff %q: %w", value, err)
		}

		return capEff, nil
	}

	err = scanner.Err()
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	return 0, fmt.Errorf("%s: no CapEff line", path)
}
