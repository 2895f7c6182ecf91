//go:build linux

package osmem

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// enumerateZones walks /proc/self/maps and reports the state of every run
// of address space intersecting [start, end). Gaps between mappings are
// reported as free; PROT_NONE mappings (our reservations) as reserved;
// everything else as committed.
func enumerateZones(start, end uintptr, fn func(Zone) bool) error {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return err
	}
	defer f.Close()

	cursor := start
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lo, hi, perms, ok := parseMapsLine(sc.Text())
		if !ok || hi <= cursor {
			continue
		}
		if lo >= end {
			break
		}
		if lo > cursor {
			if !fn(Zone{Address: cursor, Size: lo - cursor, State: ZoneFree}) {
				return nil
			}
			cursor = lo
		}
		state := ZoneCommitted
		if strings.HasPrefix(perms, "---") {
			state = ZoneReserved
		}
		zoneEnd := min(hi, end)
		if zoneEnd > cursor {
			if !fn(Zone{Address: cursor, Size: zoneEnd - cursor, State: state}) {
				return nil
			}
			cursor = zoneEnd
		}
		if cursor >= end {
			return sc.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if cursor < end {
		fn(Zone{Address: cursor, Size: end - cursor, State: ZoneFree})
	}
	return nil
}

func parseMapsLine(line string) (lo, hi uintptr, perms string, ok bool) {
	addrs, rest, found := strings.Cut(line, " ")
	if !found {
		return 0, 0, "", false
	}
	loStr, hiStr, found := strings.Cut(addrs, "-")
	if !found {
		return 0, 0, "", false
	}
	loVal, err1 := strconv.ParseUint(loStr, 16, 64)
	hiVal, err2 := strconv.ParseUint(hiStr, 16, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, "", false
	}
	perms, _, _ = strings.Cut(rest, " ")
	return uintptr(loVal), uintptr(hiVal), perms, true
}
