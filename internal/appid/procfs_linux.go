//go:build linux

package appid

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"multitun/internal/engine"
)

// queryFlowPID walks the kernel socket table for the flow's source socket
// and maps its inode back to the owning process.
func queryFlowPID(key engine.FlowKey) (int, error) {
	table := "/proc/net/tcp"
	if key.Proto == 17 {
		table = "/proc/net/udp"
	}

	inode, err := findSocketInode(table, key)
	if err != nil {
		return 0, err
	}
	return findInodeOwner(inode)
}

// queryProcessPath returns the executable path for a PID.
func queryProcessPath(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
}

// findSocketInode scans one /proc/net table for a socket bound to the
// flow's source address and port. Lines are hex little-endian addr:port
// pairs; the inode is the 10th column.
func findSocketInode(table string, key engine.FlowKey) (uint64, error) {
	data, err := os.ReadFile(table)
	if err != nil {
		return 0, err
	}

	want := fmt.Sprintf("%02X%02X%02X%02X:%04X",
		key.SrcIP[3], key.SrcIP[2], key.SrcIP[1], key.SrcIP[0], key.SrcPort)
	wildcard := fmt.Sprintf("00000000:%04X", key.SrcPort)

	for _, line := range strings.Split(string(data), "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) < 10 {
			continue
		}
		local := fields[1]
		if local != want && local != wildcard {
			continue
		}
		inode, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil {
			continue
		}
		return inode, nil
	}
	return 0, fmt.Errorf("no socket for %s in %s", key, table)
}

// findInodeOwner scans /proc/*/fd for a link to socket:[inode].
func findInodeOwner(inode uint64) (int, error) {
	target := fmt.Sprintf("socket:[%d]", inode)

	procs, err := os.ReadDir("/proc")
	if err != nil {
		return 0, err
	}
	for _, p := range procs {
		pid, err := strconv.Atoi(p.Name())
		if err != nil {
			continue
		}
		fdDir := fmt.Sprintf("/proc/%d/fd", pid)
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue // process exited or not ours to inspect
		}
		for _, fd := range fds {
			link, err := os.Readlink(fdDir + "/" + fd.Name())
			if err == nil && link == target {
				return pid, nil
			}
		}
	}
	return 0, fmt.Errorf("no process owns socket inode %d", inode)
}
