//go:build unix

package rekord

import "golang.org/x/sys/unix"

// minFileDescriptors is the floor spec.md §5 names for the process-wide
// open-file budget, raised once at process start where the host permits it.
const minFileDescriptors = 4096

// RaiseFileDescriptorLimit raises the process's soft RLIMIT_NOFILE to at
// least minFileDescriptors, capped at the hard limit, matching spec.md §5's
// "the file descriptor budget is raised at process start... where the host
// permits it." A failure here is never fatal: a lower limit just means the
// put/get worker pools see more EMFILE pressure under heavy concurrency.
func RaiseFileDescriptorLimit() error {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return err
	}
	if rlimit.Cur >= minFileDescriptors {
		return nil
	}
	want := uint64(minFileDescriptors)
	if rlimit.Max < want {
		want = rlimit.Max
	}
	rlimit.Cur = want
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rlimit)
}
