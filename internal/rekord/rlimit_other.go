//go:build !unix

package rekord

// RaiseFileDescriptorLimit is a no-op on hosts with no POSIX rlimit
// concept; spec.md §5 only requires raising the budget "where the host
// permits it."
func RaiseFileDescriptorLimit() error { return nil }
