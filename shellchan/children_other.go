//go:build !linux

package shellchan

// childPIDs has no portable, dependency-free implementation outside Linux's
// /proc. On other platforms Execute falls back to trusting the sentinel
// alone and the readiness-drain grace period.
func childPIDs(pid int) ([]int, error) {
	return nil, errNotSupported
}
