//go:build !windows

package proc

// systemPath has nothing to reload outside of Windows, installers there
// don't change the environment of running processes.
func systemPath() []string {
	return nil
}
