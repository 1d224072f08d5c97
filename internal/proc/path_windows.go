//go:build windows

package proc

import (
	"path/filepath"

	"golang.org/x/sys/windows/registry"
)

// systemPath reads the machine and user PATH from the registry, the values
// a freshly started shell would see.
func systemPath() []string {
	var ret []string
	for _, loc := range []struct {
		key  registry.Key
		path string
	}{
		{registry.LOCAL_MACHINE, `SYSTEM\CurrentControlSet\Control\Session Manager\Environment`},
		{registry.CURRENT_USER, `Environment`},
	} {
		k, err := registry.OpenKey(loc.key, loc.path, registry.QUERY_VALUE)
		if err != nil {
			continue
		}
		value, _, err := k.GetStringValue("Path")
		_ = k.Close()
		if err != nil {
			continue
		}
		if expanded, err := registry.ExpandString(value); err == nil {
			value = expanded
		}
		ret = append(ret, filepath.SplitList(value)...)
	}
	return ret
}
