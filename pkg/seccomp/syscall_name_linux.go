package seccomp

import (
	"fmt"

	"github.com/elastic/go-seccomp-bpf/arch"
)

var info, errInfo = arch.GetInfo("")

// ToSyscallName converts a syscall number on the current architecture
// into its name
func ToSyscallName(sysno uint) (string, error) {
	if errInfo != nil {
		return "", errInfo
	}
	n, ok := info.SyscallNumbers[int(sysno)]
	if !ok {
		return "", fmt.Errorf("syscall no %d does not exist", sysno)
	}
	return n, nil
}

// FilterExisting drops names not present on the current architecture
// (e.g. arch_prctl outside x86-64), so a shared allow-list can be
// compiled everywhere.
func FilterExisting(names []string) []string {
	if errInfo != nil {
		return names
	}
	ret := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := info.SyscallNames[n]; ok {
			ret = append(ret, n)
		}
	}
	return ret
}
