// Package mount applies the mount points of a sandboxee's namespace.
package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	bindFlags   = unix.MS_BIND | unix.MS_NOSUID | unix.MS_PRIVATE
	roBindFlags = bindFlags | unix.MS_RDONLY
	tmpfsFlags  = unix.MS_NOSUID | unix.MS_NOATIME | unix.MS_NODEV
)

// Mount describes one mount point. Flags is the kernel flag word; it
// is a plain integer so the struct travels over the setup channel.
type Mount struct {
	Source, Target, FsType, Data string
	Flags                        uint64
}

// prepareTarget ensures the mount target exists. A bind mount of a
// plain file needs a file target, everything else a directory.
func (m *Mount) prepareTarget() error {
	if _, err := os.Stat(m.Target); err == nil {
		return nil
	}
	if st, err := os.Stat(m.Source); err == nil && !st.IsDir() && m.Flags&unix.MS_BIND != 0 {
		if err := os.MkdirAll(filepath.Dir(m.Target), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(m.Target, os.O_CREATE, 0644)
		if err != nil {
			return err
		}
		return f.Close()
	}
	return os.MkdirAll(m.Target, 0755)
}

// Mount creates the target and applies the mount. Read-only bind
// mounts need a remount for the kernel to honor MS_RDONLY.
func (m *Mount) Mount() error {
	if err := m.prepareTarget(); err != nil {
		return fmt.Errorf("mount %s: %w", m.Target, err)
	}
	flags := uintptr(m.Flags)
	if err := syscall.Mount(m.Source, m.Target, m.FsType, flags, m.Data); err != nil {
		return fmt.Errorf("mount %s: %w", m.Target, err)
	}
	const bindRo = syscall.MS_BIND | syscall.MS_RDONLY
	if m.Flags&bindRo == bindRo {
		if err := syscall.Mount("", m.Target, m.FsType, flags|syscall.MS_REMOUNT, m.Data); err != nil {
			return fmt.Errorf("remount %s read-only: %w", m.Target, err)
		}
	}
	return nil
}

func (m Mount) String() string {
	switch {
	case m.Flags&syscall.MS_BIND == syscall.MS_BIND:
		flag := "rw"
		if m.Flags&syscall.MS_RDONLY == syscall.MS_RDONLY {
			flag = "ro"
		}
		return fmt.Sprintf("bind[%s:%s:%s]", m.Source, m.Target, flag)

	case m.FsType == "tmpfs":
		return fmt.Sprintf("tmpfs[%s:%s]", m.Target, m.Data)

	default:
		return fmt.Sprintf("mount[%s,%s:%s:%x,%s]", m.FsType, m.Source, m.Target, m.Flags, m.Data)
	}
}
