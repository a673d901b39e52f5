package mount

import (
	"os"
	"strings"
)

// Builder collects mount points for a sandboxee
type Builder struct {
	Mounts []Mount
}

// NewBuilder creates an empty mount builder
func NewBuilder() *Builder {
	return &Builder{}
}

// WithBind adds a bind mount of a host path
func (b *Builder) WithBind(source, target string, readonly bool) *Builder {
	flags := uint64(bindFlags)
	if readonly {
		flags = roBindFlags
	}
	b.Mounts = append(b.Mounts, Mount{
		Source: source,
		Target: target,
		Flags:  flags,
	})
	return b
}

// WithTmpfs adds a tmpfs mount, data in fstab option form ("size=16m")
func (b *Builder) WithTmpfs(target, data string) *Builder {
	b.Mounts = append(b.Mounts, Mount{
		Source: "tmpfs",
		Target: target,
		FsType: "tmpfs",
		Data:   data,
		Flags:  tmpfsFlags,
	})
	return b
}

// FilterNotExist drops bind mounts whose source is absent on this host
func (b *Builder) FilterNotExist() *Builder {
	kept := b.Mounts[:0]
	for _, m := range b.Mounts {
		if m.Flags&uint64(bindFlags) == uint64(bindFlags) {
			if _, err := os.Stat(m.Source); err != nil {
				continue
			}
		}
		kept = append(kept, m)
	}
	b.Mounts = kept
	return b
}

// Mount applies every mount point in order
func (b *Builder) Mount() error {
	for _, m := range b.Mounts {
		if err := m.Mount(); err != nil {
			return err
		}
	}
	return nil
}

func (b Builder) String() string {
	var sb strings.Builder
	sb.WriteString("Mounts: ")
	for i, m := range b.Mounts {
		sb.WriteString(m.String())
		if i != len(b.Mounts)-1 {
			sb.WriteString(", ")
		}
	}
	return sb.String()
}
