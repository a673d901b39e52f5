package policy

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBuilder(t *testing.T) {
	b := NewDefaultBuilder()
	assert.Contains(t, b.allow, "read")
	assert.Contains(t, b.allow, "exit_group")
	assert.NotContains(t, b.allow, "execve")
	assert.NotContains(t, b.allow, "connect")

	require.Len(t, b.mounts.Mounts, 2)
	assert.Equal(t, "tmpfs", b.mounts.Mounts[0].FsType)
	assert.Equal(t, "/etc/localtime", b.mounts.Mounts[1].Target)
	assert.NotZero(t, b.mounts.Mounts[1].Flags&syscall.MS_RDONLY)

	cfg, err := b.DisableFilter().Build()
	require.NoError(t, err)
	assert.Equal(t, "/", cfg.WorkDir)
}

func TestBuilderChaining(t *testing.T) {
	b := NewBuilder().
		AllowSyscalls("read", "write").
		AddReadOnlyPath("/etc/localtime").
		AddTmpfs("/scratch", "size=1m").
		SetWorkDir("/scratch")
	assert.Equal(t, []string{"read", "write"}, b.allow)
	assert.Equal(t, "/scratch", b.workDir)
	assert.Len(t, b.mounts.Mounts, 2)
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile([]byte(`
default: true
allow_syscalls: [openat, getdents64]
block_with_errno: true
read_only_paths: [/etc/localtime]
tmpfs:
  - path: /scratch
    options: size=4m
work_dir: /scratch
rlimits:
  cpu: 10
  address_space: 1073741824
  disable_core: true
`))
	require.NoError(t, err)
	assert.True(t, p.Default)
	assert.Equal(t, []string{"openat", "getdents64"}, p.AllowSyscalls)

	b := p.Builder()
	assert.Contains(t, b.allow, "read", "default baseline applied")
	assert.Contains(t, b.allow, "openat")
	assert.Equal(t, "/scratch", b.workDir)
	assert.EqualValues(t, 10, b.limits.CPU)
	assert.True(t, b.limits.DisableCore)

	limits := b.limits.PrepareRLimit()
	assert.Len(t, limits, 3)
}

func TestParseProfileRejectsGarbage(t *testing.T) {
	_, err := ParseProfile([]byte("{not yaml"))
	assert.Error(t, err)
}
