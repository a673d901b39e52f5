package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ccock/sandboxed-api/pkg/rlimit"
)

// Profile is a policy in declarative form, loadable from YAML. It is
// additive: applying a profile extends the builder it lands on.
type Profile struct {
	// Default selects the baseline allow-list as a starting point
	Default bool `yaml:"default"`
	// AllowSyscalls extends the allow-list
	AllowSyscalls []string `yaml:"allow_syscalls"`
	// BlockWithErrno fails forbidden syscalls instead of killing
	BlockWithErrno bool `yaml:"block_with_errno"`

	ReadOnlyPaths []string       `yaml:"read_only_paths"`
	WritablePaths []string       `yaml:"writable_paths"`
	Tmpfs         []TmpfsProfile `yaml:"tmpfs"`
	WorkDir       string         `yaml:"work_dir"`

	RLimits RLimitsProfile `yaml:"rlimits"`
}

// TmpfsProfile is one tmpfs mount in a profile
type TmpfsProfile struct {
	Path    string `yaml:"path"`
	Options string `yaml:"options"`
}

// RLimitsProfile mirrors rlimit.RLimits in YAML form
type RLimitsProfile struct {
	CPU          uint64 `yaml:"cpu"`
	FileSize     uint64 `yaml:"file_size"`
	Data         uint64 `yaml:"data"`
	Stack        uint64 `yaml:"stack"`
	AddressSpace uint64 `yaml:"address_space"`
	OpenFiles    uint64 `yaml:"open_files"`
	DisableCore  bool   `yaml:"disable_core"`
}

// LoadProfile reads a profile from a YAML file
func LoadProfile(path string) (*Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy profile: %w", err)
	}
	return ParseProfile(b)
}

// ParseProfile reads a profile from YAML bytes
func ParseProfile(b []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("policy profile: %w", err)
	}
	return &p, nil
}

// Builder converts the profile into a policy builder
func (p *Profile) Builder() *Builder {
	var b *Builder
	if p.Default {
		b = NewDefaultBuilder()
	} else {
		b = NewBuilder()
	}
	b.AllowSyscalls(p.AllowSyscalls...)
	if p.BlockWithErrno {
		b.BlockSyscallsWithErrno()
	}
	for _, path := range p.ReadOnlyPaths {
		b.AddReadOnlyPath(path)
	}
	for _, path := range p.WritablePaths {
		b.AddWritablePath(path)
	}
	for _, t := range p.Tmpfs {
		b.AddTmpfs(t.Path, t.Options)
	}
	if p.WorkDir != "" {
		b.SetWorkDir(p.WorkDir)
	}
	b.SetRLimits(rlimit.RLimits{
		CPU:          p.RLimits.CPU,
		FileSize:     p.RLimits.FileSize,
		Data:         p.RLimits.Data,
		Stack:        p.RLimits.Stack,
		AddressSpace: p.RLimits.AddressSpace,
		OpenFiles:    p.RLimits.OpenFiles,
		DisableCore:  p.RLimits.DisableCore,
	})
	return b
}
