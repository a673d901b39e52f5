package forkserver

import (
	"encoding/gob"
	"fmt"
	"os"

	"github.com/ccock/sandboxed-api/client"
	"github.com/ccock/sandboxed-api/pkg/unixsocket"
)

// mode markers in argv[1]; a sandboxee binary never uses these itself
const (
	forkServerArg = "sandboxed-api:forkserver"
	sandboxeeArg  = "sandboxed-api:sandboxee"
)

// Init hands control over when the process was launched as a fork
// server or as a sandboxee. Call it at the top of main, after
// registering every callable function on sb; in those modes it never
// returns. In a plain invocation it does nothing.
func Init(sb *client.Sandboxee) {
	if len(os.Args) < 2 {
		return
	}
	switch os.Args[1] {
	case forkServerArg:
		runForkServer()
	case sandboxeeArg:
		runSandboxee(sb)
	}
}

func fatal(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func runForkServer() {
	soc, err := unixsocket.NewSocket(commsFdArg)
	if err != nil {
		fatal("fork server: %v", err)
	}
	if err := serve(soc); err != nil {
		// the host closing the control channel is the normal way down
		os.Exit(0)
	}
	os.Exit(0)
}

// runSandboxee confines the process and serves the call channel. The
// seccomp filter is installed last so the setup itself may use
// syscalls the policy forbids.
func runSandboxee(sb *client.Sandboxee) {
	setupFile := os.NewFile(uintptr(setupFdArg), "setup")
	if setupFile == nil {
		fatal("sandboxee: no setup channel")
	}
	var sc SpawnConfig
	if err := gob.NewDecoder(setupFile).Decode(&sc); err != nil {
		fatal("sandboxee: read setup: %v", err)
	}
	setupFile.Close()

	for _, m := range sc.Mounts {
		if err := m.Mount(); err != nil {
			fatal("sandboxee: %v", err)
		}
	}
	// never keep the inherited host cwd
	workDir := sc.WorkDir
	if workDir == "" {
		workDir = "/"
	}
	if err := os.Chdir(workDir); err != nil {
		fatal("sandboxee: chdir: %v", err)
	}
	for _, rl := range sc.RLimits {
		if err := rl.Apply(); err != nil {
			fatal("sandboxee: %v", err)
		}
	}

	soc, err := unixsocket.NewSocket(commsFdArg)
	if err != nil {
		fatal("sandboxee: %v", err)
	}

	if len(sc.Filter) > 0 {
		if err := sc.Filter.Install(); err != nil {
			fatal("sandboxee: install filter: %v", err)
		}
	}

	if err := sb.Serve(soc); err != nil {
		fatal("sandboxee: %v", err)
	}
	os.Exit(0)
}
