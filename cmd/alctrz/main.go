// Command alctrz builds a scratch-tmpfs chroot jail, drops privileges and
// capabilities, and runs a program inside it under a PTY bridged to a pair
// of named pipes (spec.md §6).
package main

import (
	"fmt"
	"os"
	"strings"

	flags "github.com/jessevdk/go-flags"

	"github.com/t-kenji/alctrz/internal/pkg/capabilities"
	"github.com/t-kenji/alctrz/internal/pkg/identity"
	"github.com/t-kenji/alctrz/internal/pkg/jail"
	"github.com/t-kenji/alctrz/internal/pkg/log"
	"github.com/t-kenji/alctrz/internal/pkg/prisoner"
	"github.com/t-kenji/alctrz/internal/pkg/visitation"
)

// version is the value reported by -v, "v<MODULE_VERSION>" per spec.md §6.
const version = "0.1.0"

type options struct {
	Config  string `short:"c" long:"conf" description:"configuration file (JSON)"`
	User    string `short:"u" long:"user" description:"prisoner user name"`
	Group   string `short:"g" long:"group" description:"prisoner group name, overrides the user's primary group"`
	Attach  bool   `short:"a" long:"attach" description:"attach to an already-running jail's FIFOs"`
	Version bool   `short:"v" long:"version" description:"print version and exit"`
}

func main() {
	// The child re-exec stage never reaches flag parsing: it is detected
	// and dispatched before anything else runs, since ALCTRZ_CHILD is set
	// by the parent's own exec.Command call, not by a human invocation.
	if prisoner.IsChildReexec() {
		prisoner.RunChild()
		os.Exit(2) // RunChild only returns on failure.
	}

	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Usage = "[-hv] [-a] -c <conf-file> -u <user> [-g <group>] -- <program-path> [<program-args>...]"

	rest, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if opts.Version {
		fmt.Printf("v%s\n", version)
		return 0
	}

	if opts.Config == "" {
		fmt.Fprintln(os.Stderr, "alctrz: -c <conf-file> is required")
		return 1
	}
	if opts.User == "" && !opts.Attach {
		fmt.Fprintln(os.Stderr, "alctrz: -u <user> is required")
		return 1
	}

	if !opts.Attach && len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "alctrz: missing <program-path> after --")
		return 1
	}
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "/") {
		fmt.Fprintln(os.Stderr, "alctrz: program-path must be absolute")
		return 1
	}

	ctx := jail.New()
	ctx.Attach = opts.Attach
	ctx.Argv = rest

	cfg, err := jail.LoadConfig(opts.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "alctrz: %v\n", err)
		return 1
	}
	ctx.Env = cfg

	if opts.User != "" {
		u, err := identity.LookupUser(opts.User)
		if err != nil {
			fmt.Fprintf(os.Stderr, "alctrz: %v\n", err)
			return 1
		}
		ctx.User = u
		ctx.Home = u.Home
		ctx.Shell = u.Shell
	}
	if opts.Group != "" {
		gid, err := identity.LookupGroupGID(opts.Group)
		if err != nil {
			fmt.Fprintf(os.Stderr, "alctrz: %v\n", err)
			return 1
		}
		ctx.User.GID = gid
	}
	ctx.Term = os.Getenv("TERM")
	if ctx.Term == "" {
		ctx.Term = "xterm"
	}

	if opts.Attach {
		return doAttach(ctx)
	}
	return doRun(ctx)
}

func doAttach(ctx *jail.Context) int {
	stdinPath, stdoutPath := jail.StdioPaths(strings.TrimPrefix(ctx.Env.Stdio, "fifo://"))
	if err := visitation.Visit(stdinPath, stdoutPath); err != nil {
		fmt.Fprintf(os.Stderr, "alctrz: attach: %v\n", err)
		return 1
	}
	return 0
}

func doRun(ctx *jail.Context) int {
	if err := jail.CreateJail(ctx); err != nil {
		log.Errorf("alctrz: create jail: %v", err)
		return 1
	}

	if err := jail.BuildRootfs(ctx); err != nil {
		log.Errorf("alctrz: build rootfs: %v", err)
		jail.Cleanup(ctx, "", "")
		return 1
	}

	stdinPath, stdoutPath, err := jail.CreateStdio(ctx)
	if err != nil {
		log.Errorf("alctrz: create stdio: %v", err)
		jail.Cleanup(ctx, "", "")
		return 1
	}

	keep, err := capabilities.KeepBitmap(ctx.Env.KeepCapability)
	if err != nil {
		log.Errorf("alctrz: keep_capability: %v", err)
		jail.Cleanup(ctx, stdinPath, stdoutPath)
		return 1
	}

	visitDone := make(chan error, 1)
	go func() {
		visitDone <- visitation.Visit(stdinPath, stdoutPath)
	}()

	if err := prisoner.Run(ctx, keep, stdinPath, stdoutPath); err != nil {
		log.Errorf("alctrz: %v", err)
		jail.Cleanup(ctx, stdinPath, stdoutPath)
		return 1
	}

	if err := <-visitDone; err != nil {
		log.Warnf("alctrz: visitation: %v", err)
	}

	jail.Cleanup(ctx, stdinPath, stdoutPath)
	return 0
}
