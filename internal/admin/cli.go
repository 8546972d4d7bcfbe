// Package admin implements the operator commands behind cmd/imgctl.
package admin

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

type CommandKind int

const (
	CmdMigrate CommandKind = iota
	CmdAddUser
	CmdPrune
	CmdExport
)

func (k CommandKind) String() string {
	switch k {
	case CmdMigrate:
		return "migrate"
	case CmdAddUser:
		return "adduser"
	case CmdPrune:
		return "prune"
	case CmdExport:
		return "export"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

// Command is a parsed imgctl invocation.
type Command struct {
	Kind CommandKind

	// adduser
	Username string
	Password string
	Email    string

	// prune
	DryRun    bool
	OlderThan time.Duration

	// export
	Output string
}

// Usage is printed on argument errors.
const Usage = `usage: imgctl <command> [arguments]

commands:
  migrate                              apply pending database migrations
  adduser <username> <password> [email] create an account
  prune [--dry-run] [--older-than=1h]  delete stored files no image references
  export <username> <out.zip>          write a user's images to a zip archive
`

const defaultPruneAge = time.Hour

func ParseArgs(args []string) (*Command, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<command>", Cause: "no command provided"}
	}

	name, rest := args[0], args[1:]
	switch name {
	case "migrate":
		if len(rest) > 0 {
			return nil, &ValidationError{Arg: rest[0], Cause: "migrate takes no arguments"}
		}
		return &Command{Kind: CmdMigrate}, nil

	case "adduser":
		if len(rest) < 2 {
			return nil, &ValidationError{Arg: "<username> <password>", Cause: "username and password are required"}
		}
		if len(rest) > 3 {
			return nil, &ValidationError{Arg: rest[3], Cause: "unexpected argument"}
		}
		cmd := &Command{Kind: CmdAddUser, Username: rest[0], Password: rest[1]}
		if strings.TrimSpace(cmd.Username) == "" {
			return nil, &ValidationError{Arg: rest[0], Cause: "username must not be blank"}
		}
		if len(rest) == 3 {
			cmd.Email = rest[2]
		}
		return cmd, nil

	case "prune":
		return parsePrune(rest)

	case "export":
		if len(rest) != 2 {
			return nil, &ValidationError{Arg: "<username> <out.zip>", Cause: "username and output path are required"}
		}
		if filepath.Ext(rest[1]) != ".zip" {
			return nil, &ValidationError{Arg: rest[1], Cause: "output must be a .zip file"}
		}
		return &Command{Kind: CmdExport, Username: rest[0], Output: filepath.Clean(rest[1])}, nil

	default:
		return nil, &ValidationError{Arg: name, Cause: "unknown command"}
	}
}

func parsePrune(args []string) (*Command, error) {
	fs := pflag.NewFlagSet("prune", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dryRun := fs.Bool("dry-run", false, "report orphans without deleting them")
	olderThan := fs.Duration("older-than", defaultPruneAge, "only consider files older than this")

	if err := fs.Parse(args); err != nil {
		var arg string
		if len(args) > 0 {
			arg = args[0]
		}
		return nil, &ValidationError{Arg: arg, Cause: err.Error()}
	}
	if fs.NArg() > 0 {
		return nil, &ValidationError{Arg: fs.Arg(0), Cause: "unexpected argument"}
	}
	if *olderThan < 0 {
		return nil, &ValidationError{Arg: "--older-than", Cause: "duration must not be negative"}
	}

	return &Command{Kind: CmdPrune, DryRun: *dryRun, OlderThan: *olderThan}, nil
}
