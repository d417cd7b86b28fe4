// Warden CLI
//
// Offline tooling for operators: dry-run commands against a policy file and
// read the audit journal written by the daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/Extra-Chill/plasma-warden/internal/audit"
	"github.com/Extra-Chill/plasma-warden/internal/events"
	"github.com/Extra-Chill/plasma-warden/internal/mode"
	"github.com/Extra-Chill/plasma-warden/internal/policy"
)

var version = "0.1.0"

// errBlocked makes `check` exit non-zero for blocked commands.
var errBlocked = errors.New("command blocked")

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Printf("wardenctl v%s\n", version)
	case "check":
		err = runCheck(os.Args[2:], os.Stdout)
	case "policies":
		err = runPolicies(os.Args[2:], os.Stdout)
	case "journal":
		err = runJournal(os.Args[2:], os.Stdout)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if errors.Is(err, errBlocked) {
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Warden CLI

Usage: wardenctl <command> [options]

Commands:
  check           Evaluate a command against a policy file
  policies        List the policies of a policy file
  journal         Print events from an audit journal
  version         Show version

Examples:
  wardenctl check --policies policies.yaml --org acme --role engineer -- rm -rf /
  wardenctl policies --policies policies.yaml --org acme
  wardenctl journal --path /var/lib/warden/audit.cbor --session 6f1c...`)
}

func runCheck(args []string, out io.Writer) error {
	var (
		file    string
		orgID   string
		role    string
		modeStr string
		asJSON  bool
	)
	flagSet := pflag.NewFlagSet("check", pflag.ContinueOnError)
	flagSet.StringVarP(&file, "policies", "p", "policies.yaml", "policy file")
	flagSet.StringVar(&orgID, "org", "", "organization ID")
	flagSet.StringVar(&role, "role", "", "organization role of the user")
	flagSet.StringVar(&modeStr, "mode", string(mode.Enforce), "enforcement mode: enforce, audit or lockdown")
	flagSet.BoolVar(&asJSON, "json", false, "print the decision as JSON")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	text := strings.TrimSpace(strings.Join(flagSet.Args(), " "))
	if orgID == "" || text == "" {
		return errors.New("usage: wardenctl check --org ORG [--role ROLE] -- COMMAND")
	}
	m, err := mode.Parse(modeStr)
	if err != nil {
		return err
	}
	f, err := policy.LoadFromFile(file)
	if err != nil {
		return err
	}

	modes := mode.NewManager()
	modes.SetGlobalMode(m)
	d, err := policy.NewMatcher(f).Evaluate(context.Background(), orgID, role, text)
	if err != nil {
		return err
	}
	d = modes.Apply(orgID, d)

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			return err
		}
	} else {
		switch {
		case d.Blocked:
			fmt.Fprintf(out, "BLOCKED  %s\n", d.Reason)
		case d.Audited:
			fmt.Fprintf(out, "AUDITED  would be blocked by %q\n", d.PolicyName)
		default:
			fmt.Fprintln(out, "ALLOWED")
		}
	}
	if d.Blocked {
		return errBlocked
	}
	return nil
}

func runPolicies(args []string, out io.Writer) error {
	var file, orgID string
	flagSet := pflag.NewFlagSet("policies", pflag.ContinueOnError)
	flagSet.StringVarP(&file, "policies", "p", "policies.yaml", "policy file")
	flagSet.StringVar(&orgID, "org", "", "only list policies of this organization")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	f, err := policy.LoadFromFile(file)
	if err != nil {
		return err
	}
	list := f.Policies
	if orgID != "" {
		list = f.ForOrganization(orgID)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No policies")
		return nil
	}
	for _, p := range list {
		state := "active"
		if !p.IsActive {
			state = "inactive"
		}
		roles := "all roles"
		if len(p.AppliesToRoles) > 0 {
			roles = strings.Join(p.AppliesToRoles, ",")
		}
		fmt.Fprintf(out, "%-20s %-24s %-8s %-20s %s\n",
			p.ID, p.Name, state, roles, strings.Join(p.BlockedPatterns, " | "))
	}
	return nil
}

func runJournal(args []string, out io.Writer) error {
	var path, sessionID, typ string
	flagSet := pflag.NewFlagSet("journal", pflag.ContinueOnError)
	flagSet.StringVar(&path, "path", "", "audit journal file")
	flagSet.StringVar(&sessionID, "session", "", "only print events of this session")
	flagSet.StringVar(&typ, "type", "", "only print events of this type")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if path == "" {
		return errors.New("--path is required")
	}
	evs, err := audit.ReadJournal(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	for _, e := range evs {
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		if typ != "" && e.Type != events.Type(typ) {
			continue
		}
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
