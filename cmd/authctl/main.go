// authctl is the operational client for authd. Every invocation
// performs one operation against a running server: verify a login,
// change a password, register or promote accounts, or self-register a
// device while the registration window is open.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/kardianos/authd/clock"
	"github.com/kardianos/authd/ticket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr string
		as   string
	)

	flagSet := pflag.NewFlagSet("authctl", pflag.ContinueOnError)
	flagSet.StringVar(&addr, "addr", "localhost:4720", "authd server address")
	flagSet.StringVar(&as, "as", "", "identity to authenticate as (prompts for its password)")
	flagSet.Usage = func() { printUsage(flagSet) }
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	args := flagSet.Args()
	if len(args) == 0 {
		printUsage(flagSet)
		return fmt.Errorf("a command is required")
	}
	command, args := args[0], args[1:]

	remote := ticket.NewRemote(addr)

	// register-client and status work without a session.
	switch command {
	case "status":
		return runStatus(remote)
	case "register-client":
		return runRegisterClient(remote, args)
	}

	if as == "" {
		return fmt.Errorf("--as is required for %s", command)
	}
	password, err := prompt(fmt.Sprintf("password for %s", as))
	if err != nil {
		return err
	}

	session, err := ticket.NewSessionManager(ticket.SessionConfig{
		Service: remote,
		Clock:   clock.Real(),
	})
	if err != nil {
		return err
	}
	if err := session.Login(as, password); err != nil {
		return fmt.Errorf("login as %s: %w", as, err)
	}
	defer session.Logout()

	switch command {
	case "login":
		fmt.Printf("login as %s succeeded\n", as)
		return nil
	case "change-password":
		return runChangePassword(session, password)
	case "register":
		return runRegister(session, args)
	case "set-admin":
		return runSetAdmin(session, args)
	default:
		printUsage(flagSet)
		return fmt.Errorf("unknown command %q", command)
	}
}

func runStatus(remote *ticket.Remote) error {
	open, err := remote.InRegistrationMode()
	if err != nil {
		return err
	}
	if open {
		fmt.Println("server reachable, registration window open")
	} else {
		fmt.Println("server reachable, registration window closed")
	}
	return nil
}

func runRegisterClient(remote *ticket.Remote, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: register-client <client-id>")
	}
	password, err := prompt(fmt.Sprintf("password for %s", args[0]))
	if err != nil {
		return err
	}
	session, err := ticket.NewSessionManager(ticket.SessionConfig{
		Service: remote,
		Clock:   clock.Real(),
	})
	if err != nil {
		return err
	}
	if err := session.RegisterClient(args[0], password); err != nil {
		return err
	}
	fmt.Printf("registered client %s\n", args[0])
	return nil
}

func runChangePassword(session *ticket.SessionManager, oldPassword string) error {
	newPassword, err := prompt("new password")
	if err != nil {
		return err
	}
	confirm, err := prompt("repeat new password")
	if err != nil {
		return err
	}
	if newPassword != confirm {
		return fmt.Errorf("passwords do not match")
	}
	if err := session.ChangeCredentials(oldPassword, newPassword); err != nil {
		return err
	}
	fmt.Println("password changed")
	return nil
}

func runRegister(session *ticket.SessionManager, args []string) error {
	var admin bool
	switch len(args) {
	case 1:
	case 2:
		parsed, err := strconv.ParseBool(args[1])
		if err != nil {
			return fmt.Errorf("usage: register <id> [admin true|false]")
		}
		admin = parsed
	default:
		return fmt.Errorf("usage: register <id> [admin true|false]")
	}
	password, err := prompt(fmt.Sprintf("password for new account %s", args[0]))
	if err != nil {
		return err
	}
	if err := session.Register(args[0], password, admin); err != nil {
		return err
	}
	fmt.Printf("registered %s\n", args[0])
	return nil
}

func runSetAdmin(session *ticket.SessionManager, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: set-admin <id> <true|false>")
	}
	admin, err := strconv.ParseBool(args[1])
	if err != nil {
		return fmt.Errorf("usage: set-admin <id> <true|false>")
	}
	if err := session.SetAdministrator(args[0], admin); err != nil {
		return err
	}
	fmt.Printf("set admin=%v for %s\n", admin, args[0])
	return nil
}

func prompt(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `authctl manages accounts on a running authd server.

Usage:
  authctl [flags] <command> [args]

Commands:
  status                       report reachability and the registration window
  login                        verify the --as credentials
  change-password              change the password of the --as account
  register <id> [admin]        create a new account (--as must be an administrator)
  set-admin <id> <true|false>  grant or revoke administrator rights
  register-client <client-id>  self-register a device (registration window only)

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
