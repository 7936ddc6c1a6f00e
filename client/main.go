// Command legacychat is a command-line LegacyChat client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"legacychat/client/protocol"
	"legacychat/models"
)

const usage = `usage: legacychat [-server host:port] <command> [args]

commands:
  signup <user> <password>
  login <user> <password>
  add-buddy <user> <buddy-username> <display-name>
  send <from> <to> <text...>
  nudge <from> <to>
  wink <from> <to>
  send-file <from> <to> <path>
  inbox [-dir dir] <user>
  watch [-dir dir] [-interval 1s] <user>
`

func main() {
	serverAddr := flag.String("server", "localhost:12345", "LegacyChat server address (host:port)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := protocol.NewClient(*serverAddr)
	if err := run(ctx, c, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("wrong number of arguments")

func run(ctx context.Context, c *protocol.Client, cmd string, args []string) error {
	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s: %w\n\n%s", cmd, errUsage, usage)
		}
		return nil
	}

	switch cmd {
	case "signup":
		if err := need(2); err != nil {
			return err
		}
		if err := c.Signup(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("Signed up as", args[0])

	case "login":
		if err := need(2); err != nil {
			return err
		}
		buddies, err := c.Login(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Logged in as %s, %d buddies\n", args[0], len(buddies))
		for _, name := range buddies {
			fmt.Println("  " + name)
		}

	case "add-buddy":
		if err := need(3); err != nil {
			return err
		}
		if err := c.AddBuddy(ctx, args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("Added %s as %q\n", args[1], args[2])

	case "send":
		if len(args) < 3 {
			return need(3)
		}
		return c.SendMessage(ctx, args[0], args[1], strings.Join(args[2:], " "))

	case "nudge":
		if err := need(2); err != nil {
			return err
		}
		return c.SendNudge(ctx, args[0], args[1])

	case "wink":
		if err := need(2); err != nil {
			return err
		}
		return c.SendWink(ctx, args[0], args[1])

	case "send-file":
		if err := need(3); err != nil {
			return err
		}
		data, err := os.ReadFile(args[2])
		if err != nil {
			return err
		}
		return c.SendFile(ctx, args[0], args[1], filepath.Base(args[2]), data)

	case "inbox", "watch":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		dir := fs.String("dir", ".", "directory for received files")
		interval := fs.Duration("interval", protocol.DefaultPollInterval, "poll interval (watch only)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		args = fs.Args()
		if err := need(1); err != nil {
			return err
		}

		show := func(msg models.Message) {
			if err := printMessage(msg, *dir); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		}

		if cmd == "watch" {
			fmt.Printf("Watching mailbox of %s every %s, Ctrl-C to stop\n", args[0], interval.Round(time.Millisecond))
			return c.Poll(ctx, args[0], *interval, show)
		}

		msgs, err := c.GetMessages(ctx, args[0])
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("No new messages")
		}
		for _, msg := range msgs {
			show(msg)
		}

	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
	return nil
}

func printMessage(msg models.Message, dir string) error {
	switch msg.Kind() {
	case models.TypeNudge:
		fmt.Printf("*** %s nudged you ***\n", msg.From)
	case models.TypeWink:
		fmt.Printf("*** %s winked at you ***\n", msg.From)
	case models.TypeFile:
		data, err := protocol.DecodeFile(msg)
		if err != nil {
			return fmt.Errorf("file %q from %s: %w", msg.Filename, msg.From, err)
		}
		path := filepath.Join(dir, filepath.Base(msg.Filename))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("%s sent file %s (%d bytes, saved to %s)\n", msg.From, msg.Filename, len(data), path)
	default:
		fmt.Printf("%s: %s\n", msg.From, msg.Message)
	}
	return nil
}
