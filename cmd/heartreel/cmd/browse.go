package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/heartreel/heartreel/shell"
	"github.com/heartreel/heartreel/unlock"
	"github.com/heartreel/heartreel/view"
)

var browseCmd = &cobra.Command{
	Use:   "browse [path]",
	Short: "Browse heartreel sites interactively",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadClientConfig(cmd)
		if err != nil {
			return err
		}
		v, err := newViewer(cfg, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer v.Close()

		parent := cmd.Context()
		if parent == nil {
			parent = context.Background()
		}
		ctx, stop := signal.NotifyContext(parent, os.Interrupt)
		defer stop()

		settleCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err = v.waitSettled(settleCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("waiting for session: %w", err)
		}
		go v.app.Run(ctx)

		path := "/"
		if len(args) == 1 {
			path = args[0]
		}
		r := &repl{
			app:      v.app,
			in:       bufio.NewReader(cmd.InOrStdin()),
			out:      cmd.OutOrStdout(),
			terminal: cmd.InOrStdin() == os.Stdin && term.IsTerminal(int(os.Stdin.Fd())),
		}
		return r.run(ctx, path)
	},
}

func init() {
	rootCmd.AddCommand(browseCmd)
	browseCmd.Flags().StringVar(&serverURLFlag, "server", "", "Backend base URL (empty runs without a backend)")
}

const browseHelp = `Commands:
  open <path>   go to a path: /, /demo, /dashboard, /admin, /admin/users or /<slug>
  unlock        enter the password of the private site on screen
  signin        sign in with email and password
  signup        create an account
  signout       sign out
  reset         email a password reset link
  whoami        show the signed-in account and plan
  refresh       re-fetch the plan and redraw
  help          show this help
  exit          leave`

// repl is the line-oriented front end of shell.App.
type repl struct {
	app      *shell.App
	in       *bufio.Reader
	out      io.Writer
	terminal bool
}

func (r *repl) line() (string, error) {
	s, err := r.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && s != "") {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

func (r *repl) ask(prompt string) (string, error) {
	fmt.Fprint(r.out, prompt)
	return r.line()
}

// secret reads without echo on a terminal.
func (r *repl) secret(prompt string) (string, error) {
	fmt.Fprint(r.out, prompt)
	if !r.terminal {
		return r.line()
	}
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(r.out)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func (r *repl) show(s shell.Screen) {
	if err := shell.RenderScreen(r.out, s); err != nil {
		fmt.Fprintf(r.out, "render failed: %v\n", err)
	}
}

func (r *repl) run(ctx context.Context, path string) error {
	fmt.Fprintln(r.out, "Welcome to heartreel (type 'help' for commands)")
	r.show(r.app.Navigate(ctx, path))

	for {
		fmt.Fprintf(r.out, "heartreel %s> ", r.app.Current().Path)
		input, err := r.line()
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(r.out)
			return nil
		}
		if err != nil {
			return err
		}
		fields := strings.Fields(input)
		if len(fields) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		switch fields[0] {
		case "help":
			fmt.Fprintln(r.out, browseHelp)
		case "open", "o":
			if len(fields) < 2 {
				fmt.Fprintln(r.out, "usage: open <path>")
				continue
			}
			r.show(r.app.Navigate(ctx, fields[1]))
		case "unlock":
			r.unlock(ctx)
		case "signin", "login":
			r.credentials(ctx, r.app.SignIn)
		case "signup", "register":
			r.credentials(ctx, r.app.SignUp)
		case "signout", "logout":
			if err := r.app.SignOut(ctx); err != nil {
				fmt.Fprintln(r.out, err)
			}
			r.show(r.app.Refresh(ctx))
		case "reset":
			email, err := r.ask("Email: ")
			if err != nil {
				return err
			}
			if err := r.app.ResetPassword(ctx, email); err != nil {
				fmt.Fprintln(r.out, err)
				continue
			}
			fmt.Fprintln(r.out, "If an account exists for that address, a reset link is on its way.")
		case "whoami":
			r.whoami()
		case "refresh":
			if err := r.app.RefreshSubscription(ctx); err != nil {
				fmt.Fprintf(r.out, "could not refresh plan: %v\n", err)
			}
			r.show(r.app.Refresh(ctx))
		case "exit", "quit":
			fmt.Fprintln(r.out, "Bye!")
			return nil
		default:
			fmt.Fprintf(r.out, "unknown command %q (type 'help')\n", fields[0])
		}
	}
}

func (r *repl) unlock(ctx context.Context) {
	if r.app.Current().Decision.State != view.StatePassword {
		fmt.Fprintln(r.out, "Nothing to unlock here.")
		return
	}
	pw, err := r.secret("Site password: ")
	if err != nil {
		fmt.Fprintln(r.out, err)
		return
	}
	if err := r.app.SubmitPassword(ctx, pw); err != nil {
		fmt.Fprintln(r.out, unlock.Message(err))
		return
	}
	r.show(r.app.Current())
}

func (r *repl) credentials(ctx context.Context, submit func(ctx context.Context, email, password string) error) {
	email, err := r.ask("Email: ")
	if err != nil {
		return
	}
	pw, err := r.secret("Password: ")
	if err != nil {
		return
	}
	if err := submit(ctx, email, pw); err != nil {
		fmt.Fprintln(r.out, err)
		return
	}
	r.whoami()
	r.show(r.app.Refresh(ctx))
}

func (r *repl) whoami() {
	snap := r.app.Current().Session
	switch {
	case !snap.Configured:
		fmt.Fprintln(r.out, "No backend configured.")
	case snap.User == nil:
		fmt.Fprintln(r.out, "Not signed in.")
	default:
		fmt.Fprintf(r.out, "Signed in as %s (%s plan)\n", snap.User.Email, snap.EffectivePlan().Type)
	}
}
