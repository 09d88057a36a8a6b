// Command portalctl is the portal's client process: it keeps the session in
// a local credential store and drives consultations and notifications from
// the terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/villagehealth/portal/internal/core/channel"
	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
	"github.com/villagehealth/portal/internal/infrastructure/db/sqlite"
	"github.com/villagehealth/portal/internal/infrastructure/remote"
	"github.com/villagehealth/portal/internal/pkg/config"
	"github.com/villagehealth/portal/internal/portal"
	"github.com/villagehealth/portal/pkg/logger"
)

const usage = `usage: portalctl <command> [flags]

commands:
  register       create an account and log in
  login          log in with email and password
  logout         forget the stored session
  whoami         print the logged-in user
  navigate PATH  check whether the session may open PATH
  chat ID        open a consultation; lines are sent, "/close" closes it
  notifications  list unread notifications
  read ID        mark a notification read
  watch          stream notifications until interrupted
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "portalctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string) error {
	cfg, err := config.LoadClient(ctx)
	if err != nil {
		return err
	}
	log := logger.Init(logger.Options{Service: "portalctl", Level: cfg.LogLevel, Pretty: cfg.LogPretty, Output: os.Stderr})

	store, err := sqlite.Open(cfg.CredentialsDB)
	if err != nil {
		return err
	}
	defer store.Close()

	client := remote.NewClient(remote.Config{BaseURL: cfg.APIURL}, logger.For("remote"))
	p := portal.New(portal.Deps{
		Auth:        client,
		Credentials: store,
		Transport:   remote.NewChannelTransport(client, logger.For("channel")),
		Feed:        remote.NewFeed(client, logger.For("feed")),
		Inbox:       client,
		Debounce:    cfg.Notify.Debounce,
		Reconnect: channel.ReconnectPolicy{
			Base:        cfg.Reconnect.Base,
			Max:         cfg.Reconnect.Max,
			MaxAttempts: cfg.Reconnect.Attempts,
		},
		Log: log,
	})
	defer p.Teardown()

	if _, err := p.Init(ctx); err != nil {
		return err
	}

	switch cmd {
	case "register":
		return register(ctx, p, args)
	case "login":
		return login(ctx, p, args)
	case "logout":
		return p.Logout(ctx)
	case "whoami":
		return whoami(p)
	case "navigate":
		if len(args) != 1 {
			return errors.New("navigate needs a path")
		}
		d := p.Navigate(args[0])
		if d.Admit {
			fmt.Println("admit")
		} else {
			fmt.Println("redirect", d.Redirect)
		}
		return nil
	case "chat":
		if len(args) != 1 {
			return errors.New("chat needs a consultation id")
		}
		return chat(ctx, p, args[0], os.Stdin, log)
	case "notifications":
		return listUnread(ctx, p)
	case "read":
		if len(args) != 1 {
			return errors.New("read needs a notification id")
		}
		return p.MarkRead(ctx, args[0])
	case "watch":
		return watch(ctx, p)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func register(ctx context.Context, p *portal.Portal, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	var in ports.RegistrationInput
	fs.StringVar(&in.Email, "email", "", "email address")
	fs.StringVar(&in.FullName, "name", "", "full name")
	fs.StringVar(&in.PhoneNumber, "phone", "", "phone number")
	fs.StringVar(&in.Role, "role", "", "villager, doctor or admin")
	fs.StringVar(&in.Password, "password", "", "password, at least 6 characters")
	fs.StringVar(&in.ConfirmPassword, "confirm", "", "password confirmation")
	fs.StringVar(&in.Village, "village", "", "village (villagers)")
	fs.StringVar(&in.Specialization, "specialization", "", "specialization (doctors)")
	fs.StringVar(&in.LicenseNumber, "license", "", "license number (doctors)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sess, err := p.Register(ctx, in)
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("%s: %s", ve.Field, ve.Message)
		}
		return err
	}
	fmt.Printf("registered %s as %s, landing at %s\n", sess.User.Email, sess.User.Role, sess.User.Role.Root())
	return nil
}

func login(ctx context.Context, p *portal.Portal, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "email address")
	password := fs.String("password", "", "password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sess, err := p.Login(ctx, *email, *password)
	if err != nil {
		return err
	}
	fmt.Printf("logged in as %s (%s) until %s\n", sess.User.FullName, sess.User.Role, sess.ExpiresAt.Local().Format("2006-01-02 15:04"))
	return nil
}

func whoami(p *portal.Portal) error {
	u := p.CurrentUser()
	if u == nil {
		return errors.New("not logged in")
	}
	fmt.Printf("%s <%s> %s\n", u.FullName, u.Email, u.Role)
	return nil
}

func chat(ctx context.Context, p *portal.Portal, consultationID string, in io.Reader, log zerolog.Logger) error {
	h, err := p.OpenChat(ctx, consultationID)
	if err != nil {
		return err
	}
	defer h.Release()

	c := h.Consultation()
	fmt.Printf("consultation %s (villager %s, doctor %s)\n", c.ID, c.VillagerID, c.DoctorID)

	go func() {
		for {
			m, err := h.Receive(ctx)
			if err != nil {
				if !errors.Is(err, domain.ErrEndOfStream) && ctx.Err() == nil {
					log.Warn().Err(err).Msg("receive failed")
				}
				return
			}
			fmt.Printf("[%d] %s: %s\n", m.SequenceNumber, m.SenderRole, m.Body)
		}
	}()

	lines := bufio.NewScanner(in)
	for lines.Scan() {
		text := strings.TrimSpace(lines.Text())
		switch {
		case text == "":
			continue
		case text == "/close":
			out, err := h.Close(ctx)
			if err != nil {
				return err
			}
			if out.Pending {
				fmt.Println("close requested; waiting for the doctor")
				continue
			}
			fmt.Println("consultation closed")
			return nil
		default:
			if _, err := h.Send(ctx, text); err != nil {
				var ue *domain.UndeliveredError
				if errors.As(err, &ue) {
					fmt.Printf("not delivered, retry: %s\n", ue.Body)
					continue
				}
				return err
			}
		}
	}
	return lines.Err()
}

func listUnread(ctx context.Context, p *portal.Portal) error {
	list, err := p.Unread(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no unread notifications")
	}
	for _, n := range list {
		fmt.Printf("%s  %-7s  %s  %s\n", n.ID, n.Severity, n.CreatedAt.Local().Format("2006-01-02 15:04"), n.Message)
	}
	return nil
}

func watch(ctx context.Context, p *portal.Portal) error {
	sub, err := p.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		n, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrEndOfStream) {
				return nil
			}
			return err
		}
		fmt.Printf("[%s/%s] %s\n", n.Kind, n.Severity, n.Message)
	}
}
