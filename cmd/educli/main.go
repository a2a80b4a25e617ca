package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"sort"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/jrsteele09/go-edu-client/apiclient"
	"github.com/jrsteele09/go-edu-client/auth"
	"github.com/jrsteele09/go-edu-client/internal/config"
	"github.com/jrsteele09/go-edu-client/sessions"
	"github.com/jrsteele09/go-edu-client/sessions/filerepo"
	"github.com/jrsteele09/go-edu-client/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `usage: educli [flags] <command> [args]

commands:
  login <email> <password>
  register <email> <password> [first name] [last name]
  whoami
  get <path>
  logout
`

func main() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()

	fs := flag.NewFlagSet("educli", flag.ContinueOnError)
	baseURL := fs.String("base-url", c.GetBaseURL(), "API base URL (or API_BASE_URL env)")
	tokenFile := fs.String("token-file", c.GetTokenFile(), "session file (or TOKEN_FILE env)")
	quiet := fs.Bool("q", false, "do not print the banner")
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage); fs.PrintDefaults() }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("no command given")
	}

	setupLogging(c.GetLogLevel())
	if !*quiet {
		displayAppname(c.GetAppName())
	}

	store := sessions.New(filerepo.New(*tokenFile, filerepo.WithPassphrase(c.GetTokenPassphrase())))
	client, err := apiclient.NewFromConfig(clientConfig{ClientConfig: c, baseURL: *baseURL}, store,
		apiclient.WithProactiveRefresh(30*time.Second),
		apiclient.WithAuthFailureHandler(func(err error) {
			fmt.Fprintln(os.Stderr, "Session expired, please run: educli login <email> <password>")
		}),
	)
	if err != nil {
		return err
	}
	service, err := auth.NewService(client, store, auth.WithPasswordStrengthCheck())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return dispatch(ctx, out, client, service, fs.Args())
}

// clientConfig applies the -base-url flag over the configured base URL.
type clientConfig struct {
	config.ClientConfig
	baseURL string
}

func (c clientConfig) GetBaseURL() string {
	return c.baseURL
}

func dispatch(ctx context.Context, out io.Writer, client *apiclient.Client, service *auth.Service, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "login":
		if len(rest) != 2 {
			return errors.New("login needs <email> <password>")
		}
		res, err := service.Login(ctx, rest[0], rest[1])
		if err != nil {
			return describe(err)
		}
		return printUser(out, "Logged in as", res.User)

	case "register":
		if len(rest) < 2 {
			return errors.New("register needs <email> <password>")
		}
		profile := auth.Profile{Email: rest[0], Password: rest[1]}
		if len(rest) > 2 {
			profile.FirstName = rest[2]
		}
		if len(rest) > 3 {
			profile.LastName = rest[3]
		}
		res, err := service.Register(ctx, profile)
		if err != nil {
			return describe(err)
		}
		return printUser(out, "Registered", res.User)

	case "whoami":
		if cached, ok := service.CachedUser(); ok {
			log.Debug().Str("user", cached.DisplayName()).Msg("Cached user")
		}
		u, err := service.CurrentUser(ctx)
		if err != nil {
			return describe(err)
		}
		if u == nil {
			return errors.New("no user record returned")
		}
		fmt.Fprintf(out, "%s (id %s, role %s)\n", u.DisplayName(), u.ID, u.Role)
		return nil

	case "get":
		if len(rest) != 1 {
			return errors.New("get needs <path>")
		}
		body, err := client.Get(ctx, rest[0])
		if err != nil {
			return describe(err)
		}
		return printJSON(out, body)

	case "logout":
		service.Logout()
		fmt.Fprintln(out, "Logged out")
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// describe turns a backend error body into the message shown to the user.
func describe(err error) error {
	var httpErr *apiclient.HTTPError
	if errors.As(err, &httpErr) {
		if msg := httpErr.Message(); msg != "" {
			return fmt.Errorf("%s (HTTP %d)", msg, httpErr.Status)
		}
		fields := httpErr.FieldErrors()
		names := make([]string, 0, len(fields))
		for field := range fields {
			names = append(names, field)
		}
		sort.Strings(names)
		if len(names) > 0 {
			return fmt.Errorf("%s: %s (HTTP %d)", names[0], fields[names[0]][0], httpErr.Status)
		}
	}
	if errors.Is(err, apiclient.ErrUnauthorized) {
		return errors.New("not logged in")
	}
	return err
}

func printUser(out io.Writer, prefix string, raw json.RawMessage) error {
	u, err := users.Decode(raw)
	if err != nil || u == nil {
		fmt.Fprintln(out, prefix)
		return nil
	}
	fmt.Fprintf(out, "%s %s\n", prefix, u.DisplayName())
	return nil
}

func printJSON(out io.Writer, body json.RawMessage) error {
	if body == nil {
		fmt.Fprintln(out, "null")
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
