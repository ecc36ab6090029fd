// Package main is the teamchat command-line client.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	teamchat "github.com/teamchat/teamchat-go"
	"github.com/teamchat/teamchat-go/internal/config"
	"github.com/teamchat/teamchat-go/internal/logship"
	"github.com/teamchat/teamchat-go/pkg/logger"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

type app struct {
	cfg     *config.Config
	log     *logger.Logger
	shipper *logship.Shipper

	// flags
	installation string
	socketServer string
	rcPath       string
}

func main() {
	a := &app{cfg: config.Load()}

	log, err := logger.New(a.cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	if a.cfg.LogshipURL != "" {
		shipper, err := logship.Connect(logship.Config{
			URL:     a.cfg.LogshipURL,
			Token:   a.cfg.LogshipToken,
			Subject: a.cfg.LogshipSubject,
			Level:   zapcore.InfoLevel,
		})
		if err != nil {
			log.Warn("log shipping disabled: could not connect to NATS")
		} else {
			a.shipper = shipper
			log = log.WithCore(shipper.Core())
		}
	}
	a.log = log
	logger.SetGlobal(log)
	defer func() {
		log.Sync()
		if a.shipper != nil {
			a.shipper.Close()
		}
	}()

	rootCmd := &cobra.Command{
		Use:   "teamchat",
		Short: "Command-line client for Teamwork Chat",
		Long: `teamchat talks to a Teamwork Chat installation: log in, list
people and rooms, send messages, stream events and run a bot.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&a.installation, "installation", a.cfg.Installation, "installation base URL")
	rootCmd.PersistentFlags().StringVar(&a.socketServer, "socket-server", a.cfg.SocketServer, "websocket endpoint override")
	rootCmd.PersistentFlags().StringVar(&a.rcPath, "rc", config.DefaultRCPath(), "credential cache path")

	rootCmd.AddCommand(
		a.loginCmd(),
		a.peopleCmd(),
		a.roomsCmd(),
		a.sendCmd(),
		a.listenCmd(),
		a.statusCmd(),
		a.botCmd(),
		a.demoCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// connect builds a session from flags, environment or the rc cache, in
// that order.
func (a *app) connect(ctx context.Context) (*teamchat.Session, error) {
	opts := teamchat.Options{
		Installation: a.installation,
		SocketServer: a.socketServer,
		Username:     a.cfg.Username,
		Password:     a.cfg.Password,
		Key:          a.cfg.APIKey,
		Auth:         a.cfg.Auth,
		Logger:       a.log,
	}

	if opts.Auth == "" && opts.Key == "" && opts.Username == "" {
		rc, err := config.LoadRC(a.rcPath)
		if err != nil {
			return nil, err
		}
		if entry := rc.First(""); entry != nil {
			if opts.Installation == "" {
				opts.Installation = entry.User.API.Installation
			}
			opts.Auth = entry.User.API.Auth
		}
	}
	if opts.Installation == "" {
		return nil, fmt.Errorf("no installation configured; pass --installation or run `teamchat login`")
	}
	return teamchat.From(ctx, opts)
}

// remember caches the session's credentials in the rc file.
func (a *app) remember(s *teamchat.Session) error {
	rc, err := config.LoadRC(a.rcPath)
	if err != nil {
		return err
	}
	me := s.Me()
	if me == nil {
		return fmt.Errorf("session has no current user")
	}
	rc.Put(strconv.FormatInt(me.ID, 10), a.installation, s.AuthToken())
	return rc.Save(a.rcPath)
}
