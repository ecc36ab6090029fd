package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	teamchat "github.com/teamchat/teamchat-go"
)

func (a *app) loginCmd() *cobra.Command {
	var username, password, key string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and cache the session cookie",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.installation == "" {
				return fmt.Errorf("--installation is required")
			}
			opts := teamchat.Options{
				Installation: a.installation,
				SocketServer: a.socketServer,
				Username:     username,
				Password:     password,
				Key:          key,
				Logger:       a.log,
			}
			session, err := teamchat.From(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer session.Close()
			if err := a.remember(session); err != nil {
				return err
			}
			me := session.Me()
			fmt.Printf("logged in as @%s (%s)\n", me.Handle, me.FullName())
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username or email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	cmd.Flags().StringVarP(&key, "key", "k", "", "API key")
	return cmd
}

func (a *app) peopleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "people",
		Short: "List people on the installation",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer session.Close()
			people, err := session.GetAllPeople(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range people {
				fmt.Printf("%6d  @%-20s %-25s %s\n", p.ID, p.Handle, p.FullName(), p.Status)
			}
			return nil
		},
	}
	return cmd
}

func (a *app) roomsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer session.Close()
			rooms, err := session.GetAllRooms(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range rooms {
				title := r.Title
				if title == "" {
					title = fmt.Sprintf("(%s)", r.Type)
				}
				fmt.Printf("%6d  %-10s %-30s %d people\n", r.ID, r.Type, title, len(r.People()))
			}
			return nil
		},
	}
	return cmd
}

func (a *app) sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <handle>[,<handle>...] <message>",
		Short: "Send a message to a person or group",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer session.Close()

			handles := splitHandles(args[0])
			body := args[1]
			for _, extra := range args[2:] {
				body += " " + extra
			}
			room, err := session.GetRoomForHandles(cmd.Context(), handles)
			if err != nil {
				return err
			}
			msg, err := room.SendMessage(cmd.Context(), body)
			if err != nil {
				return err
			}
			fmt.Printf("sent message %d to room %d\n", msg.ID, msg.RoomID)
			return nil
		},
	}
	return cmd
}

func (a *app) listenCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stream events as JSON lines until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer session.Close()

			enc := json.NewEncoder(os.Stdout)
			off := session.OnAny(func(ev teamchat.Event) {
				if !raw && ev.Name == teamchat.EventPong {
					return
				}
				out := map[string]any{"event": ev.Name, "ts": time.Now().UTC()}
				if ev.Room != nil {
					out["roomId"] = ev.Room.ID
				}
				if ev.Person != nil {
					out["person"] = "@" + ev.Person.Handle
				}
				if ev.Message != nil {
					out["messageId"] = ev.Message.ID
					out["body"] = ev.Message.Content
				}
				if ev.Err != nil {
					out["error"] = ev.Err.Error()
				}
				enc.Encode(out)
			})
			defer off()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "include pong events")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <idle|active>",
		Short: "Update your presence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer session.Close()
			return session.UpdateStatus(cmd.Context(), args[0])
		},
	}
	return cmd
}

func versionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("teamchat %s (%s, %s, %s/%s)\n",
				version, commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
	return cmd
}

func splitHandles(arg string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(arg); i++ {
		if i == len(arg) || arg[i] == ',' {
			if i > start {
				out = append(out, arg[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// waitForInterrupt blocks until SIGINT/SIGTERM or context end.
func waitForInterrupt(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
}
