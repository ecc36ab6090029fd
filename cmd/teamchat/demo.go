package main

import (
	"fmt"
	"net/http/httptest"

	"github.com/spf13/cobra"

	teamchat "github.com/teamchat/teamchat-go"
	"github.com/teamchat/teamchat-go/internal/mockserver"
)

// demoCmd runs a scripted conversation against an in-process mock
// installation; nothing leaves the machine.
func (a *app) demoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted conversation against a local mock server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			mock := mockserver.New(mockserver.Config{Logger: a.log})
			mock.Seed()
			ts := httptest.NewServer(mock.Handler())
			defer ts.Close()

			session, err := teamchat.From(ctx, teamchat.Options{
				Installation: ts.URL,
				SocketServer: "ws" + ts.URL[len("http"):] + "/ws",
				Username:     "adrianc",
				Password:     "password",
				Logger:       a.log,
			})
			if err != nil {
				return err
			}
			defer session.Close()
			fmt.Printf("connected as @%s\n", session.Me().Handle)

			received := make(chan teamchat.Event, 8)
			off := session.On(teamchat.EventMessageReceived, func(ev teamchat.Event) {
				received <- ev
			})
			defer off()

			peter, err := session.GetPersonByHandle(ctx, "peter")
			if err != nil {
				return err
			}
			msg, err := peter.SendMessage(ctx, "howya lad")
			if err != nil {
				return err
			}
			fmt.Printf("sent %q as message %d in room %d\n", msg.Content, msg.ID, msg.RoomID)

			counts, err := session.GetUnseenCounts(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("unseen rooms: %d\n", counts.Total.Rooms)

			rooms, err := session.GetAllRooms(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%d rooms known; pair room with @peter is room %d\n",
				len(rooms), peter.PairRoom().ID)
			return nil
		},
	}
	return cmd
}
