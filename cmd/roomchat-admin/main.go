package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/roomchat/roomchat/auth"
	"github.com/roomchat/roomchat/config"
	"github.com/roomchat/roomchat/globals"
	"github.com/roomchat/roomchat/notification"
	"github.com/roomchat/roomchat/persistence"
	"github.com/roomchat/roomchat/presence"
	"github.com/roomchat/roomchat/types"
	"github.com/spf13/cobra"
)

// A very simple CLI tool for the administration of roomchat rooms, users, presence and notifications. It works
// directly on the configured store, so buntdb stores can only be administered while the server is stopped.

var (
	configPath string
	persister  persistence.Persister
	globalCfg  *config.Config
	exitCode   int
)

func fail(msg string, args ...interface{}) {
	globals.AppLogger.Error(msg, args...)
	exitCode = 1
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail("could not marshal result", "error", err)
		return
	}
	fmt.Println(string(b))
}

// readArg returns the argument itself or, if it is "-", STDIN.
func readArg(arg string) io.Reader {
	if arg == "-" {
		return os.Stdin
	}
	return bytes.NewReader([]byte(arg))
}

func main() {
	log.SetFlags(0)
	ctx := context.Background()

	var rootCmd = &cobra.Command{
		Use:          "roomchat-admin",
		Short:        "administration of roomchat rooms and users",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ReadConfiguration(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			globals.SetLogLevel(cfg.LogLevel)
			globalCfg = cfg
			persister, err = persistence.NewPersister(cfg)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if persister != nil {
				_ = persister.Close()
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file or directory")
	rootCmd.PersistentFlags().AddFlagSet(config.GetFlagSet())

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show rooms, users, messages, presence or notifications",
	}
	var cmdShowRooms = &cobra.Command{
		Use:   "rooms",
		Short: "Show rooms",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rooms, err := persister.GetRooms(ctx)
			if err != nil {
				fail("could not get rooms", "error", err)
				return
			}
			printJSON(rooms)
		},
	}
	var cmdShowRoom = &cobra.Command{
		Use:   "room [room name]",
		Short: "Show room",
		Long:  `show room prints the room with the given name and its members.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room, err := persister.GetRoom(ctx, args[0])
			if err != nil {
				fail("could not get room", "room", args[0], "error", err)
				return
			}
			members, err := persister.GetMembers(ctx, room.Id)
			if err != nil {
				fail("could not get members", "room", args[0], "error", err)
				return
			}
			printJSON(struct {
				*types.Room
				Members []*types.User `json:"members"`
			}{room, members})
		},
	}
	var fromIdx, maxCount int
	var cmdShowMessages = &cobra.Command{
		Use:   "messages [room name]",
		Short: "Show messages",
		Long:  `show messages prints the messages of a room in the order they were sent.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room, err := persister.GetRoom(ctx, args[0])
			if err != nil {
				fail("could not get room", "room", args[0], "error", err)
				return
			}
			messages, err := persister.GetMessages(ctx, room.Id, fromIdx, maxCount)
			if err != nil {
				fail("could not get messages", "room", args[0], "error", err)
				return
			}
			printJSON(messages)
		},
	}
	cmdShowMessages.Flags().IntVar(&fromIdx, "from", 0, "index of the first message")
	cmdShowMessages.Flags().IntVar(&maxCount, "max", 50, "maximum number of messages (0 for all)")

	var cmdShowUsers = &cobra.Command{
		Use:   "users",
		Short: "Show users",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			users, err := persister.GetUsers(ctx)
			if err != nil {
				fail("could not get users", "error", err)
				return
			}
			printJSON(users)
		},
	}
	var cmdShowUser = &cobra.Command{
		Use:   "user [user id]",
		Short: "Show user",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			user, err := persister.GetUser(ctx, args[0])
			if err != nil {
				fail("could not get user", "user", args[0], "error", err)
				return
			}
			printJSON(user)
		},
	}
	var cmdShowPresence = &cobra.Command{
		Use:   "presence [user id]",
		Short: "Show presence",
		Long:  `show presence prints the presence of a user, or of all online users if no id is given.`,
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			tracker := presence.NewTracker(persister)
			if len(args) == 0 {
				online, err := tracker.Online(ctx)
				if err != nil {
					fail("could not get online users", "error", err)
					return
				}
				printJSON(online)
				return
			}
			p, err := tracker.Get(ctx, args[0])
			if err != nil {
				fail("could not get presence", "user", args[0], "error", err)
				return
			}
			printJSON(p)
		},
	}
	var unreadOnly bool
	var cmdShowNotifications = &cobra.Command{
		Use:   "notifications [user id]",
		Short: "Show notifications",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			notifications, err := notification.NewEmitter(persister, globals.AppLogger).List(ctx, args[0], unreadOnly)
			if err != nil {
				fail("could not get notifications", "user", args[0], "error", err)
				return
			}
			printJSON(notifications)
		},
	}
	cmdShowNotifications.Flags().BoolVar(&unreadOnly, "unread", false, "only unread notifications")

	var cmdSet = &cobra.Command{
		Use:   "set",
		Short: "Create or update rooms and users",
	}
	var cmdSetUser = &cobra.Command{
		Use:   "user [user definition]",
		Short: "Set user",
		Long: `set user creates or updates a user, f.e. '{"id":"u1","nick":"alice"}'. If the user definition is "-", ` +
			`it is read from STDIN.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			user := types.User{}
			if err := json.NewDecoder(readArg(args[0])).Decode(&user); err != nil {
				fail("could not decode user", "error", err)
				return
			}
			if user.Id == "" || user.Nick == "" {
				fail("user id and nick are required")
				return
			}
			if err := persister.StoreUser(ctx, &user); err != nil {
				fail("could not store user", "error", err)
				return
			}
			globals.AppLogger.Info("stored user", "user", user.Id)
		},
	}
	var cmdSetRoom = &cobra.Command{
		Use:   "room [room name]",
		Short: "Create room",
		Long:  `set room creates a room. Rooms are also created on the first message sent to them.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room := &types.Room{Name: args[0]}
			if err := persister.CreateRoom(ctx, room); err != nil {
				fail("could not create room", "room", args[0], "error", err)
				return
			}
			printJSON(room)
		},
	}

	var cmdJoin = &cobra.Command{
		Use:   "join [user id] [room name]",
		Short: "Add a user to a room",
		Long:  `join makes the user a member of the room, members are notified about messages sent while they are offline.`,
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			room, err := persister.GetRoom(ctx, args[1])
			if err != nil {
				fail("could not get room", "room", args[1], "error", err)
				return
			}
			if err := persister.AddMember(ctx, room.Id, args[0]); err != nil {
				fail("could not add member", "error", err)
			}
		},
	}
	var cmdLeave = &cobra.Command{
		Use:   "leave [user id] [room name]",
		Short: "Remove a user from a room",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			room, err := persister.GetRoom(ctx, args[1])
			if err != nil {
				fail("could not get room", "room", args[1], "error", err)
				return
			}
			if err := persister.RemoveMember(ctx, room.Id, args[0]); err != nil {
				fail("could not remove member", "error", err)
			}
		},
	}
	var cmdNotify = &cobra.Command{
		Use:   "notify [user id] [title] [body]",
		Short: "Send a system notification",
		Args:  cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			n, err := notification.NewEmitter(persister, globals.AppLogger).Notify(ctx, notification.Params{
				RecipientId: args[0],
				Kind:        types.NotificationKindSystem,
				Title:       args[1],
				Body:        args[2],
			})
			if err != nil {
				fail("could not create notification", "error", err)
				return
			}
			printJSON(n)
		},
	}
	var cmdMarkRead = &cobra.Command{
		Use:   "mark-read [user id] [notification id]",
		Short: "Mark notifications as read",
		Long:  `mark-read marks a single notification of the user as read, or all of them if no id is given.`,
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			emitter := notification.NewEmitter(persister, globals.AppLogger)
			if len(args) == 1 {
				count, err := emitter.MarkAllRead(ctx, args[0])
				if err != nil {
					fail("could not mark notifications as read", "error", err)
					return
				}
				globals.AppLogger.Info("marked notifications as read", "count", count)
				return
			}
			id, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				fail("invalid notification id", "id", args[1])
				return
			}
			if err := emitter.MarkRead(ctx, uint(id), args[0]); err != nil {
				fail("could not mark notification as read", "error", err)
			}
		},
	}
	var ttl time.Duration
	var cmdToken = &cobra.Command{
		Use:   "token [user id]",
		Short: "Issue a bearer token",
		Long:  `token prints a token signed with auth.jwt_secret for an existing user.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if globalCfg.AuthConfig.JWTSecret == "" {
				fail("no jwt secret configured")
				return
			}
			if _, err := persister.GetUser(ctx, args[0]); err != nil {
				fail("could not get user", "user", args[0], "error", err)
				return
			}
			verifier := auth.NewJWTVerifier(globalCfg.AuthConfig.JWTSecret, globalCfg.AuthConfig.JWTIssuer, nil)
			token, err := verifier.Issue(args[0], ttl)
			if err != nil {
				fail("could not issue token", "error", err)
				return
			}
			fmt.Println(token)
		},
	}
	cmdToken.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")

	var cmdSweep = &cobra.Command{
		Use:   "sweep",
		Short: "Reset stale presence",
		Long:  `sweep marks users offline whose presence was not refreshed within presence.stale_after.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			sweeper, err := presence.NewSweeper(persister, nil, globalCfg.PresenceConfig, globals.AppLogger)
			if err != nil {
				fail("could not create sweeper", "error", err)
				return
			}
			userIds, err := sweeper.Sweep(ctx)
			if err != nil {
				fail("sweep failed", "error", err)
				return
			}
			printJSON(userIds)
		},
	}

	rootCmd.AddCommand(cmdShow, cmdSet, cmdJoin, cmdLeave, cmdNotify, cmdMarkRead, cmdToken, cmdSweep)
	cmdShow.AddCommand(cmdShowRooms, cmdShowRoom, cmdShowMessages, cmdShowUsers, cmdShowUser, cmdShowPresence,
		cmdShowNotifications)
	cmdSet.AddCommand(cmdSetRoom, cmdSetUser)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}
