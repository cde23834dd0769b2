package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"supportwidget-backend/internal/domain"
	"supportwidget-backend/internal/realtime"
	"supportwidget-backend/internal/realtime/redisport"
	repo "supportwidget-backend/internal/repository/redis"
	"supportwidget-backend/pkg/constants"
)

func newRegisterCommand(a *agent) *cobra.Command {
	var avatar string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create or overwrite the agent in the participant directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.appID == "" {
				return fmt.Errorf("--app-id is required")
			}
			p := domain.Participant{UID: a.uid, DisplayName: a.name, AvatarRef: avatar, Role: "agent"}
			if err := repo.NewDirectoryRepository(a.redis(), a.appID).Put(cmd.Context(), p); err != nil {
				return err
			}
			a.print(p)
			return nil
		},
	}
	cmd.Flags().StringVar(&avatar, "avatar", "", "Avatar reference")
	return cmd
}

func newConversationsCommand(a *agent) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List the agent's recent conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			convs, err := port.FetchRecentConversations(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, c := range convs {
				a.print(c)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum conversations")
	return cmd
}

func newMessagesCommand(a *agent) *cobra.Command {
	var (
		limit    int
		markRead bool
	)
	cmd := &cobra.Command{
		Use:   "messages <peer-uid>",
		Short: "Print the latest messages with a visitor, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			msgs, err := port.FetchMessages(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				a.print(m)
			}
			if markRead {
				return port.MarkConversationRead(cmd.Context(), args[0])
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", constants.MessagePageSize, "Maximum messages")
	cmd.Flags().BoolVar(&markRead, "mark-read", true, "Clear the unread count afterwards")
	return cmd
}

func newSendCommand(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer-uid> <text>...",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			msg, err := port.SendMessage(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			a.print(msg)
			return nil
		},
	}
}

func newCallCommand(a *agent) *cobra.Command {
	var callType string
	cmd := &cobra.Command{
		Use:   "call <peer-uid>",
		Short: "Ring a visitor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := domain.ParseCallType(callType)
			if err != nil {
				return err
			}
			port, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			call, err := port.InitiateCall(cmd.Context(), args[0], t)
			if err != nil {
				return err
			}
			a.print(call)
			return nil
		},
	}
	cmd.Flags().StringVar(&callType, "type", string(domain.CallTypeAudio), "audio or video")
	return cmd
}

func newAcceptCommand(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "accept <session-id>",
		Short: "Answer a ringing call and print its media token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			call, err := port.AcceptCall(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			token, err := port.CallToken(cmd.Context(), call.SessionID)
			if err != nil {
				return err
			}
			a.print(map[string]any{"call": call, "token": token})
			return nil
		},
	}
}

func newRejectCommand(a *agent) *cobra.Command {
	var busy bool
	cmd := &cobra.Command{
		Use:   "reject <session-id>",
		Short: "Decline or cancel a ringing call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			reason := domain.CallStatusRejected
			if busy {
				reason = domain.CallStatusBusy
			}
			return port.RejectCall(cmd.Context(), args[0], reason)
		},
	}
	cmd.Flags().BoolVar(&busy, "busy", false, "Reject as busy")
	return cmd
}

func newEndCommand(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "end <session-id>",
		Short: "Hang up a call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			return port.EndCall(cmd.Context(), args[0])
		},
	}
}

func newTokenCommand(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "token <session-id>",
		Short: "Issue a media token for an ongoing call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			token, err := port.CallToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.print(map[string]string{"session_id": args[0], "token": token})
			return nil
		},
	}
}

type watchLine struct {
	Kind    string                `json:"kind"`
	Message *realtime.WireMessage `json:"message,omitempty"`
	Call    *realtime.WireCall    `json:"call,omitempty"`
}

func newWatchCommand(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print pushed messages and call events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			port, err := a.connect(ctx)
			if err != nil {
				return err
			}
			sub, err := port.Subscribe(ctx,
				func(m realtime.WireMessage) { a.print(watchLine{Kind: "message", Message: &m}) },
				func(c realtime.WireCall) { a.print(watchLine{Kind: "call", Call: &c}) },
			)
			if err != nil {
				return err
			}
			defer sub.Close()
			<-ctx.Done()
			return nil
		},
	}
}

func newSweepCommand(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire calls that rang past the ring timeout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.appID == "" {
				return fmt.Errorf("--app-id is required")
			}
			n, err := redisport.NewRingSweeper(a.redis(), a.appID).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			a.print(map[string]int{"expired": n})
			return nil
		},
	}
}
