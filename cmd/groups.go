package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/lockedin-study/lockedin-sync/internal/directory"
	"github.com/lockedin-study/lockedin-sync/internal/store"
	"github.com/lockedin-study/lockedin-sync/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	joinPassword string
	joinName     string
	joinAvatar   string
)

var joinCmd = &cobra.Command{
	Use:   "join CODE",
	Short: "Create a study group, or join it if the code is taken",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		commonSetUp()

		ctx := context.Background()
		adapter := mustOpenStore(ctx)
		defer adapter.Close()

		dir := directory.New(adapter, sess, &log.Logger)
		res, err := dir.CreateOrJoin(ctx, directory.JoinRequest{
			Code:        args[0],
			Password:    joinPassword,
			DisplayName: joinName,
			AvatarSeed:  joinAvatar,
		})
		if err != nil {
			log.Fatal().Err(err).Str("group_id", args[0]).Msg("failed to join group")
		}
		printJSON(res)
	},
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List the joined groups",
	Run: func(cmd *cobra.Command, args []string) {
		commonSetUp()

		ctx := context.Background()
		adapter := mustOpenStore(ctx)
		defer adapter.Close()

		var groups []models.Group
		for _, id := range sess.Groups() {
			doc, err := adapter.Get(ctx, store.GroupPath(id))
			if errors.Is(err, store.ErrNotFound) {
				log.Warn().Str("group_id", id).Msg("group no longer exists, run `lockedin reconcile`")
				continue
			}
			if err != nil {
				log.Fatal().Err(err).Str("group_id", id).Msg("failed to fetch group")
			}
			g, err := models.GroupFromDocument(doc)
			if err != nil {
				log.Warn().Err(err).Str("group_id", id).Msg("skipping malformed group")
				continue
			}
			groups = append(groups, g.Public())
		}
		printJSON(struct {
			Active string         `json:"active"`
			Groups []models.Group `json:"groups"`
		}{sess.ActiveGroup(), groups})
	},
}

var leaveCmd = &cobra.Command{
	Use:   "leave GROUP",
	Short: "Leave a group and forget it locally",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		commonSetUp()
		withDirectory(func(ctx context.Context, dir *directory.Directory) error {
			active, err := dir.Leave(ctx, args[0])
			if err == nil {
				fmt.Printf("left %s, active group: %q\n", args[0], active)
			}
			return err
		})
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename GROUP NAME",
	Short: "Rename a group",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		commonSetUp()
		withDirectory(func(ctx context.Context, dir *directory.Directory) error {
			return dir.Rename(ctx, args[0], args[1])
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete GROUP",
	Short: "Delete a group you own",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		commonSetUp()
		withDirectory(func(ctx context.Context, dir *directory.Directory) error {
			active, err := dir.Delete(ctx, args[0])
			if err == nil {
				fmt.Printf("deleted %s, active group: %q\n", args[0], active)
			}
			return err
		})
	},
}

var selectCmd = &cobra.Command{
	Use:   "select GROUP",
	Short: "Make a joined group the active one",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		commonSetUp()
		if err := sess.SetActiveGroup(args[0]); err != nil {
			log.Fatal().Err(err).Str("group_id", args[0]).Msg("failed to select group")
		}
	},
}

func init() {
	joinCmd.Flags().StringVar(&joinPassword, "password", "", "group password")
	joinCmd.Flags().StringVar(&joinName, "name", "", "your display name")
	joinCmd.Flags().StringVar(&joinAvatar, "avatar", "", "avatar seed")
	_ = joinCmd.MarkFlagRequired("password")
	_ = joinCmd.MarkFlagRequired("name")

	groupsCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(joinCmd, groupsCmd, leaveCmd, renameCmd, deleteCmd)
}

func withDirectory(fn func(ctx context.Context, dir *directory.Directory) error) {
	ctx := context.Background()
	adapter := mustOpenStore(ctx)
	defer adapter.Close()

	if err := fn(ctx, directory.New(adapter, sess, &log.Logger)); err != nil {
		log.Fatal().Err(err).Msg("group command failed")
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write output")
	}
}
