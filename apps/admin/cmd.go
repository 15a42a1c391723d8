package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/offline"
	"github.com/trezcool/shule/core/syncengine"
	"github.com/trezcool/shule/core/user"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errNoPassword = errors.New("a password is required")
	errNoDatabase = errors.New("migrations need the postgres remote driver")
)

type commandLine struct {
	usrSvc  user.Service
	usrRepo user.Repository
	engine  *syncengine.Engine
	local   offline.Store
	// migrate runs a goose command; nil without a database
	migrate func(command string, args ...string) error
}

func (cli *commandLine) rootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "admin",
		Short:         "Shule administration commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.AddCommand(cli.addUserCmd(), cli.resetPasswordCmd(), cli.migrateCmd(), cli.syncCmd())
	return root
}

func (cli *commandLine) run(ctx context.Context, args []string, out io.Writer) error {
	root := cli.rootCmd(out)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func promptPassword(cmd *cobra.Command) (string, error) {
	cmd.Print("Enter password:")
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	cmd.Println()
	if err != nil {
		return "", errors.Wrap(err, "reading password")
	}
	if len(pwd) == 0 {
		return "", errNoPassword
	}
	return string(pwd), nil
}

func (cli *commandLine) addUserCmd() *cobra.Command {
	var name, role string
	cmd := &cobra.Command{
		Use:   "adduser USERNAME|EMAIL",
		Short: "Create an active user with a single role; the password is prompted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pwd, err := promptPassword(cmd)
			if err != nil {
				return err
			}
			if name == "" {
				name = args[0]
			}
			usr, err := cli.usrSvc.CreateUser(cmd.Context(), args[0], pwd, name, role)
			if err != nil {
				return err
			}
			cmd.Printf("user %s created (%s)\n", usr.DisplayName(), usr.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (default USERNAME|EMAIL)")
	cmd.Flags().StringVar(&role, "role", user.RoleAdminOwner, "role, one of "+strings.Join(user.AllRoles, " "))
	return cmd
}

func (cli *commandLine) resetPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resetpassword USERNAME|EMAIL",
		Short: "Reset a user's password; the password is prompted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pwd, err := promptPassword(cmd)
			if err != nil {
				return err
			}
			return cli.resetPassword(cmd.Context(), args[0], pwd)
		},
	}
}

func (cli *commandLine) resetPassword(ctx context.Context, uname, pwd string) error {
	uname = core.CleanString(uname, true /* lower */)
	usr, err := cli.usrRepo.GetUser(ctx, user.GetFilter{UsernameOrEmail: []string{uname}})
	if err != nil {
		return err
	}
	if err = usr.SetPassword(pwd); err != nil {
		return err
	}
	_, err = cli.usrRepo.UpdateUser(ctx, usr)
	return err
}

func (cli *commandLine) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate COMMAND [ARGS...]",
		Short: "Run a goose command (up, up-to, down, down-to, redo, reset, status, version) on the database",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cli.migrate == nil {
				return errNoDatabase
			}
			return cli.migrate(args[0], args[1:]...)
		},
	}
}

func (cli *commandLine) syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect and drive the sync queue",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Push the pending items to the remote store",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				res, err := cli.engine.SyncAllTables(cmd.Context())
				if err != nil {
					return err
				}
				cmd.Printf("synced %d item(s), %d error(s)\n", res.TotalSynced, len(res.Errors))
				for _, ie := range res.Errors {
					cmd.Printf("  %s %s/%s: %s\n", ie.ItemID, ie.TableName, ie.RecordID, ie.Message)
				}
				if !res.Success {
					return errors.New("sync pass had failures")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the pending items per table",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				statuses, err := cli.engine.Status(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TABLE\tPENDING\tSTATUS\tERROR")
				for _, st := range statuses {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", st.TableName, st.Progress, st.Status, st.Error)
				}
				return w.Flush()
			},
		},
		&cobra.Command{
			Use:   "queue",
			Short: "List the pending items, oldest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				items, err := cli.local.PendingItems(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTABLE\tOPERATION\tRECORD\tATTEMPTS\tLAST ERROR")
				for _, it := range items {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", it.ID, it.TableName, it.Operation, it.RecordID, it.Attempts, it.LastError)
				}
				return w.Flush()
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Drop every pending item",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				n, err := cli.engine.ClearQueue(cmd.Context())
				if err != nil {
					return err
				}
				cmd.Printf("%d item(s) dropped\n", n)
				return nil
			},
		},
		&cobra.Command{
			Use:   "retry [ITEM_ID...]",
			Short: "Reset the attempts of the given items, or of every item",
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := cli.engine.ResetAttempts(cmd.Context(), args...)
				if err != nil {
					return err
				}
				cmd.Printf("%d item(s) reset\n", n)
				return nil
			},
		},
	)
	return cmd
}
