package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/core/service"
)

func newSyncCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the registry with the library's loans, holds and favorites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(app *service.App) error {
				result, err := app.Sync(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Synced %d loans, %d holds, %d favorites\n",
					len(app.Registry.Loans()), len(app.Registry.HeldBooks()), len(app.Registry.SelectedBooks()))
				if result.NewBooksAvailable {
					fmt.Fprintln(out, "Holds are ready to borrow")
				}
				return nil
			})
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var loans, holds, selected bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show registered books",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(app *service.App) error {
				var books []models.Book
				switch {
				case loans:
					books = app.Registry.Loans()
				case holds:
					books = app.Registry.HeldBooks()
				case selected:
					books = app.Registry.SelectedBooks()
				default:
					books = app.Registry.AllBooks()
				}
				out := cmd.OutOrStdout()
				if len(books) == 0 {
					fmt.Fprintln(out, "No books")
					return nil
				}
				rows := make([][]string, 0, len(books))
				for _, book := range books {
					rows = append(rows, []string{
						book.Identifier,
						book.Title,
						strings.Join(book.Authors, ", "),
						app.Registry.BookState(book.Identifier).String(),
						availabilityText(book.Availability()),
						yesNo(app.Registry.SelectionState(book.Identifier) == models.SelectionSelected),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Title", "Authors", "State", "Availability", "Favorite"},
					rows, nil))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&loans, "loans", false, "Only borrowed books")
	cmd.Flags().BoolVar(&holds, "holds", false, "Only books on hold")
	cmd.Flags().BoolVar(&selected, "selected", false, "Only favorites")
	cmd.MarkFlagsMutuallyExclusive("loans", "holds", "selected")
	return cmd
}

func newBorrowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "borrow <id>",
		Short: "Borrow a book or place a hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(app *service.App) error {
				state, err := app.Borrow(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], state)
				return nil
			})
		},
	}
}

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "download [id]",
		Short: "Download a loan, or every loan without content",
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return errors.New("download takes either an id or --all")
			}
			if !all && len(args) != 1 {
				return errors.New("download needs a book id or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(app *service.App) error {
				out := cmd.OutOrStdout()
				if !all {
					return downloadOne(cmd, app, args[0], out)
				}
				ids := app.PendingDownloads()
				if len(ids) == 0 {
					fmt.Fprintln(out, "Nothing to download")
					return nil
				}
				results, err := app.DownloadAll(cmd.Context(), ids, app.Config.DownloadConcurrency)
				rows := make([][]string, 0, len(results))
				for _, r := range results {
					status := r.State.String()
					if r.Err != nil {
						status = "failed: " + r.Err.Error()
					}
					rows = append(rows, []string{r.ID, r.Title, status})
				}
				fmt.Fprintln(out, renderTable([]string{"ID", "Title", "Result"}, rows, nil))
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Download every loan that has no local content")
	return cmd
}

func downloadOne(cmd *cobra.Command, app *service.App, id string, out io.Writer) error {
	state, err := app.Download(cmd.Context(), id)
	if err != nil {
		return err
	}
	if state != models.StateDownloadSuccessful {
		fmt.Fprintf(out, "%s: %s\n", id, state)
		return nil
	}
	path, err := app.Center.FileURL(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Downloaded %s to %s\n", id, path)
	return nil
}

func newReturnCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "return <id>",
		Short: "Return a loan and delete its content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(app *service.App) error {
				if err := app.Return(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Returned %s\n", args[0])
				return nil
			})
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Stop a download in progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(app *service.App) error {
				if err := app.Cancel(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], app.Registry.BookState(args[0]))
				return nil
			})
		},
	}
}

func newSelectCommand(ctx *commandContext, selected bool) *cobra.Command {
	use, short := "select <id>", "Mark a book as a favorite"
	if !selected {
		use, short = "unselect <id>", "Remove a book from favorites"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(app *service.App) error {
				if err := app.SetSelected(cmd.Context(), args[0], selected); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], app.Registry.SelectionState(args[0]))
				return nil
			})
		},
	}
}

func newResetCommand(ctx *commandContext) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the registry and every downloaded book for the library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset deletes all downloaded books; pass --yes to confirm")
			}
			return ctx.withApp(cmd, func(app *service.App) error {
				if err := app.Reset(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", app.Account.ID())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")
	return cmd
}

func newLoginCommand(ctx *commandContext) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store library credentials and fetch a token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("LS_PASSWORD")
			}
			return ctx.withApp(cmd, func(app *service.App) error {
				if err := app.Login(cmd.Context(), username, password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Signed in to %s as %s\n", app.Account.ID(), username)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Library card number or username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "PIN or password (defaults to LS_PASSWORD)")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func availabilityText(a models.Availability) string {
	switch v := a.(type) {
	case models.Limited:
		return fmt.Sprintf("%d/%d copies", v.CopiesAvailable, v.CopiesTotal)
	case models.Unlimited:
		return "available"
	case models.Reserved:
		if v.HoldPosition > 0 {
			return fmt.Sprintf("hold #%d", v.HoldPosition)
		}
		return "on hold"
	case models.Ready:
		return "ready"
	case models.Unavailable:
		return "unavailable"
	default:
		return ""
	}
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
