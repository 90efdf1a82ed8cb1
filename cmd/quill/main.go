// Command quill is a terminal client for the document chat API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"quillai/pkg/client"
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "api",
		Usage:   "API base URL",
		Value:   "http://localhost:8080",
		Sources: cli.EnvVars("QUILL_API_URL"),
	},
	&cli.StringFlag{
		Name:    "token",
		Usage:   "identity-provider access token",
		Sources: cli.EnvVars("QUILL_TOKEN"),
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "quill",
		Usage: "chat with your PDF documents",
		Flags: globalFlags,
		Commands: []*cli.Command{
			signInCmd(),
			uploadCmd(),
			filesCmd(),
			statusCmd(),
			deleteCmd(),
			askCmd(),
			historyCmd(),
			planCmd(),
			billingCmd(),
		},
	}
	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newClient(c *cli.Command) (*client.Client, error) {
	token := c.String("token")
	if token == "" {
		return nil, errors.New("an access token is required (--token or QUILL_TOKEN)")
	}
	return client.New(client.Config{BaseURL: c.String("api"), Token: token, CacheTTL: time.Minute}), nil
}

func requireArg(c *cli.Command, name string) (string, error) {
	v := c.Args().First()
	if v == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return v, nil
}

func signInCmd() *cli.Command {
	return &cli.Command{
		Name:  "signin",
		Usage: "create or confirm the account for the token",
		Action: func(ctx context.Context, c *cli.Command) error {
			api, err := newClient(c)
			if err != nil {
				return err
			}
			user, created, err := api.AuthCallback(ctx)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("welcome, %s (account %s created)\n", user.Email, user.ID)
				return nil
			}
			fmt.Printf("signed in as %s\n", user.Email)
			return nil
		},
	}
}

func uploadCmd() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "upload a PDF and wait until it is ready for chat",
		ArgsUsage: "<file.pdf>",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "max-wait", Usage: "how long to wait for ingestion", Value: 2 * time.Minute},
			&cli.DurationFlag{Name: "interval", Usage: "status polling interval", Value: client.DefaultPollInterval},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			path, err := requireArg(c, "file")
			if err != nil {
				return err
			}
			api, err := newClient(c)
			if err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			plan, err := api.Plan(ctx)
			if err != nil {
				return fmt.Errorf("load plan: %w", err)
			}
			name := filepath.Base(path)
			if err := client.CheckSize(plan.Plan, name, info.Size()); err != nil {
				return err
			}

			progress := client.StartProgress(client.ProgressInterval, func(v int) {
				fmt.Fprintf(os.Stderr, "\ruploading %s %3d%%", name, v)
			})
			res, err := api.Upload(ctx, plan.Plan, name, info.Size(), f)
			progress.Finish(err == nil)
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return err
			}
			if _, err := api.SaveFile(ctx, res.SaveInput()); err != nil {
				return fmt.Errorf("save file: %w", err)
			}

			poller := client.Poller{Interval: c.Duration("interval"), MaxWait: c.Duration("max-wait")}
			file, err := api.WaitForFile(ctx, res.Key, poller)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "processing %s...\n", file.ID)
			state, err := api.WaitForIngestion(ctx, file.ID, poller)
			if err != nil && state != client.StateTimeout {
				return err
			}
			fmt.Printf("%s\t%s\n", file.ID, state)
			if state != client.StateSuccess {
				return fmt.Errorf("ingestion ended in %s", state)
			}
			return nil
		},
	}
}

func filesCmd() *cli.Command {
	return &cli.Command{
		Name:  "files",
		Usage: "list your documents",
		Action: func(ctx context.Context, c *cli.Command) error {
			api, err := newClient(c)
			if err != nil {
				return err
			}
			files, err := api.Files(ctx)
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Printf("%s\t%-10s\t%s\t%s\n", f.ID, f.Status, f.CreatedAt.Format(time.DateOnly), f.Name)
			}
			return nil
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "show a document's ingestion status",
		ArgsUsage: "<file-id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			id, err := requireArg(c, "file id")
			if err != nil {
				return err
			}
			api, err := newClient(c)
			if err != nil {
				return err
			}
			status, err := api.FileStatus(ctx, id)
			if err != nil {
				return err
			}
			fmt.Println(status)
			return nil
		},
	}
}

func deleteCmd() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "delete a document and its stored file",
		ArgsUsage: "<file-id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			id, err := requireArg(c, "file id")
			if err != nil {
				return err
			}
			api, err := newClient(c)
			if err != nil {
				return err
			}
			f, err := api.DeleteFile(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %s (%s)\n", f.ID, f.Name)
			return nil
		},
	}
}

func askCmd() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "ask a question about a document",
		ArgsUsage: "<file-id> <question>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() < 2 {
				return errors.New("file id and question are required")
			}
			api, err := newClient(c)
			if err != nil {
				return err
			}
			_, err = api.SendMessage(ctx, c.Args().Get(0), c.Args().Get(1), func(delta string) error {
				_, err := io.WriteString(os.Stdout, delta)
				return err
			})
			fmt.Println()
			return err
		},
	}
}

func historyCmd() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "show a document's conversation, newest first",
		ArgsUsage: "<file-id>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Usage: "page size (server default when 0)"},
			&cli.StringFlag{Name: "cursor", Usage: "continue after this message id"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			id, err := requireArg(c, "file id")
			if err != nil {
				return err
			}
			api, err := newClient(c)
			if err != nil {
				return err
			}
			page, err := api.Messages(ctx, id, c.String("cursor"), int(c.Int("limit")))
			if err != nil {
				return err
			}
			for _, m := range page.Messages {
				who := "assistant"
				if m.IsUserMessage {
					who = "you"
				}
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format(time.DateTime), who, m.Text)
			}
			if page.NextCursor != "" {
				fmt.Printf("-- more: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}
}

func planCmd() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "show your subscription plan",
		Action: func(ctx context.Context, c *cli.Command) error {
			api, err := newClient(c)
			if err != nil {
				return err
			}
			plan, err := api.Plan(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s plan: %d documents, up to %dMB each\n", plan.Name, plan.Quota, plan.MaxFileMB)
			switch {
			case plan.IsSubscribed && plan.IsCanceled && plan.CurrentPeriodEnd != nil:
				fmt.Printf("canceled; access ends %s\n", plan.CurrentPeriodEnd.Format(time.DateOnly))
			case plan.IsSubscribed && plan.CurrentPeriodEnd != nil:
				fmt.Printf("renews %s\n", plan.CurrentPeriodEnd.Format(time.DateOnly))
			}
			return nil
		},
	}
}

func billingCmd() *cli.Command {
	return &cli.Command{
		Name:  "billing",
		Usage: "open a checkout or billing-portal session",
		Action: func(ctx context.Context, c *cli.Command) error {
			api, err := newClient(c)
			if err != nil {
				return err
			}
			url, err := api.BillingSession(ctx)
			if err != nil {
				return err
			}
			fmt.Println(url)
			return nil
		},
	}
}
