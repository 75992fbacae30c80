package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/odvcencio/ensync/internal/release"
	"github.com/odvcencio/ensync/pkg/crypto"
	"github.com/odvcencio/ensync/pkg/ensync"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new identity key pair",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "public key:  %s\n", kp.PublicKeyBase64())
		fmt.Fprintf(out, "secret key:  %s\n", kp.SecretKeyBase64())
		fmt.Fprintf(out, "fingerprint: %s\n", crypto.Fingerprint(kp.PublicKeyBase64()))
		return nil
	},
}

var (
	publishEvent   string
	publishTo      []string
	publishData    string
	publishPersist bool
	publishSplit   bool
	publishHeaders map[string]string
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish an encrypted event to one or more recipients",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload any
		if err := json.Unmarshal([]byte(publishData), &payload); err != nil {
			return fmt.Errorf("--data must be JSON: %w", err)
		}

		ctx := cmd.Context()
		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close(context.Background())

		res, err := client.Publish(ctx, publishEvent, publishTo, payload, ensync.PublishOptions{
			Persist:      publishPersist,
			Headers:      publishHeaders,
			PerRecipient: publishSplit,
		})
		if err != nil {
			return err
		}
		for _, idem := range res.Idems {
			fmt.Fprintln(cmd.OutOrStdout(), idem)
		}
		return nil
	},
}

var (
	subscribeEvent   string
	subscribeAutoAck bool
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Print decrypted events as JSON lines until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close(context.Background())

		sub, err := client.Subscribe(ctx, subscribeEvent, ensync.SubscribeOptions{AutoAck: subscribeAutoAck})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		sub.On(func(_ context.Context, ev *ensync.Event) error {
			return enc.Encode(map[string]any{
				"idem":      ev.Idem,
				"block":     ev.Block,
				"event":     ev.EventName,
				"sender":    ev.Sender,
				"timestamp": ev.Timestamp,
				"headers":   ev.Headers,
				"payload":   ev.RawPayload,
			})
		})

		<-ctx.Done()
		return sub.Unsubscribe(context.Background())
	},
}

var deployDir string

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Build and upload the Python package in the current directory to PyPI",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return release.NewDeployer(cmd.InOrStdin(), cmd.OutOrStdout()).Deploy(cmd.Context(), deployDir)
	},
}

var deployRoot string

var deployAllCmd = &cobra.Command{
	Use:   "deploy-all",
	Short: "Build and upload every SDK package to PyPI, one prompt per package",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return release.NewDeployer(cmd.InOrStdin(), cmd.OutOrStdout()).DeployAll(cmd.Context(), deployRoot)
	},
}

func init() {
	publishCmd.Flags().StringVarP(&publishEvent, "event", "e", "", "event name")
	publishCmd.Flags().StringSliceVar(&publishTo, "to", nil, "recipient public keys, comma separated")
	publishCmd.Flags().StringVarP(&publishData, "data", "d", "{}", "JSON payload")
	publishCmd.Flags().BoolVar(&publishPersist, "persist", false, "ask the node to keep the event for replay")
	publishCmd.Flags().BoolVar(&publishSplit, "per-recipient", false, "send one message per recipient instead of one hybrid message")
	publishCmd.Flags().StringToStringVar(&publishHeaders, "header", nil, "event header key=value, repeatable")
	_ = publishCmd.MarkFlagRequired("event")
	_ = publishCmd.MarkFlagRequired("to")

	subscribeCmd.Flags().StringVarP(&subscribeEvent, "event", "e", "", "event name")
	subscribeCmd.Flags().BoolVar(&subscribeAutoAck, "auto-ack", false, "ack events once printed")
	_ = subscribeCmd.MarkFlagRequired("event")

	deployCmd.Flags().StringVar(&deployDir, "dir", ".", "package directory containing setup.py")
	deployAllCmd.Flags().StringVar(&deployRoot, "root", ".", "repository root holding the package directories")
}

func connect(ctx context.Context) (*ensync.Client, error) {
	if strings.TrimSpace(accessKey) == "" {
		return nil, fmt.Errorf("no access key: set --access-key or ENSYNC_ACCESS_KEY")
	}
	engine, err := newEngine()
	if err != nil {
		return nil, err
	}
	return engine.CreateClient(ctx, accessKey, ensync.ClientOptions{AppSecretKey: secretKey})
}
