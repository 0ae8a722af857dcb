package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/paynet/iso-fep/internal/config"
	"github.com/paynet/iso-fep/internal/iso8583"
	"github.com/paynet/iso-fep/internal/supervisor"
)

var (
	processingCode string
	amount         string
	terminalID     string
	timeout        time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Connect, sign on, and send one authorization request",
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().StringVar(&processingCode, "processing-code", "000000", "field 3: processing code")
	sendCmd.Flags().StringVar(&amount, "amount", "000000010000", "field 4: transaction amount")
	sendCmd.Flags().StringVar(&terminalID, "terminal-id", "TERM0001", "field 41: card acceptor terminal id")
	sendCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per-call timeout")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	provider := iso8583.NewProvider("FISC", cfg.FieldDefinitionSource)

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	sv := supervisor.New(cfg.SupervisorConfig(), provider, nil)
	if err := sv.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer sv.Close()

	if err := sv.SignOn(ctx); err != nil {
		return fmt.Errorf("sign on: %w", err)
	}

	req := iso8583.NewMessage(iso8583.MTIAuthorizationRequest)
	req.SetField(3, processingCode)
	req.SetField(4, amount)
	req.SetField(41, terminalID)

	resp, err := sv.SendAndReceive(ctx, req, timeout)
	if err != nil {
		return fmt.Errorf("send and receive: %w", err)
	}

	cmd.Printf("%s\n", resp.DebugString(provider))
	return nil
}
