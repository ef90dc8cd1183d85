package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type sendCommand struct {
	Args struct {
		Recipient string `positional-arg-name:"recipient" required:"true" description:"Recipient user id"`
		Message   string `positional-arg-name:"message" required:"true" description:"Text message to send"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	results, err := c.Send(ctx, cmd.Args.Recipient, cmd.Args.Message)
	if err != nil {
		return err
	}

	failed := 0
	for _, res := range results {
		if res.OK() {
			fmt.Printf("  %s: delivered\n", res.Address)
		} else {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", res.Address, res.Err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d devices failed", failed, len(results))
	}
	fmt.Printf("Message sent to %s\n", cmd.Args.Recipient)
	return nil
}
