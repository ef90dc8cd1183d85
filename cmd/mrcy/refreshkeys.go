package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type refreshKeysCommand struct {
	Count int `long:"count" description:"Number of one-time pre-keys to generate" default:"100"`
}

func (cmd *refreshKeysCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	if err := c.RefreshPreKeys(ctx, cmd.Count); err != nil {
		return err
	}

	fmt.Println("Pre-keys uploaded to server successfully.")
	return nil
}
