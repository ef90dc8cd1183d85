package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	client "github.com/pjdhoorn/mercury-go"
)

type registerCommand struct {
	Args struct {
		Name string `positional-arg-name:"name" required:"true" description:"Account name to register under"`
	} `positional-args:"true" required:"true"`
}

func (cmd *registerCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := client.NewClient(clientOpts()...)
	defer c.Close()

	if err := c.Register(ctx, cmd.Args.Name); err != nil {
		return err
	}

	fmt.Printf("Registered as %s (device %d)\n", c.UserID(), c.DeviceID())
	return nil
}
