package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	client "github.com/pjdhoorn/mercury-go"
)

type receiveCommand struct {
	N int `short:"n" description:"Maximum number of messages to receive (0 = unlimited)" default:"0"`
}

func (cmd *receiveCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	events, unsub := c.Subscribe(64)
	defer unsub()

	if err := c.Connect(ctx); err != nil {
		return err
	}

	fmt.Println("Listening for messages... (Ctrl+C to stop)")

	count := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			switch ev := ev.(type) {
			case client.MessageEvent:
				ts := ev.Timestamp.Format("2006-01-02 15:04:05")
				fmt.Printf("[%s] %s: %s\n", ts, ev.Sender, ev.Message.Body)
				count++
			case client.SyncSentEvent:
				ts := ev.Timestamp.Format("2006-01-02 15:04:05")
				fmt.Printf("[%s] (you) → %s: %s\n", ts, ev.Destination, ev.Message.Body)
			case client.DeliveryReceiptEvent:
				fmt.Printf("Delivered to %s.%d\n", ev.Sender, ev.Device)
			case client.IdentityChangeEvent:
				fmt.Fprintf(os.Stderr, "Warning: identity changed for %s\n", ev.Address)
			case client.ErrorEvent:
				fmt.Fprintf(os.Stderr, "Error: %v\n", ev.Err)
			}
			if cmd.N > 0 && count >= cmd.N {
				return nil
			}
		}
	}
}
