// Command mrcy is a CLI for the Mercury messenger.
//
// Usage:
//
//	mrcy register <name>   Register a new Mercury account
//	mrcy send <to> <msg>   Send a text message
//	mrcy receive           Receive and print incoming messages
package main

import (
	"fmt"
	"log"
	"os"

	flags "github.com/jessevdk/go-flags"

	client "github.com/pjdhoorn/mercury-go"
)

type globalOpts struct {
	DB      string `long:"db" description:"Path to database file"`
	Redis   string `long:"redis" description:"Redis address to use instead of the local database (host:port)"`
	API     string `long:"api" description:"API base URL"`
	WS      string `long:"ws" description:"WebSocket base URL"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Register    registerCommand    `command:"register" description:"Register a new Mercury account"`
	Send        sendCommand        `command:"send" description:"Send a text message"`
	Receive     receiveCommand     `command:"receive" description:"Receive and print incoming messages"`
	Devices     devicesCommand     `command:"devices" description:"List registered devices for this account"`
	RefreshKeys refreshKeysCommand `command:"refresh-keys" description:"Upload a fresh pre-key batch to the server"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func clientOpts() []client.Option {
	var copts []client.Option

	if opts.DB != "" {
		copts = append(copts, client.WithDBPath(opts.DB))
	}
	if opts.Redis != "" {
		kvStore, err := client.OpenRedisKV(opts.Redis)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		copts = append(copts, client.WithKV(kvStore))
	}
	if opts.API != "" || opts.WS != "" {
		copts = append(copts, client.WithEndpoints(opts.API, opts.WS))
	}
	if opts.Verbose {
		copts = append(copts, client.WithLogger(log.New(os.Stderr, "", log.LstdFlags)))
	}
	return copts
}

// loadClient creates a client and loads the stored account, exiting
// with an error when none exists.
func loadClient() *client.Client {
	c := client.NewClient(clientOpts()...)
	if err := c.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return c
}
