// Command rr-ndc sends one command to an rr-tcpd control channel.
//
//	rr-ndc [-s addr] [-k secret] [-t timeout] command [args...]
//
// The secret defaults to $DNS_CONTROL_SECRET. The exit status is 0 when the
// server reports success and 1 otherwise.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/haukened/rr-tcpd/internal/dns/gateways/control"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rr-ndc", flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("s", "127.0.0.1:953", "control channel address")
	secret := fs.String("k", os.Getenv("DNS_CONTROL_SECRET"), "shared secret")
	timeout := fs.Duration("t", 10*time.Second, "time allowed for the exchange")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: rr-ndc [-s addr] [-k secret] [-t timeout] command [args...]\n")
		fmt.Fprintf(stderr, "commands: %s\n", strings.Join(control.Commands(), ", "))
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := control.Send(ctx, *server, *secret, fs.Arg(0), fs.Args()[1:]...)
	if err != nil {
		fmt.Fprintf(stderr, "rr-ndc: %v\n", err)
		return 1
	}
	if !resp.OK() {
		fmt.Fprintf(stderr, "rr-ndc: '%s' failed: %s\n", fs.Arg(0), resp.Text)
		return 1
	}
	if resp.Text != "" {
		fmt.Fprintln(stdout, resp.Text)
	}
	return 0
}
