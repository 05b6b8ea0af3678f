// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command hatchery is the operator CLI for the Hatchery control API.
//
//	hatchery machines list --status ready
//	hatchery deploy m-1a2b3c4d --image ubuntu-24.04 --eggs docker,node-exporter
//	hatchery deployments show job-9f8e7d6c
//	hatchery ssh sign --machine m-1a2b3c4d --key-file ~/.ssh/id_ed25519.pub
//
// The control URL and bearer token come from --url/--token or the
// HATCHERY_URL and HATCHERY_TOKEN environment variables. With --json
// every command prints the raw API response.
package main

import (
	"fmt"
	"os"

	"github.com/juju/gnuflag"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

type globalOptions struct {
	url   string
	token string
	json  bool
}

func run(args []string) int {
	opts := globalOptions{
		url:   os.Getenv("HATCHERY_URL"),
		token: os.Getenv("HATCHERY_TOKEN"),
	}
	f := gnuflag.NewFlagSet("hatchery", gnuflag.ContinueOnError)
	f.StringVar(&opts.url, "url", opts.url, "control API URL")
	f.StringVar(&opts.token, "token", opts.token, "bearer token")
	f.BoolVar(&opts.json, "json", false, "print raw API responses")
	f.Usage = printUsage
	if err := f.Parse(false, args); err != nil {
		return 2
	}
	rest := f.Args()
	if len(rest) == 0 {
		printUsage()
		return 2
	}
	if opts.url == "" {
		fmt.Fprintln(os.Stderr, "no control URL: pass --url or set HATCHERY_URL")
		return 2
	}

	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", rest[0])
		printUsage()
		return 2
	}
	if err := cmd.run(newAPIClient(opts.url, opts.token), opts, rest[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func printUsage() {
	fmt.Fprint(os.Stderr, `usage: hatchery [--url URL] [--token TOKEN] [--json] <command> ...

commands:
  machines     list, show, commission, release, reimage, hard-reset
  deploy       start a deployment for a machine
  deployments  show, cancel, retry
  eggs         list, create, delete, render
  groups       create, show, delete
  agents       list, suspend, create-key
  ssh          public-key, sign
`)
}
