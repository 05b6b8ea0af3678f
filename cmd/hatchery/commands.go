// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
)

type command struct {
	run func(c *apiClient, opts globalOptions, args []string) error
}

var commands = map[string]command{
	"machines":    {runMachines},
	"deploy":      {runDeploy},
	"deployments": {runDeployments},
	"eggs":        {runEggs},
	"groups":      {runGroups},
	"agents":      {runAgents},
	"ssh":         {runSSH},
}

// printResponse emits raw JSON under --json, or hands off to the
// human renderer.
func printResponse(opts globalOptions, raw json.RawMessage, human func(raw json.RawMessage)) {
	if opts.json || human == nil {
		var buf map[string]interface{}
		if json.Unmarshal(raw, &buf) == nil {
			indented, _ := json.MarshalIndent(buf, "", "  ")
			fmt.Println(string(indented))
			return
		}
		fmt.Println(string(raw))
		return
	}
	human(raw)
}

func printList(opts globalOptions, raw json.RawMessage, header string, row func(item map[string]interface{}) string) {
	if opts.json {
		fmt.Println(string(raw))
		return
	}
	var items []map[string]interface{}
	if err := json.Unmarshal(raw, &items); err != nil {
		fmt.Println(string(raw))
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, header)
	for _, item := range items {
		fmt.Fprintln(w, row(item))
	}
	_ = w.Flush()
}

func str(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func runMachines(c *apiClient, opts globalOptions, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: hatchery machines <list|show|commission|release|reimage|hard-reset> ...")
	}
	switch sub, rest := args[0], args[1:]; sub {
	case "list":
		f := gnuflag.NewFlagSet("machines list", gnuflag.ContinueOnError)
		status := f.String("status", "", "filter by status")
		if err := f.Parse(true, rest); err != nil {
			return errors.Trace(err)
		}
		path := "/machines"
		if *status != "" {
			path += "?status=" + *status
		}
		raw, err := c.get(path)
		if err != nil {
			return errors.Trace(err)
		}
		printList(opts, raw, "ID\tMAC\tSTATUS\tHOSTNAME\tIP", func(m map[string]interface{}) string {
			return fmt.Sprintf("%s\t%s\t%s\t%s\t%s",
				str(m, "system_id"), str(m, "mac_address"), str(m, "status"),
				str(m, "hostname"), str(m, "ip"))
		})
		return nil
	case "show":
		if len(rest) != 1 {
			return errors.New("usage: hatchery machines show <system-id>")
		}
		raw, err := c.get("/machines/" + rest[0])
		if err != nil {
			return errors.Trace(err)
		}
		printResponse(opts, raw, nil)
		return nil
	case "commission", "release", "reimage", "hard-reset":
		if len(rest) != 1 {
			return errors.Errorf("usage: hatchery machines %s <system-id>", sub)
		}
		raw, err := c.post("/machines/"+rest[0]+"/"+sub, nil)
		if err != nil {
			return errors.Trace(err)
		}
		printResponse(opts, raw, func(json.RawMessage) {
			fmt.Printf("machine %s: %s requested\n", rest[0], sub)
		})
		return nil
	}
	return errors.Errorf("unknown machines subcommand %q", args[0])
}

func runDeploy(c *apiClient, opts globalOptions, args []string) error {
	f := gnuflag.NewFlagSet("deploy", gnuflag.ContinueOnError)
	image := f.String("image", "", "boot image id")
	eggList := f.String("eggs", "", "comma-separated egg ids")
	if err := f.Parse(true, args); err != nil {
		return errors.Trace(err)
	}
	rest := f.Args()
	if len(rest) != 1 || *image == "" {
		return errors.New("usage: hatchery deploy <system-id> --image <image-id> [--eggs a,b]")
	}
	body := map[string]interface{}{
		"machine_id": rest[0],
		"image_id":   *image,
	}
	if *eggList != "" {
		body["egg_ids"] = strings.Split(*eggList, ",")
	}
	raw, err := c.post("/deployments", body)
	if err != nil {
		return errors.Trace(err)
	}
	printResponse(opts, raw, func(raw json.RawMessage) {
		var job map[string]interface{}
		if json.Unmarshal(raw, &job) == nil {
			fmt.Printf("deployment %s started on %s\n", str(job, "id"), rest[0])
		}
	})
	return nil
}

func runDeployments(c *apiClient, opts globalOptions, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: hatchery deployments <show|cancel|retry> <job-id>")
	}
	sub, id := args[0], args[1]
	var raw json.RawMessage
	var err error
	switch sub {
	case "show":
		raw, err = c.get("/deployments/" + id)
	case "cancel", "retry":
		raw, err = c.post("/deployments/"+id+"/"+sub, nil)
	default:
		return errors.Errorf("unknown deployments subcommand %q", sub)
	}
	if err != nil {
		return errors.Trace(err)
	}
	printResponse(opts, raw, func(raw json.RawMessage) {
		var job map[string]interface{}
		if json.Unmarshal(raw, &job) != nil {
			fmt.Println(string(raw))
			return
		}
		fmt.Printf("job %s  machine %s  status %s  progress %v%%\n",
			str(job, "id"), str(job, "machine_id"), str(job, "status"), job["progress_percent"])
		if msg := str(job, "error_message"); msg != "" {
			fmt.Printf("error: %s\n", msg)
		}
	})
	return nil
}

func runEggs(c *apiClient, opts globalOptions, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: hatchery eggs <list|create|delete|render> ...")
	}
	switch sub, rest := args[0], args[1:]; sub {
	case "list":
		raw, err := c.get("/eggs")
		if err != nil {
			return errors.Trace(err)
		}
		printList(opts, raw, "ID\tNAME\tTYPE\tVERSION\tACTIVE", func(e map[string]interface{}) string {
			return fmt.Sprintf("%s\t%s\t%s\t%s\t%v",
				str(e, "id"), str(e, "name"), str(e, "type"), str(e, "version"), e["is_active"])
		})
		return nil
	case "create":
		f := gnuflag.NewFlagSet("eggs create", gnuflag.ContinueOnError)
		file := f.String("file", "", "path to the egg definition (JSON)")
		if err := f.Parse(true, rest); err != nil {
			return errors.Trace(err)
		}
		if *file == "" {
			return errors.New("usage: hatchery eggs create --file egg.json")
		}
		data, err := os.ReadFile(*file)
		if err != nil {
			return errors.Trace(err)
		}
		var body map[string]interface{}
		if err := json.Unmarshal(data, &body); err != nil {
			return errors.Annotatef(err, "parsing %s", *file)
		}
		raw, err := c.post("/eggs", body)
		if err != nil {
			return errors.Trace(err)
		}
		printResponse(opts, raw, func(raw json.RawMessage) {
			var e map[string]interface{}
			if json.Unmarshal(raw, &e) == nil {
				fmt.Printf("egg %s created\n", str(e, "id"))
			}
		})
		return nil
	case "delete":
		if len(rest) != 1 {
			return errors.New("usage: hatchery eggs delete <egg-id>")
		}
		if _, err := c.do("DELETE", "/eggs/"+rest[0], nil); err != nil {
			return errors.Trace(err)
		}
		if !opts.json {
			fmt.Printf("egg %s deleted\n", rest[0])
		}
		return nil
	case "render":
		f := gnuflag.NewFlagSet("eggs render", gnuflag.ContinueOnError)
		eggList := f.String("eggs", "", "comma-separated egg ids")
		group := f.String("group", "", "egg group id")
		machineID := f.String("machine", "", "target machine id")
		if err := f.Parse(true, rest); err != nil {
			return errors.Trace(err)
		}
		body := map[string]interface{}{}
		if *eggList != "" {
			body["egg_ids"] = strings.Split(*eggList, ",")
		}
		if *group != "" {
			body["group_id"] = *group
		}
		if *machineID != "" {
			body["machine_id"] = *machineID
		}
		raw, err := c.post("/eggs/render", body)
		if err != nil {
			return errors.Trace(err)
		}
		printResponse(opts, raw, func(raw json.RawMessage) {
			var reply struct {
				CloudInit string   `json:"cloud_init"`
				Ordered   []string `json:"ordered"`
			}
			if json.Unmarshal(raw, &reply) != nil {
				fmt.Println(string(raw))
				return
			}
			fmt.Printf("# order: %s\n%s", strings.Join(reply.Ordered, ", "), reply.CloudInit)
		})
		return nil
	}
	return errors.Errorf("unknown eggs subcommand %q", args[0])
}

func runGroups(c *apiClient, opts globalOptions, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: hatchery groups <create|show|delete> ...")
	}
	switch sub, rest := args[0], args[1:]; sub {
	case "create":
		f := gnuflag.NewFlagSet("groups create", gnuflag.ContinueOnError)
		name := f.String("name", "", "group name")
		eggList := f.String("eggs", "", "comma-separated egg ids")
		if err := f.Parse(true, rest); err != nil {
			return errors.Trace(err)
		}
		if *name == "" || *eggList == "" {
			return errors.New("usage: hatchery groups create --name n --eggs a,b")
		}
		raw, err := c.post("/egg-groups", map[string]interface{}{
			"name":    *name,
			"egg_ids": strings.Split(*eggList, ","),
		})
		if err != nil {
			return errors.Trace(err)
		}
		printResponse(opts, raw, func(raw json.RawMessage) {
			var g map[string]interface{}
			if json.Unmarshal(raw, &g) == nil {
				fmt.Printf("group %s created\n", str(g, "id"))
			}
		})
		return nil
	case "show":
		if len(rest) != 1 {
			return errors.New("usage: hatchery groups show <group-id>")
		}
		raw, err := c.get("/egg-groups/" + rest[0])
		if err != nil {
			return errors.Trace(err)
		}
		printResponse(opts, raw, nil)
		return nil
	case "delete":
		if len(rest) != 1 {
			return errors.New("usage: hatchery groups delete <group-id>")
		}
		if _, err := c.do("DELETE", "/egg-groups/"+rest[0], nil); err != nil {
			return errors.Trace(err)
		}
		if !opts.json {
			fmt.Printf("group %s deleted\n", rest[0])
		}
		return nil
	}
	return errors.Errorf("unknown groups subcommand %q", args[0])
}

func runAgents(c *apiClient, opts globalOptions, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: hatchery agents <list|suspend|create-key> ...")
	}
	switch sub, rest := args[0], args[1:]; sub {
	case "list":
		f := gnuflag.NewFlagSet("agents list", gnuflag.ContinueOnError)
		status := f.String("status", "", "filter by status")
		if err := f.Parse(true, rest); err != nil {
			return errors.Trace(err)
		}
		path := "/agents"
		if *status != "" {
			path += "?status=" + *status
		}
		raw, err := c.get(path)
		if err != nil {
			return errors.Trace(err)
		}
		printList(opts, raw, "ID\tMACHINE\tSTATUS\tLAST HEARTBEAT", func(a map[string]interface{}) string {
			return fmt.Sprintf("%s\t%s\t%s\t%s",
				str(a, "id"), str(a, "machine_id"), str(a, "status"), str(a, "last_heartbeat_at"))
		})
		return nil
	case "suspend":
		f := gnuflag.NewFlagSet("agents suspend", gnuflag.ContinueOnError)
		reason := f.String("reason", "", "why the agent is being suspended")
		if err := f.Parse(true, rest); err != nil {
			return errors.Trace(err)
		}
		ids := f.Args()
		if len(ids) != 1 {
			return errors.New("usage: hatchery agents suspend <agent-id> --reason r")
		}
		raw, err := c.post("/agents/"+ids[0]+"/suspend", map[string]string{"reason": *reason})
		if err != nil {
			return errors.Trace(err)
		}
		printResponse(opts, raw, func(json.RawMessage) {
			fmt.Printf("agent %s suspended\n", ids[0])
		})
		return nil
	case "create-key":
		f := gnuflag.NewFlagSet("agents create-key", gnuflag.ContinueOnError)
		scope := f.String("scope", "", "enrollment scope")
		ttl := f.Int("ttl", 0, "key lifetime in seconds (0 for server default)")
		singleUse := f.Bool("single-use", false, "invalidate the key after one enrollment")
		if err := f.Parse(true, rest); err != nil {
			return errors.Trace(err)
		}
		raw, err := c.post("/agents/enrollment-keys", map[string]interface{}{
			"scope":       *scope,
			"ttl_seconds": *ttl,
			"single_use":  *singleUse,
		})
		if err != nil {
			return errors.Trace(err)
		}
		printResponse(opts, raw, func(raw json.RawMessage) {
			var key struct {
				KeyID  string `json:"key_id"`
				Secret string `json:"secret"`
			}
			if json.Unmarshal(raw, &key) != nil {
				fmt.Println(string(raw))
				return
			}
			// The secret is shown exactly once; the server keeps only a
			// hash.
			fmt.Printf("key id: %s\nsecret: %s\n", key.KeyID, key.Secret)
		})
		return nil
	}
	return errors.Errorf("unknown agents subcommand %q", args[0])
}

func runSSH(c *apiClient, opts globalOptions, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: hatchery ssh <public-key|sign> ...")
	}
	switch sub, rest := args[0], args[1:]; sub {
	case "public-key":
		raw, err := c.get("/ssh-ca/public-key")
		if err != nil {
			return errors.Trace(err)
		}
		printResponse(opts, raw, func(raw json.RawMessage) {
			var reply struct {
				PublicKey string `json:"public_key"`
			}
			if json.Unmarshal(raw, &reply) == nil && reply.PublicKey != "" {
				fmt.Println(reply.PublicKey)
				return
			}
			fmt.Println(string(raw))
		})
		return nil
	case "sign":
		f := gnuflag.NewFlagSet("ssh sign", gnuflag.ContinueOnError)
		machineID := f.String("machine", "", "target machine id")
		keyFile := f.String("key-file", "", "path to the public key to sign")
		principals := f.String("principals", "", "comma-separated principals")
		validity := f.Int("validity", 0, "certificate validity in seconds (0 for server default)")
		if err := f.Parse(true, rest); err != nil {
			return errors.Trace(err)
		}
		if *machineID == "" || *keyFile == "" {
			return errors.New("usage: hatchery ssh sign --machine m --key-file pub [--principals p] [--validity s]")
		}
		pub, err := os.ReadFile(*keyFile)
		if err != nil {
			return errors.Trace(err)
		}
		body := map[string]interface{}{
			"machine_id": *machineID,
			"public_key": strings.TrimSpace(string(pub)),
		}
		if *principals != "" {
			body["principals"] = strings.Split(*principals, ",")
		}
		if *validity > 0 {
			body["validity_seconds"] = *validity
		}
		raw, err := c.post("/ssh-ca/sign", body)
		if err != nil {
			return errors.Trace(err)
		}
		printResponse(opts, raw, func(raw json.RawMessage) {
			var reply struct {
				Certificate string `json:"certificate"`
			}
			if json.Unmarshal(raw, &reply) == nil && reply.Certificate != "" {
				fmt.Println(reply.Certificate)
				return
			}
			fmt.Println(string(raw))
		})
		return nil
	}
	return errors.Errorf("unknown ssh subcommand %q", args[0])
}
