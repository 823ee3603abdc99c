package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/pi-dev/pi-server/internal/config"
	"github.com/pi-dev/pi-server/internal/skills"
	"github.com/pi-dev/pi-server/internal/store"
)

// headerFlags collects repeatable --header "Key: Value" flags.
type headerFlags map[string]string

func (h headerFlags) String() string { return fmt.Sprintf("%v", map[string]string(h)) }

func (h headerFlags) Set(value string) error {
	key, val, ok := strings.Cut(value, ":")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("header must be %q, got %q", "Key: Value", value)
	}
	h[strings.TrimSpace(key)] = strings.TrimSpace(val)
	return nil
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load(os.Getenv("PI_CONFIG"))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		return nil, err
	}
	return store.New(cfg.DBPath())
}

func runSetupMCP(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: pi-server setup-mcp <add|remove|list> ...")
		return 1
	}

	switch args[0] {
	case "add":
		return runSetupMCPAdd(args[1:])
	case "remove":
		return runSetupMCPRemove(args[1:])
	case "list":
		return runSetupMCPList()
	default:
		return fatalf("unknown setup-mcp subcommand %q", args[0])
	}
}

func runSetupMCPAdd(args []string) int {
	fs := flag.NewFlagSet("setup-mcp add", flag.ContinueOnError)
	transport := fs.String("transport", "sse", "transport for remote servers (sse or streamable-http)")
	force := fs.Bool("force", false, "replace an existing server with the same name")
	headers := headerFlags{}
	fs.Var(headers, "header", `extra HTTP header as "Key: Value" (repeatable)`)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: pi-server setup-mcp add <name> <url> [--transport sse|streamable-http] [--header \"Key: Value\"]... [--force]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return 1
	}
	name, url := fs.Arg(0), fs.Arg(1)

	if *transport != "sse" && *transport != "streamable-http" {
		return fatalf("unsupported transport %q (want sse or streamable-http)", *transport)
	}

	st, err := openStore()
	if err != nil {
		return fatalf("opening store: %v", err)
	}
	defer st.Close()

	server := &store.MCPServer{
		Name:      name,
		URL:       url,
		Headers:   map[string]string(headers),
		Transport: *transport,
		Enabled:   true,
	}
	if err := st.CreateMCPServer(server); err != nil {
		if errors.Is(err, store.ErrExists) && *force {
			if err := st.UpdateMCPServer(server); err != nil {
				return fatalf("replacing server %q: %v", name, err)
			}
			fmt.Printf("replaced MCP server %q (%s, %s)\n", name, url, *transport)
			return 0
		}
		if errors.Is(err, store.ErrExists) {
			return fatalf("server %q already exists (use --force to replace)", name)
		}
		return fatalf("adding server %q: %v", name, err)
	}
	fmt.Printf("added MCP server %q (%s, %s)\n", name, url, *transport)
	return 0
}

func runSetupMCPRemove(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: pi-server setup-mcp remove <name>")
		return 1
	}
	name := args[0]

	st, err := openStore()
	if err != nil {
		return fatalf("opening store: %v", err)
	}
	defer st.Close()

	if err := st.DeleteMCPServer(name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fatalf("no MCP server named %q", name)
		}
		return fatalf("removing server %q: %v", name, err)
	}
	fmt.Printf("removed MCP server %q\n", name)
	return 0
}

func runSetupMCPList() int {
	st, err := openStore()
	if err != nil {
		return fatalf("opening store: %v", err)
	}
	defer st.Close()

	servers, err := st.ListMCPServers()
	if err != nil {
		return fatalf("listing servers: %v", err)
	}
	if len(servers) == 0 {
		fmt.Println("no MCP servers configured")
		return 0
	}
	for _, server := range servers {
		target := server.URL
		if server.Transport == "stdio" {
			target = strings.TrimSpace(server.Command + " " + strings.Join(server.Args, " "))
		}
		state := "enabled"
		if !server.Enabled {
			state = "disabled"
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", server.Name, server.Transport, target, state)
	}
	return 0
}

func runInstallSkill(args []string) int {
	fs := flag.NewFlagSet("install-skill", flag.ContinueOnError)
	force := fs.Bool("force", false, "replace an existing skill with the same name")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: pi-server install-skill <repo-url> <skill-name> [--force]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return 1
	}
	repoURL, skillName := fs.Arg(0), fs.Arg(1)

	cfg, err := config.Load(os.Getenv("PI_CONFIG"))
	if err != nil {
		return fatalf("loading config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	reg := skills.NewRegistry(cfg.SkillsDir, logger)
	if err := reg.Load(); err != nil {
		return fatalf("loading skills: %v", err)
	}

	if err := reg.Install(repoURL, skillName, *force); err != nil {
		if errors.Is(err, skills.ErrExists) {
			return fatalf("skill %q already installed (use --force to replace)", skillName)
		}
		return fatalf("installing skill: %v", err)
	}

	skill := reg.Get(skillName)
	if skill == nil {
		return fatalf("skill %q installed but did not load", skillName)
	}
	fmt.Printf("installed skill %q: %s\n", skill.Name, skill.Description)
	return 0
}
