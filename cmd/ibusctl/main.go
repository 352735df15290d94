// ibusctl is the control CLI for ibusd.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"ibusd/internal/broker"
	"ibusd/internal/config"
	"ibusd/internal/ipc"
	"ibusd/internal/registry"
	"ibusd/internal/store"
)

var Version = "dev"

var (
	configPath string
	address    string
	timeout    time.Duration
)

func main() {
	fs := pflag.NewFlagSet("ibusctl", pflag.ExitOnError)
	fs.StringVarP(&configPath, "config", "c", "", "path to config file")
	fs.StringVarP(&address, "address", "a", "", "bus address (default: the session bus)")
	fs.DurationVar(&timeout, "timeout", 5*time.Second, "timeout for daemon calls")
	fs.SetInterspersed(false)
	fs.Usage = usage
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	args := fs.Args()[1:]
	switch cmd := fs.Arg(0); cmd {
	case "list-engine":
		cmdListEngines(false)
	case "list-active":
		cmdListEngines(true)
	case "address":
		cmdAddress()
	case "exit":
		cmdExit()
	case "registry":
		cmdRegistry(args)
	case "history":
		cmdHistory(args)
	case "version":
		fmt.Printf("ibusctl %s\n", Version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `ibusctl - Control utility for ibusd

Usage: ibusctl [options] <command> [args]

Commands:
  list-engine        List every engine the daemon knows
  list-active        List engines whose provider is attached
  address            Print the bus address the daemon serves on
  exit               Ask the daemon to exit
  registry [--json]  Dump the component registry from disk
  history [--limit]  Show recent engine switches from the store
  version            Print version
  help               Show this help message

Options:
  -c, --config <path>   Path to config file
  -a, --address <addr>  Bus address (default: the session bus)
      --timeout <dur>   Timeout for daemon calls (default 5s)`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ibusctl: "+format+"\n", args...)
	os.Exit(1)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	return cfg
}

func connect() *ipc.Client {
	client, err := ipc.NewClient(address)
	if err != nil {
		fatal("cannot connect to bus: %v", err)
	}
	return client
}

func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func cmdListEngines(active bool) {
	client := connect()
	defer client.Close()
	ctx, cancel := callContext()
	defer cancel()

	var (
		engines []broker.EngineInfo
		err     error
	)
	if active {
		engines, err = client.ListActiveEngines(ctx)
	} else {
		engines, err = client.ListEngines(ctx)
	}
	if err != nil {
		fatal("list engines: %v", err)
	}
	printEngines(engines)
}

func printEngines(engines []broker.EngineInfo) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLANGUAGE\tLAYOUT\tDESCRIPTION")
	for _, e := range engines {
		desc := e.LongName
		if desc == "" {
			desc = e.Description
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Name, e.Language, e.Layout, desc)
	}
	w.Flush()
}

func cmdAddress() {
	client := connect()
	defer client.Close()
	ctx, cancel := callContext()
	defer cancel()

	addr, err := client.Address(ctx)
	if err != nil {
		fatal("get address: %v", err)
	}
	fmt.Println(addr)
}

func cmdExit() {
	client := connect()
	defer client.Close()
	ctx, cancel := callContext()
	defer cancel()

	if err := client.Kill(ctx); err != nil {
		fatal("exit: %v", err)
	}
}

type registryEngine struct {
	Name     string `json:"name"`
	LongName string `json:"longname,omitempty"`
	Language string `json:"language,omitempty"`
	Layout   string `json:"layout,omitempty"`
}

type registryComponent struct {
	Name        string           `json:"name"`
	ServiceName string           `json:"service_name,omitempty"`
	Exec        string           `json:"exec"`
	Version     string           `json:"version,omitempty"`
	File        string           `json:"file"`
	Engines     []registryEngine `json:"engines"`
}

type registryDump struct {
	CachePath  string              `json:"cache_path,omitempty"`
	FromCache  bool                `json:"from_cache"`
	Overrides  []string            `json:"overrides,omitempty"`
	Components []registryComponent `json:"components"`
}

func cmdRegistry(args []string) {
	fs := pflag.NewFlagSet("registry", pflag.ExitOnError)
	asJSON := fs.Bool("json", false, "print JSON")
	_ = fs.Parse(args)

	cfg := loadConfig()
	reg := registry.New(registry.Options{
		SystemDir: cfg.Registry.SystemDir,
		UserDir:   cfg.Registry.UserDir,
		CachePath: cfg.Registry.CachePath,
		Pattern:   cfg.Registry.ManifestPattern,
	})
	reg.Load()

	dump := registryDump{
		CachePath: reg.CachePath(),
		FromCache: reg.LoadedFromCache(),
		Overrides: reg.Overrides(),
	}
	for _, c := range reg.Components() {
		rc := registryComponent{
			Name:        c.Name,
			ServiceName: c.ServiceName,
			Exec:        c.Exec,
			Version:     c.Version,
			File:        c.Filename,
		}
		for _, e := range c.Engines {
			rc.Engines = append(rc.Engines, registryEngine{
				Name:     e.Name,
				LongName: e.LongName,
				Language: e.Language,
				Layout:   e.Layout,
			})
		}
		dump.Components = append(dump.Components, rc)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(dump); err != nil {
			fatal("encode: %v", err)
		}
		return
	}

	source := "scan"
	if dump.FromCache {
		source = "cache"
	}
	fmt.Printf("%d components (from %s)\n", len(dump.Components), source)
	for _, o := range dump.Overrides {
		fmt.Printf("  override: %s\n", o)
	}
	for _, c := range dump.Components {
		fmt.Printf("\n%s\n", c.Name)
		fmt.Printf("  file: %s\n", c.File)
		fmt.Printf("  exec: %s\n", c.Exec)
		if c.ServiceName != "" {
			fmt.Printf("  service: %s\n", c.ServiceName)
		}
		for _, e := range c.Engines {
			fmt.Printf("  engine %-20s %-6s %s\n", e.Name, e.Language, e.LongName)
		}
	}
}

func cmdHistory(args []string) {
	fs := pflag.NewFlagSet("history", pflag.ExitOnError)
	limit := fs.IntP("limit", "n", 20, "number of switches to show")
	_ = fs.Parse(args)

	cfg := loadConfig()
	if !cfg.Store.Enabled {
		fatal("store is disabled in %s", config.ConfigPath())
	}
	if _, err := os.Stat(cfg.Store.Path); err != nil {
		fatal("no store at %s", cfg.Store.Path)
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		fatal("open store: %v", err)
	}
	defer st.Close()

	if def, err := st.DefaultEngine(); err == nil && def != "" {
		fmt.Printf("Default engine: %s\n\n", def)
	}

	switches, err := st.RecentSwitches(*limit)
	if err != nil {
		fatal("read switches: %v", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tENGINE\tCOMPONENT\tCLIENT")
	for _, sw := range switches {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", sw.At.Local().Format(time.DateTime), sw.Engine, sw.Component, sw.Client)
	}
	w.Flush()

	counts, err := st.Usage()
	if err != nil {
		fatal("read usage: %v", err)
	}
	if len(counts) == 0 {
		return
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENGINE\tSWITCHES\tLAST USED")
	for _, u := range counts {
		fmt.Fprintf(w, "%s\t%d\t%s\n", u.Engine, u.Count, u.LastUsed.Local().Format(time.DateTime))
	}
	w.Flush()
}
