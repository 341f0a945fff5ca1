package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/kbirk/dfremote/internal/config"
	"github.com/kbirk/dfremote/internal/discovery"
	"github.com/kbirk/dfremote/pkg/dfhack"
	"github.com/kbirk/dfremote/pkg/dfproto"
	"github.com/kbirk/dfremote/pkg/log"
	"github.com/kbirk/dfremote/pkg/rpc"
)

const (
	version = "0.0.1"
)

var (
	configPath  string
	host        string
	port        int
	transport   string
	socket      string
	runCommand  string
	callMethod  string
	list        bool
	showVersion bool
)

var (
	red     = color.New(color.FgRed, color.Bold).SprintFunc()
	green   = color.New(color.FgGreen, color.Bold).SprintFunc()
	yellow  = color.New(color.FgYellow, color.Bold).SprintFunc()
	cyan    = color.New(color.FgCyan, color.Bold).SprintFunc()
	magenta = color.New(color.FgMagenta, color.Bold).SprintFunc()
	white   = color.New(color.FgWhite, color.Bold).SprintFunc()
)

func fail(format string, args ...any) {
	os.Stderr.WriteString(red("ERROR: ") + fmt.Sprintf(format, args...) + "\n")
	os.Exit(1)
}

func main() {

	flag.StringVar(&configPath, "config", "", "TOML config file")
	flag.StringVar(&host, "host", "", "DFHack host")
	flag.IntVar(&port, "port", 0, "DFHack port")
	flag.StringVar(&transport, "transport", "", "Transport, websocket, tcp or unix")
	flag.StringVar(&socket, "socket", "", "Socket file for the unix transport")
	flag.StringVar(&runCommand, "run", "", "Console command line to run")
	flag.StringVar(&callMethod, "call", "", "Method to call with an empty message")
	flag.BoolVar(&list, "list", false, "List declared methods and their binding")
	flag.BoolVar(&showVersion, "version", false, "Print the client version")

	flag.Parse()

	if showVersion {
		os.Stdout.WriteString(fmt.Sprintf("dfremote %s\n", version))
		return
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			fail("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = host
		case "port":
			cfg.Port = port
		case "transport":
			cfg.Transport = strings.ToLower(transport)
		case "socket":
			cfg.Socket = socket
		}
	})

	if err := cfg.Validate(); err != nil {
		fail("Invalid config: %v", err)
	}
	color.NoColor = color.NoColor || cfg.NoColor

	logger := log.NewConsoleWriter(os.Stderr, "dfremote", cfg.LogLevel, cfg.NoColor)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	endpoint, err := resolve(ctx, cfg)
	if err != nil {
		fail("Failed to resolve server: %v", err)
	}

	clientTransport, err := cfg.ClientTransport(endpoint.Host, endpoint.Port)
	if err != nil {
		fail("Failed to build transport: %v", err)
	}

	target := endpoint.String()
	if cfg.Transport == config.TransportUnix {
		target = cfg.Socket
	}

	client := rpc.NewClient(cfg.ClientConfig(clientTransport, logger))
	for _, m := range cfg.Middleware(logger) {
		client.Middleware(m)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = client.Connect(connectCtx)
	cancel()
	if err != nil {
		fail("Failed to connect to %s: %v", target, err)
	}
	defer client.Close()

	os.Stdout.WriteString(green("CONNECTED: ") + white(target) + "\n")

	core := dfhack.NewCore(client)

	switch {
	case list:
		printMethods(client.Methods())
	case runCommand != "":
		err = run(ctx, core, runCommand)
	case callMethod != "":
		err = call(ctx, client, callMethod)
	default:
		err = printVersions(ctx, core)
	}
	if err != nil {
		client.Close()
		fail("%v", err)
	}
}

func resolve(ctx context.Context, cfg config.Config) (discovery.Endpoint, error) {
	if cfg.Transport == config.TransportUnix || len(cfg.Etcd.Endpoints) == 0 {
		return discovery.NewStatic(cfg.Host, cfg.Port).Resolve(ctx)
	}

	resolver, err := discovery.NewEtcd(discovery.EtcdConfig{
		Endpoints:   cfg.Etcd.Endpoints,
		Key:         cfg.Etcd.Key,
		DialTimeout: cfg.Etcd.DialTimeout,
	})
	if err != nil {
		return discovery.Endpoint{}, err
	}
	defer resolver.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.Etcd.DialTimeout)
	defer cancel()
	return resolver.Resolve(ctx)
}

func printMethods(methods []rpc.Method) {
	for _, m := range methods {
		plugin := m.Plugin
		if plugin == "" {
			plugin = "core"
		}
		status := green(fmt.Sprintf("[%d]", m.ID))
		if !m.Bound {
			status = yellow("[unbound]")
		}
		os.Stdout.WriteString(fmt.Sprintf("%s %s %s (%s) %s\n",
			status, magenta(plugin), white(m.Name), cyan(m.Input), cyan(m.Output)))
	}
}

func run(ctx context.Context, core *dfhack.Core, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return errors.New("empty command")
	}

	output, err := core.RunCommand(ctx, fields[0], fields[1:]...)
	os.Stdout.WriteString(output)
	if output != "" && !strings.HasSuffix(output, "\n") {
		os.Stdout.WriteString("\n")
	}
	return err
}

func call(ctx context.Context, client *rpc.Client, method string) error {
	resp, err := client.Invoke(ctx, method, &dfproto.EmptyMessage{})
	if resp != nil {
		if text, textErr := dfhack.TextOutput(resp.Texts); textErr == nil && text != "" {
			os.Stdout.WriteString(text)
		}
	}
	if err != nil {
		return err
	}
	os.Stdout.WriteString(fmt.Sprintf("%s %+v\n", cyan(method+":"), resp.Value))
	return nil
}

func printVersions(ctx context.Context, core *dfhack.Core) error {
	dfhackVersion, err := core.GetVersion(ctx)
	if err != nil {
		return fmt.Errorf("get DFHack version: %w", err)
	}
	dfVersion, err := core.GetDFVersion(ctx)
	if err != nil {
		return fmt.Errorf("get DF version: %w", err)
	}
	os.Stdout.WriteString(fmt.Sprintf("%s %s\n", cyan("DFHack:"), white(dfhackVersion)))
	os.Stdout.WriteString(fmt.Sprintf("%s %s\n", cyan("Dwarf Fortress:"), white(dfVersion)))
	return nil
}
