// Command loom serves the coding-agent backend: a task engine with a
// registered tool set, exposed over HTTP with SSE event streams.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime/debug"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"loom.dev/agenttool"
	"loom.dev/llm"
	"loom.dev/llm/oai"
	"loom.dev/loop"
	"loom.dev/loop/server"
	"loom.dev/skribe"
)

const systemPrompt = `You are a coding assistant working inside a single repository.
Use the available tools to inspect and modify files; never guess file contents.
Call attempt_completion with a final summary when the task is done.`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "localhost:8791", "HTTP server address")
	provider := flag.String("provider", "openai", "default model provider, one of: "+fmt.Sprint(oai.ListProviders()))
	verbose := flag.Bool("verbose", false, "enable verbose logging to stdout")
	logJSON := flag.Bool("log-json", false, "log as JSON instead of text")
	version := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *version {
		if bi, ok := debug.ReadBuildInfo(); ok {
			fmt.Printf("%s@%v\n", bi.Path, bi.Main.Version)
		}
		return nil
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if *logJSON {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(skribe.AttrsWrap(handler)))

	p := oai.ProviderByName(*provider)
	if p.Name == "" {
		return fmt.Errorf("unknown provider %q, valid: %v", *provider, oai.ListProviders())
	}

	var service llm.Service = &oai.Service{Provider: p}

	tools, err := agenttool.NewCoordinator(agenttool.DefaultTools()...)
	if err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	engine := loop.NewEngine(service, tools)
	engine.SystemPrompt = systemPrompt

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", *addr, err)
	}

	var mem uint64
	if mi, err := os.ReadFile("/proc/self/statm"); err == nil {
		fmt.Sscanf(string(mi), "%d", &mem)
		mem *= uint64(os.Getpagesize())
	}
	color.New(color.FgCyan, color.Bold).Printf("loom listening on http://%s\n", ln.Addr())
	color.New(color.FgWhite).Printf("provider %s, %d tools registered, rss %s\n",
		p.Name, len(tools.Specs()), humanize.Bytes(mem))

	ctx := context.Background()
	slog.InfoContext(ctx, "starting",
		slog.String("addr", ln.Addr().String()),
		slog.String("provider", p.Name),
	)

	return http.Serve(ln, server.New(engine))
}
