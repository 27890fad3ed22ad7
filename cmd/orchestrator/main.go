package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/goliatone/go-orchestrator"
)

type cli struct {
	Config string `short:"c" type:"path" env:"ORCH_CONFIG" help:"Path to a YAML configuration file."`

	Serve       serveCmd       `cmd:"" help:"Run workers, lease reaping and the metrics endpoint."`
	Submit      submitCmd      `cmd:"" help:"Submit an execution of a registered definition."`
	Status      statusCmd      `cmd:"" help:"Show an execution and the latest attempt of each step."`
	Cancel      cancelCmd      `cmd:"" help:"Cancel a pending or running execution."`
	DLQ         dlqCmd         `cmd:"" name:"dlq" help:"Inspect and act on dead-lettered step attempts."`
	Definitions definitionsCmd `cmd:"" help:"Work with definition documents."`
}

// app carries process wide state into command Run methods.
type app struct {
	ctx        context.Context
	configPath string
	out        io.Writer
	// logOut overrides the configured log output, nil keeps it.
	logOut io.Writer
}

func (a *app) runtime() (*runtime, error) {
	return openRuntime(a.ctx, a.configPath, a.logOut)
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newParser(c *cli, stdout, stderr io.Writer, exit func(int)) (*kong.Kong, error) {
	return kong.New(c,
		kong.Name("orchestrator"),
		kong.Description("Durable multi-step workflow execution engine."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.Exit(exit),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
}

// run parses args and executes the selected command.
func run(ctx context.Context, args []string, stdout, stderr, logOut io.Writer, exit func(int)) error {
	var c cli
	parser, err := newParser(&c, stdout, stderr, exit)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return kctx.Run(&app{
		ctx:        ctx,
		configPath: c.Config,
		out:        stdout,
		logOut:     logOut,
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, nil, os.Exit); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		if code := orchestrator.ErrorCode(err); code != "" {
			fmt.Fprintf(os.Stderr, "code: %s\n", code)
		}
		stop()
		os.Exit(1)
	}
}
