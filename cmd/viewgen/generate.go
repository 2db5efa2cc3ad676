package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"viewgen/internal/logging"
	"viewgen/internal/orchestrator"
	"viewgen/internal/session"
)

type generateOpts struct {
	Out     string
	Timeout time.Duration
	Params  orchestrator.Params
}

func newGenerateCmd(g *globalOpts) *cobra.Command {
	o := &generateOpts{}
	cmd := &cobra.Command{
		Use:     "generate",
		Short:   "Generate one image from the view image and exit",
		Example: "  viewgen generate -c viewgen.yaml --view-image view.png --prompt 'oil painting' -o out.png",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, g, o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.Out, "out", "o", "", "Output image file")
	f.DurationVar(&o.Timeout, "timeout", 10*time.Minute, "Overall deadline")
	f.StringVar(&o.Params.Preset, "preset", "", "Workflow preset (defaults to the configured default)")
	f.StringVar(&o.Params.Prompt, "prompt", "", "Positive prompt")
	f.StringVar(&o.Params.NegativePrompt, "negative", "", "Negative prompt")
	f.Int64Var(&o.Params.Seed, "seed", 0, "Seed; 0 picks a random one")
	f.IntVar(&o.Params.Width, "width", 0, "Capture width override")
	f.IntVar(&o.Params.Height, "height", 0, "Capture height override")
	f.StringToStringVar(&o.Params.Extra, "extra", nil, "Extra template values, key=value")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func runGenerate(cmd *cobra.Command, g *globalOpts, o *generateOpts) error {
	cfg, baseDir, err := loadConfig(cmd, g)
	if err != nil {
		return err
	}
	log := logging.New(os.Stderr, cfg.LogLevel)
	sess, err := session.New(session.Options{Config: cfg, BaseDir: baseDir, Logger: log})
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = sess.Run(ctx)
	}()
	defer func() {
		cancel()
		<-runDone
	}()

	res, err := sess.GenerateAndWait(ctx, o.Params)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("generation %s (%s): %s", res.Status, res.Kind, res.Message)
	}
	if err := os.WriteFile(o.Out, res.Image, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s seed=%d model=%s request=%s elapsed=%s\n",
		o.Out, res.Seed, res.Model, res.RequestID, res.Elapsed.Round(time.Millisecond))
	return nil
}
