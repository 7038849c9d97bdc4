package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/nasa-jpl/qdsweep/config"
	"github.com/nasa-jpl/qdsweep/progress"
	"github.com/nasa-jpl/qdsweep/session"
	"github.com/nasa-jpl/qdsweep/sweep"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = config.FileName
)

const rootText = `qdsweep drives voltage sweeps of quantum-dot devices with a QDAC-II
voltage source and a Keysight 34410A meter.  Every sweep ramps its gates at a
bounded slope and returns every connected gate to 0 V when it ends, however
it ends.

It can run sweeps directly from the command line, or serve a session over
HTTP so that clients in any language can drive it.`

const helpText = `qdsweep is amenable to configuration via its .yaml file, qdsweep.yml in the
working directory.  For a primer on YAML, see https://yaml.org/start.html

mkconf writes the defaults to qdsweep.yml; conf prints the configuration in
effect.

Instruments:
- QDevil QDAC-II, DAC.Addr host:port (SCPI over LAN, port 5025)
  or DAC.Addr /dev/ttyUSB0 with DAC.Serial true
- Keysight 34410A, DMM.Addr host:port (port 5025 if omitted)
  or DMM.Addr usb (USB-TMC)
- Mock: true replaces both with an in-process pretend device

Stores (Store.Kind):
- memory  runs are kept until the process exits
- fits    one FITS file per run under Store.Path
- badger  every sample appended to a badger database under Store.Path

Axes are given as ch:start:stop:steps, e.g. 3:0:1:101.`

func loadConfig() config.Config {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	if err = c.Validate(); err != nil {
		log.Fatal(err)
	}
	return c
}

// openSession opens the session, its sink, and a progress reporter suited
// to stdout
func openSession(c config.Config) (*session.Session, sweep.Sink, io.Closer, progress.Reporter) {
	logger := log.Default()
	sink, closer, err := BuildSink(c, logger)
	if err != nil {
		log.Fatal(err)
	}
	var prog progress.Reporter = progress.Nop{}
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		sp, err := progress.NewSpinner(os.Stdout)
		if err == nil {
			prog = sp
		}
	}
	s, err := session.Open(c.Session(), Dialer(c), session.Options{
		Sink:     sink,
		Progress: prog,
		Logger:   logger,
	})
	if err != nil {
		closer.Close()
		log.Fatal(err)
	}
	return s, sink, closer, prog
}

// confirm prints the post-hoc teardown confirmation
func confirm(run *sweep.Run) {
	if run == nil {
		return
	}
	switch run.Teardown {
	case sweep.TeardownOK:
		color.Green("channels zeroed")
	case sweep.TeardownFailed:
		color.Red("TEARDOWN FAILED: channels may still be biased, check the device")
	}
	fmt.Println(run)
}

func runSweep(fcn func(ctx context.Context, s *session.Session) (*sweep.Run, error)) error {
	c := loadConfig()
	s, _, closer, prog := openSession(c)
	defer closer.Close()
	defer s.Close()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	sp, spinning := prog.(*progress.Spinner)
	if spinning {
		sp.Start()
	}
	run, err := fcn(ctx, s)
	if spinning {
		sp.Stop(err == nil)
	}
	confirm(run)
	return err
}

func sweep1DCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep1d",
		Short: "sweep one gate and record the meter at every step",
		RunE: func(cmd *cobra.Command, args []string) error {
			as, _ := cmd.Flags().GetString("axis")
			fx, _ := cmd.Flags().GetStringToString("fixed")
			axis, err := ParseAxis(as)
			if err != nil {
				return err
			}
			fixed, err := ParseFixed(fx)
			if err != nil {
				return err
			}
			return runSweep(func(ctx context.Context, s *session.Session) (*sweep.Run, error) {
				return s.Sweep1D(ctx, axis, fixed)
			})
		},
	}
	cmd.Flags().String("axis", "", "swept axis, ch:start:stop:steps")
	cmd.Flags().StringToString("fixed", nil, "gates held fixed through the sweep, ch=volts")
	cmd.MarkFlagRequired("axis")
	return cmd
}

func sweep2DCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep2d",
		Short: "sweep an inner gate at every step of an outer gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			outs, _ := cmd.Flags().GetString("outer")
			is, _ := cmd.Flags().GetString("inner")
			outer, err := ParseAxis(outs)
			if err != nil {
				return err
			}
			inner, err := ParseAxis(is)
			if err != nil {
				return err
			}
			return runSweep(func(ctx context.Context, s *session.Session) (*sweep.Run, error) {
				return s.Sweep2D(ctx, outer, inner)
			})
		},
	}
	cmd.Flags().String("outer", "", "outer axis, ch:start:stop:steps")
	cmd.Flags().String("inner", "", "inner axis, ch:start:stop:steps")
	cmd.MarkFlagRequired("outer")
	cmd.MarkFlagRequired("inner")
	return cmd
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "print the held voltages of the gates and one meter reading",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, _ := cmd.Flags().GetBool("inv")
			c := loadConfig()
			s, _, closer, _ := openSession(c)
			defer closer.Close()
			defer s.Close()
			chs := s.Connected()
			if inv {
				chs = s.Investigation()
			}
			vs, err := s.Check(inv)
			if err != nil {
				return err
			}
			for i, ch := range chs {
				fmt.Printf("ch%02d  %+.6f V\n", ch, vs[i])
			}
			v, err := s.Measure()
			if err != nil {
				return err
			}
			fmt.Printf("dmm   %+.6e V\n", v)
			return nil
		},
	}
	cmd.Flags().Bool("inv", true, "only the investigation gates; --inv=false for every connected gate")
	return cmd
}

func run() {
	c := loadConfig()
	s, sink, closer, _ := openSession(c)
	defer closer.Close()
	defer s.Close()
	mux, _ := BuildMux(s, sink)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// request contexts descend from ctx so a signal aborts a sweep between steps
	srv := &http.Server{
		Addr:        c.Addr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shut, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shut); err != nil {
			log.Println("shutdown:", err)
		}
	}()
	log.Println("now listening for requests at ", c.Addr)
	err := srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		log.Println(err)
		stop()
	}
	// the session is closed only once in-flight handlers have returned
	<-done
}

func mkconf() {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	err = config.WriteFile(ConfigFileName, c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	err = config.Write(os.Stdout, c)
	if err != nil {
		log.Fatal(err)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "qdsweep",
		Short:        "voltage sweeps of quantum-dot devices",
		Long:         rootText,
		SilenceUsage: true,
	}
	simple := func(use, short string, fcn func()) *cobra.Command {
		return &cobra.Command{Use: use, Short: short, Run: func(*cobra.Command, []string) { fcn() }}
	}
	root.AddCommand(
		simple("run", "serve a session over HTTP", run),
		simple("mkconf", "write the configuration in effect to "+ConfigFileName, mkconf),
		simple("conf", "print the configuration in effect", printconf),
		simple("version", "print the version", func() { fmt.Printf("qdsweep version %v\n", Version) }),
		simple("guide", "configuration and usage guide", func() { fmt.Println(helpText) }),
		sweep1DCmd(),
		sweep2DCmd(),
		checkCmd(),
	)
	return root
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
