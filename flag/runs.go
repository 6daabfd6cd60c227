package flag

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/gomigrate/probe"
	"github.com/bobuhiro11/gomigrate/vmm"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
)

var profiles = map[string]func(*profile.Profile){
	"cpu":   profile.CPUProfile,
	"mem":   profile.MemProfile,
	"block": profile.BlockProfile,
	"mutex": profile.MutexProfile,
	"clock": profile.ClockProfile,
}

func Parse() error {
	c := CLI{}

	programName := "gomigrate"
	programDesc := "gomigrate live-migrates a demo guest with precopy, postcopy and multifd"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if c.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if mode, ok := profiles[c.Profile]; ok {
		defer profile.Start(mode, profile.ProfilePath(c.ProfileDir), profile.NoShutdownHook).Stop()
	}

	err := ctx.Run()

	return err
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (d *ProbeCMD) Run() error {
	return probe.Run(d.Dev).Print(os.Stdout)
}

func (s *SourceCMD) Run() error {
	c, err := s.Config()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	v := vmm.New(c)
	defer v.Close()

	if err := v.Boot(); err != nil {
		return err
	}

	path, err := v.StartControlSocket(ctx)
	if err != nil {
		return err
	}

	logrus.Infof("control socket %s; run `gomigrate migrate %d MIGRATE <addr>`", path, os.Getpid())

	select {
	case <-v.Migrated():
	case <-ctx.Done():
	}

	return nil
}

func (d *DestCMD) Run() error {
	c, err := d.Config()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	v := vmm.New(c)
	defer v.Close()

	if err := v.Incoming(ctx, d.Listen); err != nil {
		return err
	}

	<-ctx.Done()

	return nil
}

func (m *MigrateCMD) Run() error {
	ctx, cancel := signalContext()
	defer cancel()

	reply, err := vmm.Control(ctx, vmm.ControlSocketPath(m.PID), strings.Join(m.Command, " "))
	if err != nil {
		return err
	}

	if reply != "" {
		fmt.Println(reply)
	}

	return nil
}
