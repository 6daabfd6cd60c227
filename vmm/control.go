package vmm

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
)

// ControlSocketPath returns the Unix socket path of the process pid.
func ControlSocketPath(pid int) string {
	return fmt.Sprintf("/tmp/gomigrate-%d.sock", pid)
}

// StartControlSocket listens on the control socket of this process and
// serves commands sent by `gomigrate migrate` until ctx is done.
//
// Commands are newline-terminated:
//
//	MIGRATE <addr>   live-migrate to <addr> (host:port), reply when done
//	POSTCOPY         switch the running migration to postcopy
//	RECOVER <addr>   resume a paused postcopy over a new connection
//	CANCEL           abort the running migration
//	STATUS           report phase and counters
func (v *VMM) StartControlSocket(ctx context.Context) (string, error) {
	path := ControlSocketPath(os.Getpid())

	var lc net.ListenConfig

	l, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return "", errors.Annotate(err, "control socket")
	}

	go func() {
		defer os.Remove(path)

		_ = v.ServeControl(ctx, l)
	}()

	return path, nil
}

// ServeControl handles control connections accepted from l until ctx is
// done, then closes l.
func (v *VMM) ServeControl(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return errors.Annotate(err, "control accept")
		}

		go v.handleControl(ctx, conn)
	}
}

func (v *VMM) handleControl(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		v.lg.Debugf("vmm: control read: %v", err)

		return
	}

	reply := "OK\n"

	msg, err := v.control(ctx, strings.TrimSpace(line))

	switch {
	case err != nil:
		v.lg.Warnf("vmm: %q failed: %v", strings.TrimSpace(line), err)
		reply = "ERROR " + err.Error() + "\n"
	case msg != "":
		reply = "OK " + msg + "\n"
	}

	_, _ = conn.Write([]byte(reply))
}

func (v *VMM) control(ctx context.Context, line string) (string, error) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "MIGRATE":
		if arg == "" {
			return "", errors.NotValidf("MIGRATE without address")
		}

		return "", v.MigrateTo(ctx, arg)
	case "POSTCOPY":
		return "", v.StartPostcopy()
	case "RECOVER":
		if arg == "" {
			return "", errors.NotValidf("RECOVER without address")
		}

		return "", v.RecoverTo(ctx, arg)
	case "CANCEL":
		return "", v.Cancel()
	case "STATUS":
		st, err := v.Status()
		if err != nil {
			return "", err
		}

		return fmt.Sprintf("phase=%s transferred=%s remaining=%s dirty-rate=%s/s throttle=%d%%",
			st.Phase, humanize.IBytes(st.BytesTransferred), humanize.IBytes(st.BytesRemaining),
			humanize.IBytes(st.DirtyRate), st.Throttle), nil
	}

	return "", errors.NotSupportedf("command %q", cmd)
}

// Control sends one command to the control socket at path and returns the
// reply without its OK prefix.
func Control(ctx context.Context, path, cmd string) (string, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return "", errors.Annotate(err, "control socket")
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return "", errors.Annotatef(err, "send %q", cmd)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", errors.Annotatef(err, "reply to %q", cmd)
	}

	reply = strings.TrimSpace(reply)

	if msg, ok := strings.CutPrefix(reply, "ERROR "); ok {
		return "", errors.New(msg)
	}

	if reply == "OK" {
		return "", nil
	}

	if msg, ok := strings.CutPrefix(reply, "OK "); ok {
		return msg, nil
	}

	return "", errors.NotValidf("control reply %q", reply)
}
