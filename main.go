// Command ubond runs one peer of a bonded UDP tunnel link: it loads a
// config file, opens a TUN device and one UDP socket per configured
// tunnel, and drives the event loop until a shutdown signal arrives
// (spec.md §6 "External interfaces").
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"sync"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"ubond/config"
	"ubond/controller"
	"ubond/engine"
	"ubond/lifecycle"
	"ubond/tundev"
	"ubond/tunnel"
	"ubond/utils"
)

// Version is overwritten at build time via -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		confPath      string
		debug         bool
		name          string
		naturalTitle  bool
		runAsUser     string
		yesRunAsRoot  bool
		verbose       bool
		quiet         bool
		showVersion   bool
		quotaPresets  []string
	)
	flags := pflag.NewFlagSet("ubond", pflag.ContinueOnError)
	flags.StringVarP(&confPath, "config", "c", "", "path to config file")
	flags.BoolVar(&debug, "debug", false, "also log to stderr")
	flags.StringVarP(&name, "name", "n", "", "override the configured daemon name")
	flags.BoolVar(&naturalTitle, "natural-title", false, "set process title to the daemon name")
	flags.StringVarP(&runAsUser, "user", "u", "", "drop privileges to this user after setup")
	flags.BoolVar(&yesRunAsRoot, "yes-run-as-root", false, "allow running without dropping privileges")
	flags.BoolVarP(&verbose, "verbose", "v", false, "force debug log level")
	flags.BoolVarP(&quiet, "quiet", "q", false, "force warn log level")
	flags.BoolVarP(&showVersion, "version", "V", false, "print version and exit")
	flags.StringArrayVarP(&quotaPresets, "preset", "p", nil, "tunnel:value[bkm] quota preset, repeatable")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return 2
	}

	if showVersion {
		fmt.Println("ubond", Version)
		return 0
	}
	if confPath == "" {
		fmt.Fprintln(os.Stderr, "ubond: -c <path> is required")
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(ctx, confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ubond: %v\n", err)
		return 2
	}
	if name != "" {
		cfg.Name = name
	}
	if verbose {
		cfg.Log.Level = "debug"
	} else if quiet {
		cfg.Log.Level = "warn"
	}
	utils.Init(&cfg.Log, debug)
	defer utils.Logger.Sync()

	if naturalTitle {
		utils.SetProcTitle(cfg.Name)
	}

	presets, err := parsePresets(quotaPresets)
	if err != nil {
		utils.Logger.Error("bad quota preset", zap.Error(err))
		return 2
	}

	dev, err := tundev.Open(cfg.Device, cfg.MTU)
	if err != nil {
		utils.Logger.Error("open tun device", zap.Error(err))
		return 1
	}
	defer dev.Close()

	hooks := buildHooks(cfg, dev.Name)
	lm := lifecycle.New(cfg.Password, cfg.Server, hooks)

	tunnels, udpConns, err := buildTunnels(cfg.Tunnels, presets)
	if err != nil {
		utils.Logger.Error("build tunnels", zap.Error(err))
		return 1
	}
	defer func() {
		if err := closeAll(udpConns); err != nil {
			utils.Logger.Warn("closing tunnel sockets", zap.Error(err))
		}
	}()

	ectx := engine.NewContext(tunnels, lm)
	loop := engine.NewLoop(ectx)
	loop.TunWrite = func(b []byte) error {
		_, err := dev.Write(b)
		return err
	}

	ctl := controller.New(loop)

	if err := tundev.Up(dev.Name, cfg.Addrs, cfg.Routes); err != nil {
		utils.Logger.Error("bring up tun device", zap.Error(err))
		return 1
	}

	// Every privileged setup step (tun allocation, link/address/route
	// configuration, binding the tunnel sockets) is done; drop to an
	// unprivileged user before accepting any external input.
	if runAsUser != "" {
		if err := dropPrivileges(runAsUser); err != nil {
			utils.Logger.Error("drop privileges", zap.Error(err))
			return 1
		}
	} else if os.Geteuid() == 0 && !yesRunAsRoot {
		utils.Logger.Error("refusing to run as root without -u or --yes-run-as-root")
		return 2
	}

	runID := xid.New()
	utils.Logger.Info("ubond starting",
		zap.String("run_id", runID.String()),
		zap.String("name", cfg.Name),
		zap.String("device", dev.Name),
		zap.Int("tunnels", len(tunnels)))

	resetQuotas := func() { resetAllQuotas(tunnels, presets) }
	reload := func() error { return reloadConfig(ctx, confPath, tunnels) }

	if cfg.ControlSocket != "" {
		cs := &controlServer{runID: runID, daemon: cfg.Name, ectx: ectx, resetQuotas: resetQuotas, reload: reload}
		go logControlSocketErr(serveControlSocket(ctx, cfg.ControlSocket, cs))
	}

	var wg sync.WaitGroup
	if cfg.Listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ctl.Listen(ctx, cfg.Listen); err != nil && ctx.Err() == nil {
				utils.Logger.Warn("tcp listener stopped", zap.Error(err))
			}
		}()
	}

	go handleReconfigSignals(ctx, reload, resetQuotas)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	err = loop.Supervise(sigCtx, udpConns, dev)
	cancel()
	wg.Wait()
	if err != nil && err != context.Canceled {
		utils.Logger.Warn("ubond exiting", zap.Error(err))
	} else {
		utils.Logger.Info("ubond shut down")
	}
	return 0
}

// closeAll closes every tunnel socket, aggregating whatever errors come
// back instead of stopping at the first one (shutdown should still try to
// close every socket even if an earlier one fails).
func closeAll(conns map[uint16]*net.UDPConn) error {
	var result *multierror.Error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// udpSender adapts a connected *net.UDPConn to tunnel.Sender.
type udpSender struct{ conn *net.UDPConn }

func (s udpSender) SendTo(b []byte) (int, error) { return s.conn.Write(b) }

// buildTunnels dials one UDP association per configured tunnel (spec.md
// §3 "Tunnel": identity is "local or peer port number"; id is taken from
// the local bind port) and seeds each tunnel's quota budget from presets
// or its configured Permitted value.
func buildTunnels(tcs []config.Tunnel, presets map[string]uint64) ([]*tunnel.Tunnel, map[uint16]*net.UDPConn, error) {
	tunnels := make([]*tunnel.Tunnel, 0, len(tcs))
	conns := make(map[uint16]*net.UDPConn, len(tcs))
	for _, tc := range tcs {
		laddr, err := net.ResolveUDPAddr("udp", tc.Listen)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "tunnel %s: resolve listen %q", tc.Name, tc.Listen)
		}
		raddr, err := net.ResolveUDPAddr("udp", tc.Remote)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "tunnel %s: resolve remote %q", tc.Name, tc.Remote)
		}
		conn, err := net.DialUDP("udp", laddr, raddr)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "tunnel %s: dial", tc.Name)
		}
		id := uint16(conn.LocalAddr().(*net.UDPAddr).Port)
		t := tunnel.New(tc.Name, id, udpSender{conn}, tc.BandwidthMax, tc.FallbackOnly, tc.Quota)
		t.SetQuotaRateKbit(tc.QuotaKbit)
		if v, ok := presets[tc.Name]; ok {
			t.SetPermitted(v)
		} else if tc.Permitted > 0 {
			t.SetPermitted(tc.Permitted)
		}
		tunnels = append(tunnels, t)
		conns[id] = conn
	}
	return tunnels, conns, nil
}

// parsePresets runs config.ParseQuota over every -p flag, collecting the
// result into a name-keyed map (spec.md §9 SUPPLEMENTED FEATURES item 1).
func parsePresets(specs []string) (map[string]uint64, error) {
	presets := make(map[string]uint64, len(specs))
	for _, spec := range specs {
		name, bytes, err := config.ParseQuota(spec)
		if err != nil {
			return nil, err
		}
		presets[name] = bytes
	}
	return presets, nil
}

// resetAllQuotas re-arms every quota tunnel from its startup preset rather
// than its drifted runtime value (spec.md §9 SUPPLEMENTED FEATURES item 3,
// fired on SIGUSR1 or a control-socket `quota` command).
func resetAllQuotas(tunnels []*tunnel.Tunnel, presets map[string]uint64) {
	for _, t := range tunnels {
		if !t.IsQuota() {
			continue
		}
		if v, ok := presets[t.Name()]; ok {
			t.SetPermitted(v)
		}
	}
	utils.Logger.Info("quotas reset")
}

// reloadConfig re-reads path and reconciles per-tunnel mutable settings
// (bandwidth ceiling, quota rate) onto the already-running tunnel set by
// name; fallback-only and quota flags are not reloaded. Adding or removing
// tunnels at runtime is not
// supported; a config reload that does so only logs a warning for the
// tunnels it cannot reconcile.
func reloadConfig(ctx context.Context, path string, tunnels []*tunnel.Tunnel) error {
	if err := config.Reload(ctx, path); err != nil {
		return err
	}
	cfg := config.Current()
	byName := make(map[string]*tunnel.Tunnel, len(tunnels))
	for _, t := range tunnels {
		byName[t.Name()] = t
	}
	seen := make(map[string]bool, len(cfg.Tunnels))
	for _, tc := range cfg.Tunnels {
		seen[tc.Name] = true
		t, ok := byName[tc.Name]
		if !ok {
			utils.Logger.Warn("reload: new tunnel not hot-added", zap.String("tunnel", tc.Name))
			continue
		}
		t.SetBandwidthMax(tc.BandwidthMax)
		t.SetQuotaRateKbit(tc.QuotaKbit)
	}
	for name := range byName {
		if !seen[name] {
			utils.Logger.Warn("reload: removed tunnel not hot-removed", zap.String("tunnel", name))
		}
	}
	utils.Logger.Info("config reloaded")
	return nil
}

// handleReconfigSignals answers SIGHUP (reload) and SIGUSR1 (quota reset)
// for the life of ctx (spec.md §6 "Signals").
func handleReconfigSignals(ctx context.Context, reload func() error, resetQuotas func()) {
	sigc := make(chan os.Signal, 4)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigc)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigc:
			switch sig {
			case syscall.SIGHUP:
				if err := reload(); err != nil {
					utils.Logger.Warn("config reload failed", zap.Error(err))
				}
			case syscall.SIGUSR1:
				resetQuotas()
			}
		}
	}
}

// dropPrivileges switches the process to username's uid/gid, used after
// the TUN device and privileged sockets are already open (spec.md §6 CLI
// surface `-u`). No library in the dependency set covers this narrow a
// concern, so it is implemented directly against os/user and syscall.
func dropPrivileges(username string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return err
	}
	if err := syscall.Setgid(gid); err != nil {
		return err
	}
	return syscall.Setuid(uid)
}
