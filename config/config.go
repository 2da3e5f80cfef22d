// Package config loads the daemon's JSON/YAML configuration into a
// package-level global, supports reload (Reload, which the daemon calls on
// SIGHUP, and an fsnotify-driven Watch that no daemon flag starts), and overlays
// environment variables (spec.md §6 CLI surface, adapted from the
// teacher's config/setting.go: encoding/json unmarshal into a top-level
// struct + GlobalCfg + Reload(path)).
package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Log mirrors the teacher's logging block (config/setting.go's `log`
// struct), generalized with an env overlay tag.
type Log struct {
	Level   string `json:"level" yaml:"level" env:"LOG_LEVEL,default=info"`
	Path    string `json:"path" yaml:"path" env:"LOG_PATH,default=ubond.log"`
	Version string `json:"version" yaml:"version"`
	Date    string `json:"date" yaml:"date"`
}

// Tunnel describes one configured UDP association (spec.md §3 "Tunnel").
type Tunnel struct {
	Name         string `json:"name" yaml:"name"`
	Listen       string `json:"listen" yaml:"listen"`
	Remote       string `json:"remote" yaml:"remote"`
	BandwidthMax uint64 `json:"bandwidth_max" yaml:"bandwidth_max"`
	FallbackOnly bool   `json:"fallback_only" yaml:"fallback_only"`
	Quota        bool   `json:"quota" yaml:"quota"`
	QuotaKbit    uint64 `json:"quota_kbit" yaml:"quota_kbit"`
	// Permitted is the initial quota byte budget, seedable at startup
	// either from this field or a `-p name:value[bkm]` CLI preset
	// (spec.md §9 SUPPLEMENTED FEATURES item 1), the CLI preset wins.
	Permitted uint64 `json:"permitted" yaml:"permitted"`
}

// Config is the top-level daemon configuration (spec.md §6 CLI surface,
// the teacher's `projectConfig`/`GlobalCfg` generalized to the bond).
type Config struct {
	Log      Log      `json:"log" yaml:"log"`
	Password string   `json:"password" yaml:"password" env:"UBOND_PASSWORD"`
	Name     string   `json:"name" yaml:"name" env:"UBOND_NAME,default=ubond"`
	Server   bool     `json:"server" yaml:"server"`
	Tunnels  []Tunnel `json:"tunnels" yaml:"tunnels"`

	// Listen is the local TCP address accepting connections to splice
	// into a tcpstream flow (spec.md §4.6).
	Listen string `json:"listen" yaml:"listen"`

	// HookScript is invoked with (devname, event, tunnel?) on lifecycle
	// transitions (spec.md §6 "Hooks").
	HookScript string `json:"hook_script" yaml:"hook_script"`

	// ControlSocket is the path of the status/quota/reload UNIX socket
	// (spec.md §9 SUPPLEMENTED FEATURES item 5).
	ControlSocket string `json:"control_socket" yaml:"control_socket" env:"UBOND_CONTROL_SOCKET,default=/run/ubond.sock"`

	Device string `json:"device" yaml:"device" env:"UBOND_DEVICE,default=ubond0"`
	MTU    int    `json:"mtu" yaml:"mtu" env:"UBOND_MTU,default=1400"`

	// Addrs and Routes are applied to the TUN device on tuntap_up (CIDR
	// addresses and destination networks respectively), and are also the
	// source of the IP4/IP6/IP4_ROUTES/IP6_ROUTES values a hook script
	// sees in its environment (spec.md §6 "Hooks").
	Addrs  []string `json:"addrs" yaml:"addrs"`
	Routes []string `json:"routes" yaml:"routes"`
}

// GlobalCfg is the process-wide configuration, swapped wholesale on
// Reload (teacher's GlobalCfg global).
var (
	globalMu  sync.RWMutex
	GlobalCfg *Config
)

// Current returns the active configuration. Safe for concurrent use
// across a reload.
func Current() *Config {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return GlobalCfg
}

func setGlobal(c *Config) {
	globalMu.Lock()
	GlobalCfg = c
	globalMu.Unlock()
}

// Load reads path (JSON or YAML, selected by extension), applies the
// environment overlay, verifies it, and installs it as GlobalCfg.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, errors.Wrap(err, "config: env overlay")
	}
	if err := cfg.verify(); err != nil {
		return nil, errors.Wrap(err, "config: verify")
	}
	setGlobal(cfg)
	return cfg, nil
}

// Reload re-reads path and atomically replaces GlobalCfg, used by SIGHUP
// (spec.md §6 "Signals") and by Watch's fsnotify callback.
func Reload(ctx context.Context, path string) error {
	_, err := Load(ctx, path)
	return err
}

func parseFile(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	cfg := &Config{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, errors.Wrapf(err, "config: parse yaml %s", path)
		}
	default:
		if err := json.Unmarshal(buf, cfg); err != nil {
			return nil, errors.Wrapf(err, "config: parse json %s", path)
		}
	}
	return cfg, nil
}

func (c *Config) verify() error {
	if len(c.Tunnels) == 0 {
		return errors.New("config: no tunnels configured")
	}
	if c.Password == "" {
		return errors.New("config: empty password")
	}
	seen := make(map[string]bool, len(c.Tunnels))
	for i, t := range c.Tunnels {
		if t.Name == "" {
			return errors.Errorf("config: tunnel %d: empty name", i)
		}
		if seen[t.Name] {
			return errors.Errorf("config: tunnel %d: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = true
		if t.BandwidthMax == 0 {
			c.Tunnels[i].BandwidthMax = 1000
		}
	}
	return nil
}

// Watch starts an fsnotify watch on path's directory and calls Reload
// whenever the file changes, until ctx is cancelled (spec.md's teacher
// loads config once; this adds fsnotify-driven live reload beside SIGHUP
// reload, per telepresence's example usage of the same library). The
// daemon's CLI has no flag that starts it.
func Watch(ctx context.Context, path string, onReload func(error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "config: fsnotify")
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return errors.Wrapf(err, "config: watch %s", dir)
	}
	abs, _ := filepath.Abs(path)

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				evAbs, _ := filepath.Abs(ev.Name)
				if evAbs != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				err := Reload(ctx, path)
				if onReload != nil {
					onReload(err)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// ParseQuota parses a `-p <tunnel>:<value>[bkm]` CLI argument into a
// tunnel name and an absolute byte value (spec.md §6 CLI surface,
// §9 SUPPLEMENTED FEATURES item 1, grounded on
// original_source/src/ubond.c's preset_permitted: "%20[^:]:%lu%c" plus
// a b/k/m fallthrough where 'k' multiplies by 1000 and 'm' by 1000*1000).
func ParseQuota(spec string) (tunnelName string, bytes uint64, err error) {
	name, rest, ok := strings.Cut(spec, ":")
	if !ok || name == "" || rest == "" {
		return "", 0, errors.Errorf("config: invalid quota spec %q, want name:value[bkm]", spec)
	}

	mag := byte(0)
	digits := rest
	if last := rest[len(rest)-1]; last < '0' || last > '9' {
		mag = last
		digits = rest[:len(rest)-1]
	}
	val, convErr := strconv.ParseUint(digits, 10, 64)
	if convErr != nil {
		return "", 0, errors.Wrapf(convErr, "config: invalid quota value %q", rest)
	}

	switch mag {
	case 0, 'b':
	case 'k':
		val *= 1000
	case 'm':
		val *= 1000 * 1000
	default:
		return "", 0, errors.Errorf("config: invalid quota magnitude %q, want b/k/m", string(mag))
	}
	return name, val, nil
}
