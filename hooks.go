package main

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ubond/config"
	"ubond/lifecycle"
	"ubond/utils"
)

// hookEnv builds the environment a hook invocation sees (spec.md §6
// "Hooks"): addresses and routes split by family, plus the device name and
// MTU, mirroring the original's env-var handoff to its up/down scripts
// rather than passing everything on argv.
func hookEnv(cfg *config.Config, devName string) []string {
	var ip4, ip6, ip4Routes, ip6Routes []string
	for _, a := range cfg.Addrs {
		if strings.Contains(a, ":") {
			ip6 = append(ip6, a)
		} else {
			ip4 = append(ip4, a)
		}
	}
	for _, r := range cfg.Routes {
		if strings.Contains(r, ":") {
			ip6Routes = append(ip6Routes, r)
		} else {
			ip4Routes = append(ip4Routes, r)
		}
	}
	return []string{
		"IP4=" + strings.Join(ip4, ","),
		"IP6=" + strings.Join(ip6, ","),
		"IP4_GATEWAY=",
		"IP6_GATEWAY=",
		"IP4_ROUTES=" + strings.Join(ip4Routes, ","),
		"IP6_ROUTES=" + strings.Join(ip6Routes, ","),
		"DEVICE=" + devName,
		"MTU=" + strconv.Itoa(cfg.MTU),
	}
}

// runHook invokes cfg.HookScript with (devname, event, tunnel?), logging
// rather than failing the caller on a non-zero exit (spec.md §7: nothing
// above the I/O layer is fatal except version mismatch and privilege/config
// init, and a hook script is further out than that).
func runHook(cfg *config.Config, devName, event, tunnelName string) {
	if cfg.HookScript == "" {
		return
	}
	args := []string{devName, event}
	if tunnelName != "" {
		args = append(args, tunnelName)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, cfg.HookScript, args...)
	cmd.Env = append(cmd.Env, hookEnv(cfg, devName)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		utils.Logger.Warn("hook failed",
			zap.String("event", event), zap.String("tunnel", tunnelName),
			zap.Error(err), zap.ByteString("output", out))
	}
}

// buildHooks wires lifecycle.Hooks onto runHook for a loaded config and its
// already-opened TUN device name.
func buildHooks(cfg *config.Config, devName string) lifecycle.Hooks {
	return lifecycle.Hooks{
		RtunUp:     func(name string) { runHook(cfg, devName, "rtun_up", name) },
		RtunDown:   func(name string) { runHook(cfg, devName, "rtun_down", name) },
		TuntapUp:   func() { runHook(cfg, devName, "tuntap_up", "") },
		TuntapDown: func() { runHook(cfg, devName, "tuntap_down", "") },
	}
}
