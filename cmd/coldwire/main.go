// Command coldwire runs the multi-protocol forwarding proxy: it loads a
// JSON config, wires up the resolver/router/outbound registry, and serves
// the configured inbound listeners until an interrupt or terminate signal
// arrives.
//
// CLI argument parsing and signal handling are external-collaborator
// concerns the core spec leaves out of scope; this entry point follows the
// plain flag/os-signal style teleproxy's cmd/teleproxy uses rather than
// pulling in a CLI framework no domain component would otherwise exercise.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/coldwire/coldwire/internal/config"
	"github.com/coldwire/coldwire/internal/direct"
	"github.com/coldwire/coldwire/internal/dispatch"
	"github.com/coldwire/coldwire/internal/inbound"
	"github.com/coldwire/coldwire/internal/logx"
	"github.com/coldwire/coldwire/internal/netbind"
	"github.com/coldwire/coldwire/internal/outbound"
	"github.com/coldwire/coldwire/internal/resolver"
	"github.com/coldwire/coldwire/internal/router"
	"github.com/coldwire/coldwire/internal/shadowsocks"
	"github.com/coldwire/coldwire/internal/socks"
	"github.com/coldwire/coldwire/internal/tundev"
	"github.com/coldwire/coldwire/internal/tunnat"
	"github.com/coldwire/coldwire/internal/udpassoc"
)

func main() {
	configPath := flag.String("c", "", "path to config file")
	flag.StringVar(configPath, "config", "", "path to config file")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "coldwire: -c/--config is required")
		os.Exit(1)
	}

	if err := run(*configPath); err != nil {
		logx.E("coldwire: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setLogLevel(cfg.General.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logx.I("coldwire: received %s, shutting down", sig)
		cancel()
	}()

	res, err := buildResolver(cfg)
	if err != nil {
		return err
	}

	reg, err := buildOutbounds(cfg, res)
	if err != nil {
		return err
	}

	rt := router.New(translateRules(cfg.Routes))
	udp := udpassoc.New(res)
	dsp := dispatch.New(rt, reg, udp)

	return serveInbounds(ctx, cfg, dsp)
}

func setLogLevel(level string) {
	switch level {
	case "error":
		logx.SetLevel(logx.LevelError)
	case "warn":
		logx.SetLevel(logx.LevelWarn)
	case "debug":
		logx.SetLevel(logx.LevelDebug)
	case "verbose":
		logx.SetLevel(logx.LevelVerbose)
	default:
		logx.SetLevel(logx.LevelInfo)
	}
}

func buildResolver(cfg *config.Config) (*resolver.Resolver, error) {
	rcfg := resolver.Config{
		UseIPv6:    cfg.General.UseIPv6,
		PreferIPv6: cfg.General.PreferIPv6,
	}

	var upstreams []netip.AddrPort
	if cfg.DNS != nil {
		for _, s := range cfg.DNS.Servers {
			ap, err := netip.ParseAddrPort(s)
			if err != nil {
				return nil, fmt.Errorf("coldwire: bad dns server %q: %w", s, err)
			}
			upstreams = append(upstreams, ap)
		}
	}
	if len(upstreams) == 0 {
		upstreams = []netip.AddrPort{
			netip.MustParseAddrPort("1.1.1.1:53"),
			netip.MustParseAddrPort("8.8.8.8:53"),
		}
	}
	return resolver.New(rcfg, upstreams), nil
}

func buildOutbounds(cfg *config.Config, res *resolver.Resolver) (*outbound.Registry, error) {
	var handlers []*outbound.Handler

	for _, o := range cfg.Outbounds {
		switch o.Protocol {
		case "direct":
			d := &direct.Outbound{Resolver: res}
			handlers = append(handlers, &outbound.Handler{Tag: o.Tag, TCP: d, UDP: d})
		case "socks":
			s, err := o.SocksSettings()
			if err != nil {
				return nil, fmt.Errorf("coldwire: outbound %q: %w", o.Tag, err)
			}
			c := &socks.Client{Upstream: fmt.Sprintf("%s:%d", s.Address, s.Port), Dialer: *netbind.Dialer()}
			handlers = append(handlers, &outbound.Handler{Tag: o.Tag, TCP: c})
		case "shadowsocks":
			s, err := o.ShadowsocksSettings()
			if err != nil {
				return nil, fmt.Errorf("coldwire: outbound %q: %w", o.Tag, err)
			}
			cipher, err := shadowsocks.NewCipher(shadowsocks.Method(s.Method), s.Password)
			if err != nil {
				return nil, fmt.Errorf("coldwire: outbound %q: %w", o.Tag, err)
			}
			ss := &shadowsocks.Outbound{Upstream: fmt.Sprintf("%s:%d", s.Address, s.Port), Cipher: cipher}
			handlers = append(handlers, &outbound.Handler{Tag: o.Tag, TCP: ss})
		default:
			logx.W("coldwire: skipping outbound %q with unknown protocol %q", o.Tag, o.Protocol)
		}
	}

	return outbound.NewRegistry(handlers)
}

func translateRules(rules []config.Rule) []router.Rule {
	out := make([]router.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, router.Rule{
			Target: r.Target,
			Domain: r.Domain,
			IPCIDR: r.IP,
			Regexp: r.Regexp,
		})
	}
	return out
}

func serveInbounds(ctx context.Context, cfg *config.Config, dsp *dispatch.Dispatcher) error {
	errCh := make(chan error, len(cfg.Inbounds))
	started := 0

	for _, in := range cfg.Inbounds {
		switch in.Protocol {
		case "socks":
			l := &inbound.SocksListener{
				Tag:        in.Tag,
				Addr:       fmt.Sprintf("%s:%d", in.Listen, in.Port),
				Dispatcher: dsp,
			}
			started++
			go func() { errCh <- l.ListenAndServe(ctx) }()
		case "tun":
			ts, err := in.TunSettings()
			if err != nil {
				return fmt.Errorf("coldwire: inbound %q: %w", in.Tag, err)
			}
			if err := startTun(ctx, ts); err != nil {
				return fmt.Errorf("coldwire: inbound %q: %w", in.Tag, err)
			}
		default:
			logx.W("coldwire: skipping inbound %q with unknown protocol %q", in.Tag, in.Protocol)
		}
	}

	for i := 0; i < started; i++ {
		if err := <-errCh; err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

func startTun(ctx context.Context, ts config.TunSettings) error {
	netbind.Device = ts.Name

	prefix, err := netip.ParsePrefix(ts.CIDR)
	if err != nil {
		return fmt.Errorf("bad tun cidr %q: %w", ts.CIDR, err)
	}

	eng, err := tunnat.New(ctx, prefix)
	if err != nil {
		return err
	}

	mtu := ts.MTU
	if mtu == 0 {
		mtu = 1500
	}
	dev, err := tundev.Open(ts.Name, mtu)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		dev.Close()
	}()
	go dev.RunNAT(eng)
	return nil
}
