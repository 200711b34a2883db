package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/sync/errgroup"

	"github.com/pureboot/pureboot/cmd/pureboot/flag"
	"github.com/pureboot/pureboot/engine"
	"github.com/pureboot/pureboot/gateway"
	"github.com/pureboot/pureboot/pkg/audit"
	"github.com/pureboot/pureboot/pkg/backend/file"
	"github.com/pureboot/pureboot/pkg/backend/memory"
	"github.com/pureboot/pureboot/pkg/otel"
)

func Execute(ctx context.Context, args []string) error {
	globals := &flag.GlobalConfig{
		LogEngine: "slog",
		Backend:   "memory",
		PublicIP:  detectPublicIPv4(),
	}

	gw := &flag.GatewayConfig{
		Config: &gateway.Config{
			TFTP: gateway.TFTP{
				Enabled:    true,
				BindAddr:   netip.IPv4Unspecified(),
				LoaderRoot: "/var/lib/pureboot/tftp",
				PiRoot:     "/var/lib/pureboot/pi",
				BlockSize:  512,
				Timeout:    5 * time.Second,
				Workers:    64,
			},
			DHCPProxy: gateway.DHCPProxy{
				Enabled:  true,
				Listen67: true,
			},
			HTTP: gateway.HTTP{
				Enabled:     true,
				BindAddr:    netip.IPv4Unspecified(),
				MaxInFlight: 1024,
			},
		},
		TFTPBindPort: 69,
		DHCPBindAddr: netip.IPv4Unspecified(),
		DHCPBindPort: 4011,
		HTTPBindPort: 7171,
	}

	eng := &flag.EngineConfig{
		Config: &engine.Config{
			AutoDiscovery:      true,
			PiDiscovery:        true,
			PiDefaultModel:     "rpi4",
			GatedOps:           []string{"retire", "wipe", "reprovision"},
			Quorum:             1,
			ApprovalTTL:        24 * time.Hour,
			MaxAttempts:        3,
			InitialBackoff:     2 * time.Second,
			DefaultTaskTimeout: 30 * time.Minute,
			CancelGrace:        60 * time.Second,
			LockWait:           5 * time.Second,
			DedupWindow:        2 * time.Second,
		},
		ArtifactDir: "/var/lib/pureboot/artifacts",
	}

	aud := &flag.AuditConfig{
		QueueCapacity: audit.DefaultCapacity,
		NATSSubject:   audit.DefaultSubject,
	}

	// order here determines the help output.
	gwfs := ff.NewFlagSet("gateway - ProxyDHCP, TFTP and HTTP boot services")
	efs := ff.NewFlagSet("engine - node lifecycle engine").SetParent(gwfs)
	afs := ff.NewFlagSet("audit - audit event pipeline").SetParent(efs)
	gfs := ff.NewFlagSet("globals").SetParent(afs)
	flag.RegisterGatewayFlags(&flag.Set{FlagSet: gwfs}, gw)
	flag.RegisterEngineFlags(&flag.Set{FlagSet: efs}, eng)
	flag.RegisterAuditFlags(&flag.Set{FlagSet: afs}, aud)
	flag.RegisterGlobal(&flag.Set{FlagSet: gfs}, globals)

	cli := &ff.Command{
		Name:     "pureboot",
		Usage:    "pureboot [flags]",
		LongHelp: "PureBoot boot dispatch and node lifecycle engine.",
		Flags:    gfs,
	}

	if err := cli.Parse(args, ff.WithEnvVarPrefix("PUREBOOT")); err != nil {
		e := errors.New(ffhelp.Command(cli).String())
		if !errors.Is(err, ff.ErrHelp) {
			e = fmt.Errorf("%w\n%s", e, err)
		}

		return e
	}

	if err := gw.Convert(globals.PublicIP); err != nil {
		return fmt.Errorf("invalid gateway configuration: %w", err)
	}

	log := getLogger(globals.LogLevel, globals.LogEngine)
	log.Info("starting pureboot",
		"version", gitRevision(),
		"backend", globals.Backend,
		"publicIP", globals.PublicIP,
		"baseURL", gw.Config.HTTP.BaseURL.String(),
		"tftpEnabled", gw.Config.TFTP.Enabled,
		"dhcpProxyEnabled", gw.Config.DHCPProxy.Enabled,
		"httpEnabled", gw.Config.HTTP.Enabled,
	)

	otelShutdown, err := otel.Init(ctx, otel.Config{
		Endpoint:    globals.OTELEndpoint,
		ServiceName: "pureboot",
		Insecure:    globals.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			log.V(1).Info("flushing traces", "err", err)
		}
	}()

	var store engine.NodeStore
	var fileBackend *file.Backend
	switch globals.Backend {
	case "file":
		if globals.BackendFilePath == "" {
			return errors.New("backend-file-path is required with the file backend")
		}
		fileBackend, err = file.New(globals.BackendFilePath, log.WithName("backend"))
		if err != nil {
			return fmt.Errorf("loading file backend: %w", err)
		}
		store = fileBackend
	default:
		store = memory.NewStore()
	}

	sinks := []audit.Publisher{&audit.LogPublisher{Log: log.WithName("audit")}}
	if aud.NATSURL != "" {
		np, err := audit.NewNATSPublisher(aud.NATSURL, aud.NATSSubject)
		if err != nil {
			return fmt.Errorf("connecting audit publisher: %w", err)
		}
		defer np.Close()
		sinks = append(sinks, np)
	}
	queue := audit.NewQueue(aud.QueueCapacity, log.WithName("audit"), sinks...)

	eng.Config.Store = store
	eng.Config.Blobs = &file.Blobs{Root: eng.ArtifactDir}
	eng.Config.Approvals = memory.NewApprovals()
	eng.Config.Audit = queue
	eng.Config.Log = log.WithName("engine")
	eng.Config.BaseURL = gw.Config.HTTP.BaseURL

	core, err := engine.New(*eng.Config)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	gw.Config.Logger = log.WithName("gateway")
	gw.Config.Engine = core

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.Run(ctx)
	})
	g.Go(func() error {
		return core.Run(ctx)
	})
	g.Go(func() error {
		return gw.Config.Start(ctx)
	})
	if fileBackend != nil {
		g.Go(func() error {
			return fileBackend.Watch(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
