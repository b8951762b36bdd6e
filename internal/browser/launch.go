package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"go.uber.org/zap"
)

// LaunchMode selects how the browser binary is obtained.
type LaunchMode string

const (
	// LaunchLocal starts a Chrome found on this machine.
	LaunchLocal LaunchMode = "local"
	// LaunchPackaged downloads (once) and starts the Chromium revision rod pins.
	LaunchPackaged LaunchMode = "packaged"
	// LaunchRemote attaches to an already running browser's DevTools endpoint.
	LaunchRemote LaunchMode = "remote"
)

// Options configures a Launcher.
type Options struct {
	Mode        LaunchMode
	Bin         string
	DebuggerURL string
	Headless    bool
	NoSandbox   bool
	// Flags are extra Chrome switches, "name" or "name=value", leading dashes optional.
	Flags []string
}

// NewLauncher returns the launch strategy for opts.Mode.
func NewLauncher(opts Options, logger *zap.Logger) (Launcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch opts.Mode {
	case LaunchLocal, "":
		return &localLauncher{opts: opts, logger: logger}, nil
	case LaunchPackaged:
		return &packagedLauncher{opts: opts, logger: logger}, nil
	case LaunchRemote:
		if opts.DebuggerURL == "" {
			return nil, errors.New("remote launch mode requires a debugger url")
		}
		return &remoteLauncher{url: opts.DebuggerURL, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown launch mode %q", opts.Mode)
	}
}

type localLauncher struct {
	opts   Options
	logger *zap.Logger
}

func (l *localLauncher) Launch(ctx context.Context) (Browser, error) {
	bin := l.opts.Bin
	if bin == "" {
		found, ok := launcher.LookPath()
		if !ok {
			return nil, errors.New("no local chrome found; set browser.bin or use the packaged launch mode")
		}
		bin = found
	}
	return launchBin(ctx, bin, l.opts, l.logger)
}

type packagedLauncher struct {
	opts   Options
	logger *zap.Logger
}

func (l *packagedLauncher) Launch(ctx context.Context) (Browser, error) {
	pkg := launcher.NewBrowser()
	pkg.Context = ctx
	bin, err := pkg.Get()
	if err != nil {
		return nil, fmt.Errorf("fetch packaged chromium: %w", err)
	}
	return launchBin(ctx, bin, l.opts, l.logger)
}

type remoteLauncher struct {
	url    string
	logger *zap.Logger
}

func (l *remoteLauncher) Launch(ctx context.Context) (Browser, error) {
	l.logger.Debug("attaching to remote browser", zap.String("debugger_url", l.url))
	return newRodBrowser(ctx, l.url, nil, l.logger)
}

func launchBin(ctx context.Context, bin string, opts Options, logger *zap.Logger) (Browser, error) {
	l := launcher.New().Context(context.WithoutCancel(ctx)).Bin(bin).Headless(opts.Headless).NoSandbox(opts.NoSandbox)
	for _, rawFlag := range opts.Flags {
		name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
		if name == "" {
			continue
		}
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	controlURL, err := l.Launch()
	if err != nil {
		l.Kill()
		return nil, fmt.Errorf("launch chrome %s: %w", bin, err)
	}
	logger.Debug("browser launched", zap.String("bin", bin), zap.String("control_url", controlURL))
	return newRodBrowser(ctx, controlURL, l, logger)
}
