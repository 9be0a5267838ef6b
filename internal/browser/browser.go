// Package browser opens URLs with the desktop's default handler.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// Static error variables to satisfy err113 linter
var (
	ErrUnsupportedURL      = errors.New("only http and https urls can be opened")
	ErrUnsupportedPlatform = errors.New("no url handler for this platform")
)

const launchTimeout = 10 * time.Second

// Opener launches the platform URL handler.
type Opener struct {
	logger *zap.Logger
	goos   string
	run    func(ctx context.Context, name string, args ...string) error
}

// Option configures an Opener
type Option func(*Opener)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *Opener) {
		o.logger = logger
	}
}

// New creates an Opener for the running platform.
func New(opts ...Option) *Opener {
	o := &Opener{
		logger: zap.NewNop(),
		goos:   runtime.GOOS,
		run:    runCommand,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open hands rawURL to the platform handler and returns once it has been launched.
func (o *Opener) Open(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrUnsupportedURL, rawURL)
	}

	name, args, err := command(o.goos, u.String())
	if err != nil {
		return err
	}

	o.logger.Debug("opening url", zap.String("url", u.String()), zap.String("handler", name))
	ctx, cancel := context.WithTimeout(context.Background(), launchTimeout)
	defer cancel()
	if err := o.run(ctx, name, args...); err != nil {
		return fmt.Errorf("failed to open %s: %w", u.String(), err)
	}
	return nil
}

func command(goos, target string) (string, []string, error) {
	switch goos {
	case "darwin":
		return "open", []string{target}, nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", target}, nil
	case "linux", "freebsd", "openbsd", "netbsd":
		return "xdg-open", []string{target}, nil
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, goos)
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run() //nolint:gosec,wrapcheck // fixed handler binaries
}
