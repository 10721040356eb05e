package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/loykin/warden/pkg/client"
)

// command binds the client-backed subcommands to an output writer.
type command struct {
	out io.Writer
}

// client builds an API client from flags and verifies the daemon answers.
func (c command) client(ctx context.Context, f apiFlags) (*client.Client, error) {
	cc := client.DefaultConfig()
	if f.URL != "" {
		cc.BaseURL = f.URL
	}
	if f.Timeout > 0 {
		cc.Timeout = f.Timeout
	}
	cl := client.New(cc)
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable - please start the daemon first with 'warden serve'")
	}
	return cl, nil
}

// Status prints one service's running state, or every service when no
// name was given.
func (c command) Status(f StatusFlags) error {
	ctx := context.Background()
	cl, err := c.client(ctx, f.API)
	if err != nil {
		return err
	}
	if f.Name == "" {
		services, err := cl.Services(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, services)
		return nil
	}
	status, err := cl.Status(ctx, f.Name)
	if err != nil {
		return err
	}
	printJSON(c.out, status)
	return nil
}

// Services prints the names of all supervised services.
func (c command) Services(f apiFlags) error {
	ctx := context.Background()
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	names, err := cl.ServiceNames(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, names)
	return nil
}

func (c command) Start(f ServiceFlags) error {
	return c.serviceOp(f, func(ctx context.Context, cl *client.Client) error {
		return cl.Start(ctx, f.Name)
	})
}

func (c command) Stop(f ServiceFlags) error {
	return c.serviceOp(f, func(ctx context.Context, cl *client.Client) error {
		return cl.Stop(ctx, f.Name)
	})
}

func (c command) Restart(f ServiceFlags) error {
	return c.serviceOp(f, func(ctx context.Context, cl *client.Client) error {
		return cl.Restart(ctx, f.Name)
	})
}

func (c command) Recover(f ServiceFlags) error {
	return c.serviceOp(f, func(ctx context.Context, cl *client.Client) error {
		return cl.Recover(ctx, f.Name)
	})
}

func (c command) Unmonitor(f ServiceFlags) error {
	return c.serviceOp(f, func(ctx context.Context, cl *client.Client) error {
		return cl.Unmonitor(ctx, f.Name)
	})
}

// serviceOp runs one lifecycle operation and prints the status afterwards.
func (c command) serviceOp(f ServiceFlags, op func(context.Context, *client.Client) error) error {
	ctx := context.Background()
	cl, err := c.client(ctx, f.API)
	if err != nil {
		return err
	}
	if err := op(ctx, cl); err != nil {
		return err
	}
	status, err := cl.Status(ctx, f.Name)
	if err != nil {
		return err
	}
	printJSON(c.out, status)
	return nil
}

// Ack records a startup acknowledgment for a service.
func (c command) Ack(f AckFlags) error {
	ctx := context.Background()
	cl, err := c.client(ctx, f.API)
	if err != nil {
		return err
	}
	if err := cl.Ack(ctx, f.Name, f.IPCPort, f.Token); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "acknowledged %s\n", f.Name)
	return nil
}

func (c command) GroupStart(f GroupFlags) error {
	return c.groupOp(f, func(ctx context.Context, cl *client.Client) error {
		return cl.StartGroup(ctx, f.Group)
	})
}

func (c command) GroupStop(f GroupFlags) error {
	return c.groupOp(f, func(ctx context.Context, cl *client.Client) error {
		return cl.StopGroup(ctx, f.Group)
	})
}

func (c command) GroupRestart(f GroupFlags) error {
	return c.groupOp(f, func(ctx context.Context, cl *client.Client) error {
		return cl.RestartGroup(ctx, f.Group)
	})
}

func (c command) groupOp(f GroupFlags, op func(context.Context, *client.Client) error) error {
	ctx := context.Background()
	cl, err := c.client(ctx, f.API)
	if err != nil {
		return err
	}
	if err := op(ctx, cl); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "group %s done\n", f.Group)
	return nil
}

// Startup prints the startup coordinator state.
func (c command) Startup(f apiFlags) error {
	ctx := context.Background()
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	state, err := cl.StartupState(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, state)
	return nil
}

// Stats prints the latest runtime samples for all supervised services.
func (c command) Stats(f apiFlags) error {
	ctx := context.Background()
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	samples, err := cl.RuntimeStats(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, samples)
	return nil
}

// Events follows the daemon's event stream until interrupted.
func (c command) Events(f apiFlags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	ch, err := cl.WatchEvents(ctx)
	if err != nil {
		return err
	}
	for ev := range ch {
		printJSON(c.out, ev)
	}
	return nil
}
