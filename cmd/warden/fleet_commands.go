package main

import (
	"context"
	"fmt"
)

// Shutdown stops every service and exits the daemon.
func (c command) Shutdown(f apiFlags) error {
	ctx := context.Background()
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	if err := cl.Shutdown(ctx, true, false); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "daemon shutting down")
	return nil
}

// RestartAll bounces every supervised service without restarting the daemon.
func (c command) RestartAll(f FleetFlags) error {
	ctx := context.Background()
	cl, err := c.client(ctx, f.API)
	if err != nil {
		return err
	}
	if err := cl.RestartAll(ctx, f.ForReset); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "restarting all services")
	return nil
}

// ResetToFactory purges persisted supervisor state and exits the daemon.
func (c command) ResetToFactory(f apiFlags) error {
	ctx := context.Background()
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	if err := cl.ResetToFactory(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "factory reset started, daemon exiting")
	return nil
}

// LowPower toggles low power mode.
func (c command) LowPower(f LowPowerFlags) error {
	ctx := context.Background()
	cl, err := c.client(ctx, f.API)
	if err != nil {
		return err
	}
	if err := cl.SetLowPower(ctx, !f.Off); err != nil {
		return err
	}
	if f.Off {
		fmt.Fprintln(c.out, "left low power mode")
	} else {
		fmt.Fprintln(c.out, "entered low power mode")
	}
	return nil
}

// Reboot asks the daemon to reboot the box.
func (c command) Reboot(f RebootFlags) error {
	ctx := context.Background()
	cl, err := c.client(ctx, f.API)
	if err != nil {
		return err
	}
	if err := cl.RebootSystem(ctx, f.Reason, f.DelaySeconds); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "reboot requested: %s\n", f.Reason)
	return nil
}

// RestoreConfig hands a restored configuration directory to the daemon.
func (c command) RestoreConfig(f RestoreFlags) error {
	ctx := context.Background()
	cl, err := c.client(ctx, f.API)
	if err != nil {
		return err
	}
	if err := cl.ConfigRestored(ctx, f.TempDir, f.TargetDir); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "restored configuration installed, services restarting")
	return nil
}
