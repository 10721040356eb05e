//go:build !windows

package launcher

// NewPlatformSpawner returns the spawner native to this platform.
func NewPlatformSpawner() Spawner { return NewExecSpawner() }
