//go:build windows

package launcher

// NewPlatformSpawner returns the spawner native to this platform. Windows
// has no fork, so services run through the in-process simulation.
func NewPlatformSpawner() Spawner { return NewSimSpawner() }
