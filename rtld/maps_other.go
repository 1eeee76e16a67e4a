//go:build !linux

package rtld

// DiscoverMapped needs /proc/self/maps.
func DiscoverMapped() (ModuleList, error) {
	return nil, ErrUnsupported
}

// MainStackEnd needs /proc/self/stat.
func MainStackEnd() (uintptr, error) {
	return 0, ErrUnsupported
}
