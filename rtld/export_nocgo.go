//go:build !linux || !cgo || !(386 || amd64)

package rtld

// Without cgo there are no C entry points; function exports carry no address.
func entryPoints() map[string]uintptr {
	return nil
}
