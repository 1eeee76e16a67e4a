//go:build !linux || !cgo || !(386 || amd64)

package rtld

// Foreign calls need the cgo trampolines; without them the lifecycle manager
// and __tls_get_addr fail fatally on first use.
func defaultInvoker() Invoker {
	return nil
}

func defaultThreadPointer() func() uintptr {
	return nil
}
