//go:build !linux || !(386 || amd64)

package rtld

func defaultPatcher() CodePatcher {
	return nil
}
