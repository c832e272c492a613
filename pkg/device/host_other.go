//go:build !linux

package device

func totalMemoryGB() float64 {
	return 0
}
