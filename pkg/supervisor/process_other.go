//go:build !linux && !darwin

package supervisor

func processName(int) (string, error) {
	return "", ErrUnsupported
}
