package utils

// Must returns obj, panicking on err. Only for setup code where a failure
// leaves nothing to recover.
func Must[T any](obj T, err error) T {
	if err != nil {
		panic(err)
	}
	return obj
}
