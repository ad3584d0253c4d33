package crypto

import "runtime"

// ZeroBytes overwrites key material in place. Nil and empty slices are
// accepted.
func ZeroBytes(data []byte) {
	clear(data)
	runtime.KeepAlive(data)
}

// wipeAll zeroes every slice in keys.
func wipeAll(keys ...[]byte) {
	for _, k := range keys {
		ZeroBytes(k)
	}
}
