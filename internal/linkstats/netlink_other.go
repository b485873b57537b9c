//go:build !linux

package linkstats

type NetlinkReader struct{}

func (NetlinkReader) Read(name string) (Counters, error) {
	return Counters{}, ErrUnsupported
}

func Check(name string) error {
	return ErrUnsupported
}
