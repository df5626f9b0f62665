//go:build !linux

package tracemon

import "errors"

func newPlatformProcessScanner() (ProcessEnumerator, ProcessOpener, error) {
	return nil, nil, errors.New("process residency sampling is only implemented on linux")
}
