// Package gpgcheck verifies downloaded package signatures against the
// operator's trusted keyring before any artifact reaches the RPM handoff.
package gpgcheck

import (
	"os"
	"strings"

	rpm "github.com/cavaliercoder/go-rpm"
	"github.com/pkg/errors"
	"golang.org/x/crypto/openpgp"
)

// OpenKeyRing returns the GPG keyring for the given gpgkey file. A
// file:// prefix is accepted for compatibility with legacy media
// configuration values.
func OpenKeyRing(path string) (openpgp.KeyRing, error) {
	if path == "" {
		return nil, errors.New("gpgkey not specified")
	}

	if strings.HasPrefix(strings.ToLower(path), "file://") {
		path = path[7:]
	}

	keyring, err := rpm.KeyRingFromFile(path)
	if err != nil {
		return nil, errors.WithMessage(err, "reading GPG key")
	}
	return keyring, nil
}

// OpenKeyRings merges several key files into one keyring, so media signed
// by different vendors verify against a single trust set.
func OpenKeyRings(paths ...string) (openpgp.KeyRing, error) {
	var all openpgp.EntityList
	for _, p := range paths {
		kr, err := OpenKeyRing(p)
		if err != nil {
			return nil, err
		}
		if el, ok := kr.(openpgp.EntityList); ok {
			all = append(all, el...)
		}
	}
	if len(all) == 0 {
		return nil, errors.New("no usable GPG keys")
	}
	return all, nil
}

// Verify checks the GPG signature of the package file at path and returns
// the signer identity. MD5 integrity is checked first so a truncated
// download fails with a clearer error than a signature mismatch.
func Verify(path string, keyring openpgp.KeyRing) (signer string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := rpm.MD5Check(f); err != nil {
		return "", errors.WithMessagef(err, "integrity check failed for %s", path)
	}

	if _, err := f.Seek(0, 0); err != nil {
		return "", err
	}
	signer, err = rpm.GPGCheck(f, keyring)
	if err != nil {
		return "", errors.WithMessagef(err, "signature check failed for %s", path)
	}
	return signer, nil
}
