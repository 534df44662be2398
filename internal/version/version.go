// Package version checks that the client identifier we send matches the
// product generation a license was issued for.
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrIncompatible = errors.New("version: client does not match licensed product")

// IsCompatible reports whether two dotted versions share a major number.
func IsCompatible(licenseVersion, clientVersion string) (bool, error) {
	licenseMajor, err := ExtractMajorVersion(licenseVersion)
	if err != nil {
		return false, fmt.Errorf("invalid license version: %w", err)
	}

	clientMajor, err := ExtractMajorVersion(clientVersion)
	if err != nil {
		return false, fmt.Errorf("invalid client version: %w", err)
	}

	return licenseMajor == clientMajor, nil
}

func ExtractMajorVersion(version string) (int, error) {
	if version == "" {
		return 0, fmt.Errorf("empty version string")
	}

	major, err := strconv.Atoi(strings.Split(version, ".")[0])
	if err != nil {
		return 0, fmt.Errorf("invalid major version: %v", err)
	}
	if major < 0 {
		return 0, fmt.Errorf("major version cannot be negative")
	}

	return major, nil
}

// ProductMajor reads the generation suffix of a product id such as
// "com.hindsightlabs.paprika.windows.v3".
func ProductMajor(productID string) (int, error) {
	i := strings.LastIndex(productID, ".v")
	if i < 0 || i+2 >= len(productID) {
		return 0, fmt.Errorf("product id %q has no version suffix", productID)
	}
	return ExtractMajorVersion(productID[i+2:])
}

// ClientVersion extracts "3.3.1" from
// "Paprika Recipe Manager 3/3.3.1 (Microsoft Windows NT 10.0.26100.0)".
func ClientVersion(userAgent string) (string, error) {
	product := strings.TrimSpace(userAgent)
	if i := strings.Index(product, " ("); i >= 0 {
		product = product[:i]
	}
	slash := strings.LastIndex(product, "/")
	if slash < 0 || slash == len(product)-1 {
		return "", fmt.Errorf("user agent %q has no version", userAgent)
	}
	return product[slash+1:], nil
}

// CheckClient fails when the user agent's major version differs from the
// product id's.
func CheckClient(userAgent, productID string) error {
	clientVersion, err := ClientVersion(userAgent)
	if err != nil {
		return err
	}
	productMajor, err := ProductMajor(productID)
	if err != nil {
		return err
	}
	ok, err := IsCompatible(strconv.Itoa(productMajor), clientVersion)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: client %s, product %s", ErrIncompatible, clientVersion, productID)
	}
	return nil
}
