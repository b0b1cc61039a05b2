// Package geoip annotates client addresses with country and ASN data from
// MaxMind databases.
package geoip

import (
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// Info is what is known about an address. Zero fields are unknown.
type Info struct {
	Country string `json:"country,omitempty"`
	ASN     uint   `json:"asn,omitempty"`
	Org     string `json:"org,omitempty"`
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

type asnRecord struct {
	AutonomousSystemNumber       uint   `maxminddb:"autonomous_system_number"`
	AutonomousSystemOrganization string `maxminddb:"autonomous_system_organization"`
}

// Lookup resolves addresses against optional country and ASN databases. A
// Lookup with neither database returns empty Info.
type Lookup struct {
	country *maxminddb.Reader
	asn     *maxminddb.Reader
}

// Open loads the databases at the given paths. Empty paths are skipped.
func Open(countryPath, asnPath string) (*Lookup, error) {
	l := &Lookup{}
	if countryPath != "" {
		r, err := maxminddb.Open(countryPath)
		if err != nil {
			return nil, fmt.Errorf("open country db: %w", err)
		}
		l.country = r
	}
	if asnPath != "" {
		r, err := maxminddb.Open(asnPath)
		if err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("open asn db: %w", err)
		}
		l.asn = r
	}
	return l, nil
}

func (l *Lookup) Enabled() bool {
	return l != nil && (l.country != nil || l.asn != nil)
}

func (l *Lookup) Lookup(ip net.IP) (Info, error) {
	var info Info
	if !l.Enabled() || ip == nil {
		return info, nil
	}
	if l.country != nil {
		var rec countryRecord
		if err := l.country.Lookup(ip, &rec); err != nil {
			return info, fmt.Errorf("country lookup: %w", err)
		}
		info.Country = rec.Country.ISOCode
	}
	if l.asn != nil {
		var rec asnRecord
		if err := l.asn.Lookup(ip, &rec); err != nil {
			return info, fmt.Errorf("asn lookup: %w", err)
		}
		info.ASN = rec.AutonomousSystemNumber
		info.Org = rec.AutonomousSystemOrganization
	}
	return info, nil
}

func (l *Lookup) Close() error {
	if l == nil {
		return nil
	}
	var errs []error
	if l.country != nil {
		errs = append(errs, l.country.Close())
	}
	if l.asn != nil {
		errs = append(errs, l.asn.Close())
	}
	return errors.Join(errs...)
}
