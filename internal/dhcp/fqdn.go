package dhcp

import (
	"github.com/miekg/dns"
)

// FQDN option flag bits (RFC 4702 §2.1).
const (
	FQDNFlagS byte = 0x01 // server should perform A RR updates
	FQDNFlagO byte = 0x02 // server overrode the client's S bit
	FQDNFlagE byte = 0x04 // name is in canonical wire format
	FQDNFlagN byte = 0x08 // server should not perform any DNS updates
)

// decodeFQDN reads option 81: flags at byte 0, two deprecated rcode bytes,
// then the name. The raw name is kept as text; Domain is filled in when the
// name parses either as wire format (E set) or as ASCII. Values shorter than
// the three fixed bytes decode with whatever flags are present and no name.
func decodeFQDN(data []byte) (any, error) {
	var f FQDN
	if len(data) > 0 {
		f.Flags = data[0]
	}
	name := data[min(3, len(data)):]
	f.Name = string(name)
	f.Domain = canonicalDomain(name, f.Flags&FQDNFlagE != 0)
	return f, nil
}

func canonicalDomain(name []byte, wire bool) string {
	if len(name) == 0 {
		return ""
	}
	if wire {
		domain, _, err := dns.UnpackDomainName(name, 0)
		if err != nil {
			return ""
		}
		return dns.CanonicalName(domain)
	}
	if _, ok := dns.IsDomainName(string(name)); !ok {
		return ""
	}
	return dns.CanonicalName(string(name))
}
