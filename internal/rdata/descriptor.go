package rdata

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

var (
	ErrNoDescriptor   = errors.New("no descriptor for record type")
	errFieldCount     = errors.New("field count does not match descriptor")
	errBadAddress     = errors.New("invalid address field")
	errEmptyDomain    = errors.New("empty domain field")
	errFieldOverflow  = errors.New("field value out of range")
	errUnexpectedKind = errors.New("unexpected field kind")
)

// Kind tags one element of a record descriptor. Integer kinds carry their
// byte width so textual values can be range-checked when records are
// rebuilt from the cache.
type Kind uint8

const (
	KindInt8 Kind = iota
	KindInt16
	KindInt32
	KindUint8
	KindUint16
	KindUint32
	KindString
	KindDomain
)

// Field is one typed element of a record's RDATA.
type Field struct {
	Name string
	Kind Kind
}

// descriptors lists the RDATA structure per cacheable record type.
// A type absent here is not cached.
var descriptors = map[uint16][]Field{ //nolint:gochecknoglobals // static table
	dns.TypeA:     {{Name: "address", Kind: KindString}},
	dns.TypeAAAA:  {{Name: "address", Kind: KindString}},
	dns.TypeCNAME: {{Name: "target", Kind: KindDomain}},
	dns.TypeNS:    {{Name: "nameserver", Kind: KindDomain}},
	dns.TypePTR:   {{Name: "target", Kind: KindDomain}},
	dns.TypeTXT:   {{Name: "text", Kind: KindString}},
	dns.TypeMX: {
		{Name: "preference", Kind: KindUint16},
		{Name: "exchange", Kind: KindDomain},
	},
	dns.TypeSOA: {
		{Name: "mname", Kind: KindDomain},
		{Name: "rname", Kind: KindDomain},
		{Name: "serial", Kind: KindUint32},
		{Name: "refresh", Kind: KindUint32},
		{Name: "retry", Kind: KindUint32},
		{Name: "expire", Kind: KindUint32},
		{Name: "minimum", Kind: KindUint32},
	},
	dns.TypeSRV: {
		{Name: "priority", Kind: KindUint16},
		{Name: "weight", Kind: KindUint16},
		{Name: "port", Kind: KindUint16},
		{Name: "target", Kind: KindDomain},
	},
}

// Descriptor returns the element list for a record type.
func Descriptor(rrtype uint16) ([]Field, bool) {
	d, ok := descriptors[rrtype]

	return d, ok
}

// Name normalizes an owner or target name to the cache's textual form:
// lower case, no trailing dot.
func Name(s string) string {
	return strings.TrimSuffix(strings.ToLower(s), ".")
}

// Render decomposes rr into one textual value per descriptor element.
// Returns false when the record type has no descriptor.
//
//nolint:cyclop // one arm per cacheable record type
func Render(rr dns.RR) ([]string, bool) {
	switch r := rr.(type) {
	case *dns.A:
		return []string{r.A.String()}, true
	case *dns.AAAA:
		return []string{r.AAAA.String()}, true
	case *dns.CNAME:
		return []string{Name(r.Target)}, true
	case *dns.NS:
		return []string{Name(r.Ns)}, true
	case *dns.PTR:
		return []string{Name(r.Ptr)}, true
	case *dns.TXT:
		return []string{strings.Join(r.Txt, "")}, true
	case *dns.MX:
		return []string{
			strconv.FormatUint(uint64(r.Preference), 10),
			Name(r.Mx),
		}, true
	case *dns.SOA:
		return []string{
			Name(r.Ns),
			Name(r.Mbox),
			strconv.FormatUint(uint64(r.Serial), 10),
			strconv.FormatUint(uint64(r.Refresh), 10),
			strconv.FormatUint(uint64(r.Retry), 10),
			strconv.FormatUint(uint64(r.Expire), 10),
			strconv.FormatUint(uint64(r.Minttl), 10),
		}, true
	case *dns.SRV:
		return []string{
			strconv.FormatUint(uint64(r.Priority), 10),
			strconv.FormatUint(uint64(r.Weight), 10),
			strconv.FormatUint(uint64(r.Port), 10),
			Name(r.Target),
		}, true
	default:
		return nil, false
	}
}

// Build reconstructs a resource record from the cache's textual fields.
//
//nolint:cyclop,funlen // one arm per cacheable record type
func Build(name string, rrtype, class uint16, ttl uint32, fields []string) (dns.RR, error) {
	desc, ok := descriptors[rrtype]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoDescriptor, rrtype)
	}

	if len(fields) != len(desc) {
		return nil, fmt.Errorf("%w: type %d wants %d, got %d", errFieldCount, rrtype, len(desc), len(fields))
	}

	for i, f := range desc {
		if err := checkField(f, fields[i]); err != nil {
			return nil, fmt.Errorf("type %d field %q: %w", rrtype, f.Name, err)
		}
	}

	hdr := dns.RR_Header{
		Name:   dns.Fqdn(name),
		Rrtype: rrtype,
		Class:  class,
		Ttl:    ttl,
	}

	switch rrtype {
	case dns.TypeA:
		ip := net.ParseIP(fields[0])
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("%w: %q", errBadAddress, fields[0])
		}

		return &dns.A{Hdr: hdr, A: ip.To4()}, nil
	case dns.TypeAAAA:
		ip := net.ParseIP(fields[0])
		if ip == nil || ip.To4() != nil {
			return nil, fmt.Errorf("%w: %q", errBadAddress, fields[0])
		}

		return &dns.AAAA{Hdr: hdr, AAAA: ip}, nil
	case dns.TypeCNAME:
		return &dns.CNAME{Hdr: hdr, Target: dns.Fqdn(fields[0])}, nil
	case dns.TypeNS:
		return &dns.NS{Hdr: hdr, Ns: dns.Fqdn(fields[0])}, nil
	case dns.TypePTR:
		return &dns.PTR{Hdr: hdr, Ptr: dns.Fqdn(fields[0])}, nil
	case dns.TypeTXT:
		return &dns.TXT{Hdr: hdr, Txt: splitTxt(fields[0])}, nil
	case dns.TypeMX:
		pref, _ := strconv.ParseUint(fields[0], 10, 16)

		return &dns.MX{Hdr: hdr, Preference: uint16(pref), Mx: dns.Fqdn(fields[1])}, nil
	case dns.TypeSOA:
		nums := make([]uint32, 5)
		for i := range nums {
			v, _ := strconv.ParseUint(fields[2+i], 10, 32)
			nums[i] = uint32(v)
		}

		return &dns.SOA{
			Hdr:     hdr,
			Ns:      dns.Fqdn(fields[0]),
			Mbox:    dns.Fqdn(fields[1]),
			Serial:  nums[0],
			Refresh: nums[1],
			Retry:   nums[2],
			Expire:  nums[3],
			Minttl:  nums[4],
		}, nil
	case dns.TypeSRV:
		pri, _ := strconv.ParseUint(fields[0], 10, 16)
		weight, _ := strconv.ParseUint(fields[1], 10, 16)
		port, _ := strconv.ParseUint(fields[2], 10, 16)

		return &dns.SRV{
			Hdr:      hdr,
			Priority: uint16(pri),
			Weight:   uint16(weight),
			Port:     uint16(port),
			Target:   dns.Fqdn(fields[3]),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrNoDescriptor, rrtype)
	}
}

// checkField validates one textual value against its descriptor tag.
//
//nolint:cyclop // one arm per kind
func checkField(f Field, v string) error {
	switch f.Kind {
	case KindInt8, KindInt16, KindInt32:
		bits := map[Kind]int{KindInt8: 8, KindInt16: 16, KindInt32: 32}[f.Kind]
		if _, err := strconv.ParseInt(v, 10, bits); err != nil {
			return fmt.Errorf("%w: %q", errFieldOverflow, v)
		}

		return nil
	case KindUint8, KindUint16, KindUint32:
		bits := map[Kind]int{KindUint8: 8, KindUint16: 16, KindUint32: 32}[f.Kind]
		if _, err := strconv.ParseUint(v, 10, bits); err != nil {
			return fmt.Errorf("%w: %q", errFieldOverflow, v)
		}

		return nil
	case KindString:
		return nil
	case KindDomain:
		if v == "" {
			return errEmptyDomain
		}

		return nil
	default:
		return errUnexpectedKind
	}
}

// splitTxt re-chunks a joined TXT value into wire-legal 255-byte strings.
func splitTxt(s string) []string {
	if s == "" {
		return []string{""}
	}

	const maxChunk = 255

	var out []string
	for len(s) > maxChunk {
		out = append(out, s[:maxChunk])
		s = s[maxChunk:]
	}

	return append(out, s)
}
