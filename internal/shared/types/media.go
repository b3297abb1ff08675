package types

import "time"

// IPFamily is the address family an upstream URL was resolved over.
// Zero means the URL is not bound to a family (plain file URLs).
type IPFamily int

const (
	FamilyAny IPFamily = 0
	FamilyV4  IPFamily = 4
	FamilyV6  IPFamily = 6
)

// Network returns the dial network pinned to the family.
func (f IPFamily) Network() string {
	switch f {
	case FamilyV4:
		return "tcp4"
	case FamilyV6:
		return "tcp6"
	default:
		return "tcp"
	}
}

func (f IPFamily) String() string {
	switch f {
	case FamilyV4:
		return "ipv4"
	case FamilyV6:
		return "ipv6"
	default:
		return "any"
	}
}

// Extraction methods recorded on a MediaReference.
const (
	MethodPassthrough = "passthrough"
	MethodDirectV4    = "direct-ipv4"
	MethodDirectV6    = "direct-ipv6"
	MethodProxy       = "proxy"
	MethodNative      = "native"
)

// MediaReference is the result of resolving one source reference.
// It lives for a single request and is never cached or persisted.
type MediaReference struct {
	SourceRef        string
	ResolvedMediaURL string
	IPFamily         IPFamily
	Method           string
	ResolvedAt       time.Time

	// Proxy is the egress proxy used during extraction, "" when direct.
	Proxy string
	// Duration is the true media duration when it could be determined.
	Duration time.Duration
}
