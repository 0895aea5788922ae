package fixedpoint

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Tag labels a registry value with its category. Older registry deployments
// encode tags as fixed 32-byte words; current ones use variable-length
// strings. Tag is the single in-memory form for both.
type Tag string

// TagFromBytes32 decodes a legacy right-padded bytes32 tag.
func TagFromBytes32(b [32]byte) Tag {
	return Tag(bytes.TrimRight(b[:], "\x00"))
}

// Bytes32 encodes the tag in the legacy bytes32 form. ok is false when the
// tag does not fit.
func (t Tag) Bytes32() (out [32]byte, ok bool) {
	if len(t) > len(out) {
		return out, false
	}
	copy(out[:], t)
	return out, true
}

func (t Tag) String() string { return string(t) }

func (t Tag) key() string {
	return strings.ToLower(strings.TrimSpace(string(t)))
}

// Kind is the display and precision category a tag belongs to.
type Kind int

const (
	KindPlain Kind = iota
	KindPercent
	KindRevenue
	KindStars
	KindBoolean
	KindMilliseconds
	KindBlocks
)

// Standard reputation tags.
const (
	TagStarred            Tag = "starred"
	TagUptime             Tag = "uptime"
	TagSuccessRate        Tag = "successRate"
	TagTradingYield       Tag = "tradingYield"
	TagRevenues           Tag = "revenues"
	TagReachable          Tag = "reachable"
	TagOwnerVerified      Tag = "ownerVerified"
	TagResponseTime       Tag = "responseTime"
	TagBlocktimeFreshness Tag = "blocktimeFreshness"
)

var standardTags = map[string]Tag{
	TagStarred.key():            TagStarred,
	TagUptime.key():             TagUptime,
	TagSuccessRate.key():        TagSuccessRate,
	TagTradingYield.key():       TagTradingYield,
	TagRevenues.key():           TagRevenues,
	TagReachable.key():          TagReachable,
	TagOwnerVerified.key():      TagOwnerVerified,
	TagResponseTime.key():       TagResponseTime,
	TagBlocktimeFreshness.key(): TagBlocktimeFreshness,
}

// Canonical returns the standard spelling of t, matched case-insensitively
// after trimming. Custom tags come back trimmed and lower-cased so that
// spellings differing only in case compare equal.
func (t Tag) Canonical() Tag {
	k := t.key()
	if std, ok := standardTags[k]; ok {
		return std
	}
	return Tag(k)
}

var tagKinds = map[string]Kind{
	TagUptime.key():             KindPercent,
	TagSuccessRate.key():        KindPercent,
	TagTradingYield.key():       KindPercent,
	TagRevenues.key():           KindRevenue,
	TagStarred.key():            KindStars,
	TagReachable.key():          KindBoolean,
	TagOwnerVerified.key():      KindBoolean,
	TagResponseTime.key():       KindMilliseconds,
	TagBlocktimeFreshness.key(): KindBlocks,
}

var kindDecimals = map[Kind]uint8{
	KindPercent:      2,
	KindRevenue:      0,
	KindStars:        1,
	KindBoolean:      0,
	KindMilliseconds: 0,
	KindBlocks:       0,
}

// Kind returns the category of t; unknown tags are KindPlain.
func (t Tag) Kind() Kind {
	return tagKinds[t.key()]
}

// CanonicalDecimals returns the standard precision for t. ok is false for
// tags without a policy.
func CanonicalDecimals(t Tag) (uint8, bool) {
	d, ok := kindDecimals[t.Kind()]
	return d, ok
}

// Format renders v for display according to the tag's category.
func Format(t Tag, v float64) string {
	switch t.Kind() {
	case KindPercent:
		return fmt.Sprintf("%.2f%%", v)
	case KindRevenue:
		return formatCurrency(v)
	case KindStars:
		return fmt.Sprintf("%.1f★", v)
	case KindBoolean:
		if v != 0 {
			return "Verified"
		}
		return "Unverified"
	case KindMilliseconds:
		return fmt.Sprintf("%.0fms", v)
	case KindBlocks:
		return fmt.Sprintf("%.0f blocks", v)
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}

func formatCurrency(v float64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	digits := strconv.FormatFloat(math.Round(v), 'f', 0, 64)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + "$" + b.String()
}
