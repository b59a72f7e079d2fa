package threatmodel

import (
	"fmt"
	"strings"
)

// Direction enum
type Direction string

const (
	DirectionForward       Direction = "→"
	DirectionBackward      Direction = "←"
	DirectionBidirectional Direction = "↔"
)

// ParseDirection normalises the arrow spellings models tend to produce.
// Anything unrecognised is treated as bidirectional so both flows get analysed.
func ParseDirection(s string) Direction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "→", "->", "=>", "-->", "forward", "outbound":
		return DirectionForward
	case "←", "<-", "<=", "<--", "backward", "inbound":
		return DirectionBackward
	default:
		return DirectionBidirectional
	}
}

// StrideCategory enum
type StrideCategory string

const (
	Spoofing              StrideCategory = "Spoofing"
	Tampering             StrideCategory = "Tampering"
	Repudiation           StrideCategory = "Repudiation"
	InformationDisclosure StrideCategory = "Information Disclosure"
	DenialOfService       StrideCategory = "Denial of Service"
	ElevationOfPrivilege  StrideCategory = "Elevation of Privilege"
)

// Categories lists STRIDE in its canonical order.
var Categories = []StrideCategory{
	Spoofing,
	Tampering,
	Repudiation,
	InformationDisclosure,
	DenialOfService,
	ElevationOfPrivilege,
}

var categoryAliases = map[string]StrideCategory{
	"spoofing":               Spoofing,
	"s":                      Spoofing,
	"tampering":              Tampering,
	"t":                      Tampering,
	"repudiation":            Repudiation,
	"r":                      Repudiation,
	"information disclosure": InformationDisclosure,
	"info disclosure":        InformationDisclosure,
	"information_disclosure": InformationDisclosure,
	"i":                      InformationDisclosure,
	"denial of service":      DenialOfService,
	"denial_of_service":      DenialOfService,
	"dos":                    DenialOfService,
	"d":                      DenialOfService,
	"elevation of privilege": ElevationOfPrivilege,
	"elevation_of_privilege": ElevationOfPrivilege,
	"privilege escalation":   ElevationOfPrivilege,
	"eop":                    ElevationOfPrivilege,
	"e":                      ElevationOfPrivilege,
}

// ParseCategory maps free text onto the closed STRIDE enum.
func ParseCategory(s string) (StrideCategory, error) {
	key := strings.Join(strings.Fields(strings.ToLower(s)), " ")
	if c, ok := categoryAliases[key]; ok {
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown STRIDE category %q", ErrMalformedOutput, s)
}

// Control is the security property a STRIDE category violates.
func (c StrideCategory) Control() string {
	switch c {
	case Spoofing:
		return "Authentication"
	case Tampering:
		return "Integrity"
	case Repudiation:
		return "Non-repudiation"
	case InformationDisclosure:
		return "Least Privilege"
	case DenialOfService:
		return "Availability"
	case ElevationOfPrivilege:
		return "Authorization"
	}
	return ""
}
