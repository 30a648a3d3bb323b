package identity

import (
	"encoding/json"
	"fmt"
	"strings"
)

type (
	RoleType  uint8
	AdminType uint8
)

const (
	RoleCitizen RoleType = iota + 1
	RoleAdmin
)

const (
	Dukcapil AdminType = iota + 1
	RumahSakit
	Sekolah
	BPJS
	Government
)

var adminTypeNames = map[AdminType]string{
	Dukcapil:   "Dukcapil",
	RumahSakit: "RumahSakit",
	Sekolah:    "Sekolah",
	BPJS:       "BPJS",
	Government: "Government",
}

/*
Role is either Citizen or Admin of some kind. Admin field is meaningful
only for the RoleAdmin.
*/
type Role struct {
	_     struct{} `cbor:",toarray"`
	Type  RoleType
	Admin AdminType
}

func Citizen() Role { return Role{Type: RoleCitizen} }

func Admin(kind AdminType) Role { return Role{Type: RoleAdmin, Admin: kind} }

func (r Role) IsAdmin() bool { return r.Type == RoleAdmin }

func (r Role) IsValid() error {
	switch r.Type {
	case RoleCitizen:
		if r.Admin != 0 {
			return fmt.Errorf("%w: citizen must not have admin kind", ErrInvalidRole)
		}
		return nil
	case RoleAdmin:
		if _, ok := adminTypeNames[r.Admin]; !ok {
			return fmt.Errorf("%w: unknown admin kind %d", ErrInvalidRole, r.Admin)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown role type %d", ErrInvalidRole, r.Type)
	}
}

/*
String returns "Citizen" or "Admin(<kind>)".
*/
func (r Role) String() string {
	switch r.Type {
	case RoleCitizen:
		return "Citizen"
	case RoleAdmin:
		return fmt.Sprintf("Admin(%s)", r.Admin)
	default:
		return fmt.Sprintf("role(%d)", r.Type)
	}
}

func (a AdminType) String() string {
	if s, ok := adminTypeNames[a]; ok {
		return s
	}
	return fmt.Sprintf("admin(%d)", a)
}

// ParseAdminType is case insensitive inverse of AdminType.String.
func ParseAdminType(s string) (AdminType, error) {
	for k, v := range adminTypeNames {
		if strings.EqualFold(v, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown admin kind %q", s)
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "Citizen" {
		*r = Citizen()
		return nil
	}
	if kind, ok := strings.CutPrefix(s, "Admin("); ok && strings.HasSuffix(kind, ")") {
		at, err := ParseAdminType(strings.TrimSuffix(kind, ")"))
		if err != nil {
			return err
		}
		*r = Admin(at)
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidRole, s)
}
