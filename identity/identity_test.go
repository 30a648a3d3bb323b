package identity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashNIK(t *testing.T) {
	h := HashNIK("1234567890")
	require.Len(t, h, 64)
	require.Equal(t, "c775e7b757ede630cd0aa1113bd102661ab38829ca52a6422ab782862f268646", h)
	for range 10 {
		require.Equal(t, h, HashNIK("1234567890"))
	}
	require.NotEqual(t, h, HashNIK("1234567891"))
}

func TestVerifyNIK(t *testing.T) {
	id := NewCitizen("3174000101010001", "Budi Santoso")
	require.True(t, id.VerifyNIK("3174000101010001"))
	require.False(t, id.VerifyNIK("3174000101010002"))
	require.NotContains(t, id.NIKHash, "3174000101010001")

	var nilID *Identity
	require.False(t, nilID.VerifyNIK("3174000101010001"))
}

func TestNewCitizen(t *testing.T) {
	a := NewCitizen("1", "Ani")
	b := NewCitizen("1", "Ani")
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, a.NIKHash, b.NIKHash)
	require.Equal(t, Citizen(), a.Role)
	require.False(t, a.IsVerified)
	require.NoError(t, a.IsValid())
}

func TestIdentity_IsValid(t *testing.T) {
	valid := func() *Identity { return NewAdmin("99", "RS Harapan", RumahSakit) }
	require.NoError(t, valid().IsValid())

	var nilID *Identity
	require.ErrorIs(t, nilID.IsValid(), ErrIdentityIsNil)

	tests := []struct {
		name   string
		modify func(*Identity)
		err    error
	}{
		{name: "no id", modify: func(i *Identity) { i.ID = "" }, err: ErrMissingID},
		{name: "raw nik instead of hash", modify: func(i *Identity) { i.NIKHash = "3174000101010001" }, err: ErrInvalidNIKHash},
		{name: "hash not hex", modify: func(i *Identity) { i.NIKHash = HashNIK("x")[:62] + "zz" }, err: ErrInvalidNIKHash},
		{name: "no name", modify: func(i *Identity) { i.FullName = "" }, err: ErrMissingFullName},
		{name: "unknown admin", modify: func(i *Identity) { i.Role = Admin(42) }, err: ErrInvalidRole},
		{name: "citizen with admin kind", modify: func(i *Identity) { i.Role = Role{Type: RoleCitizen, Admin: BPJS} }, err: ErrInvalidRole},
		{name: "zero role", modify: func(i *Identity) { i.Role = Role{} }, err: ErrInvalidRole},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id := valid()
			tc.modify(id)
			require.ErrorIs(t, id.IsValid(), tc.err)
		})
	}
}

func TestRole_JSON(t *testing.T) {
	for _, r := range []Role{Citizen(), Admin(Dukcapil), Admin(RumahSakit), Admin(Sekolah), Admin(BPJS), Admin(Government)} {
		b, err := json.Marshal(r)
		require.NoError(t, err)
		var dst Role
		require.NoError(t, json.Unmarshal(b, &dst))
		require.Equal(t, r, dst)
	}

	b, err := json.Marshal(Admin(BPJS))
	require.NoError(t, err)
	require.Equal(t, `"Admin(BPJS)"`, string(b))

	var r Role
	require.ErrorIs(t, json.Unmarshal([]byte(`"Superuser"`), &r), ErrInvalidRole)
	require.EqualError(t, json.Unmarshal([]byte(`"Admin(Police)"`), &r), `unknown admin kind "Police"`)
}

func TestParseAdminType(t *testing.T) {
	at, err := ParseAdminType("rumahsakit")
	require.NoError(t, err)
	require.Equal(t, RumahSakit, at)
	require.Equal(t, "RumahSakit", at.String())
	require.Equal(t, "admin(9)", AdminType(9).String())
}
